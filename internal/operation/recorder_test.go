package operation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"joinguard/internal/verification"
	logx "joinguard/pkg/logx"
)

type memStore struct {
	ops []verification.Operation
	err error
}

func (m *memStore) CreateOperation(_ context.Context, op verification.Operation) (verification.Operation, error) {
	if m.err != nil {
		return verification.Operation{}, m.err
	}
	op.ID = int64(len(m.ops) + 1)
	m.ops = append(m.ops, op)
	return op, nil
}

func TestRecordAppends(t *testing.T) {
	t.Parallel()
	st := &memStore{}
	r := New(st, logx.Nop())

	op, err := r.Record(context.Background(), 42, verification.KillBan, verification.RoleAdmin)
	require.NoError(t, err)
	require.Equal(t, int64(1), op.ID)
	require.Len(t, st.ops, 1)
	require.Equal(t, int64(42), st.ops[0].VerificationID)
	require.Equal(t, verification.KillBan, st.ops[0].Action)
	require.Equal(t, verification.RoleAdmin, st.ops[0].Role)
	require.False(t, st.ops[0].CreatedAt.IsZero())
}

func TestRecordRejectsInvalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		id     int64
		action verification.KillMethod
		role   verification.Role
	}{
		{name: "zero id", id: 0, action: verification.KillKick, role: verification.RoleSystem},
		{name: "bad action", id: 1, action: "mute", role: verification.RoleSystem},
		{name: "bad role", id: 1, action: verification.KillKick, role: "bot"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			st := &memStore{}
			_, err := New(st, logx.Nop()).Record(context.Background(), tt.id, tt.action, tt.role)
			require.Error(t, err)
			require.Empty(t, st.ops)
		})
	}
}

func TestRecordStoreFailureIsReturned(t *testing.T) {
	t.Parallel()
	boom := errors.New("disk full")
	_, err := New(&memStore{err: boom}, logx.Nop()).Record(context.Background(), 7, verification.KillKick, verification.RoleSystem)
	require.ErrorIs(t, err, boom)
}
