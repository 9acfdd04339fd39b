package entrymsg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"joinguard/internal/verification"
	logx "joinguard/pkg/logx"
)

type fixedCounter struct {
	n   int
	err error
}

func (f fixedCounter) CountWaiting(context.Context, int64) (int, error) { return f.n, f.err }

type recMessenger struct {
	updates []int
	deletes int
	dur     time.Duration
}

func (r *recMessenger) UpdatePendingMessage(_ context.Context, _ int64, waiting int, _ verification.Scheme, d time.Duration) {
	r.updates = append(r.updates, waiting)
	r.dur = d
}

func (r *recMessenger) DeleteLatestPendingMessage(context.Context, int64) { r.deletes++ }

func TestSync(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		waiting     int
		wantUpdates []int
		wantDeletes int
	}{
		{name: "none left deletes", waiting: 0, wantDeletes: 1},
		{name: "some left updates", waiting: 3, wantUpdates: []int{3}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := &recMessenger{}
			c := New(fixedCounter{n: tt.waiting}, m, logx.Nop())
			n, err := c.Sync(context.Background(), 100, verification.Scheme{}, 5*time.Minute)
			require.NoError(t, err)
			require.Equal(t, tt.waiting, n)
			require.Equal(t, tt.wantUpdates, m.updates)
			require.Equal(t, tt.wantDeletes, m.deletes)
			if tt.waiting > 0 {
				require.Equal(t, 5*time.Minute, m.dur)
			}
		})
	}
}

func TestSyncCountFailureTouchesNothing(t *testing.T) {
	t.Parallel()
	m := &recMessenger{}
	_, err := New(fixedCounter{err: errors.New("db down")}, m, logx.Nop()).Sync(context.Background(), 1, verification.Scheme{}, time.Minute)
	require.Error(t, err)
	require.Empty(t, m.updates)
	require.Zero(t, m.deletes)
}
