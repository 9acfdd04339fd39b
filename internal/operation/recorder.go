// Package operation appends the audit trail of verification dispositions.
package operation

import (
	"context"
	"fmt"
	"time"

	"joinguard/internal/verification"
	logx "joinguard/pkg/logx"
)

// Store persists operation records. Records are never updated.
type Store interface {
	CreateOperation(ctx context.Context, op verification.Operation) (verification.Operation, error)
}

type Recorder struct {
	store Store
	log   logx.Logger
	now   func() time.Time
}

func New(store Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, log: log, now: time.Now}
}

// Record appends one audit entry. Failures are logged here with full context
// and also returned; callers are expected to continue the disposition.
func (r *Recorder) Record(ctx context.Context, verificationID int64, action verification.KillMethod, role verification.Role) (verification.Operation, error) {
	op := verification.Operation{
		VerificationID: verificationID,
		Action:         action,
		Role:           role,
		CreatedAt:      r.now(),
	}
	fields := []logx.Field{
		logx.VerificationID(verificationID),
		logx.String("action", string(action)),
		logx.String("role", string(role)),
	}

	if err := validate(op); err != nil {
		r.log.Error("operation rejected", append(fields, logx.Err(err))...)
		return op, err
	}
	if r.store == nil {
		err := fmt.Errorf("operation store not configured")
		r.log.Error("operation record failed", append(fields, logx.Err(err))...)
		return op, err
	}

	created, err := r.store.CreateOperation(ctx, op)
	if err != nil {
		// TODO: surface a dedicated failure mode so the audit gap can be retried instead of only logged.
		r.log.Error("operation record failed", append(fields, logx.Err(err))...)
		return op, fmt.Errorf("create operation: %w", err)
	}
	r.log.Debug("operation recorded", append(fields, logx.Int64("id", created.ID))...)
	return created, nil
}

func validate(op verification.Operation) error {
	if op.VerificationID <= 0 {
		return fmt.Errorf("invalid verification id %d", op.VerificationID)
	}
	if !op.Action.Valid() {
		return fmt.Errorf("invalid action %q", op.Action)
	}
	if op.Role != verification.RoleSystem && op.Role != verification.RoleAdmin {
		return fmt.Errorf("invalid role %q", op.Role)
	}
	return nil
}
