package termination

import (
	"context"
	"time"

	"joinguard/internal/task/delay"
	"joinguard/internal/verification"
)

// AttemptStore is the persistence collaborator.
type AttemptStore interface {
	// GetAttempt returns the latest committed state of the attempt.
	GetAttempt(ctx context.Context, id int64) (verification.Attempt, error)
	// UpdateStatus moves a waiting attempt to status. It returns
	// verification.ErrStatusConflict when the attempt is no longer waiting.
	UpdateStatus(ctx context.Context, a verification.Attempt, status verification.Status) (verification.Attempt, error)
	FetchScheme(ctx context.Context, chatID int64) (verification.Scheme, error)
}

type Statistics interface {
	IncrementOne(ctx context.Context, chatID int64, languageCode string, category verification.StatCategory) error
}

type Counters interface {
	Increment(name string)
}

type Recorder interface {
	Record(ctx context.Context, verificationID int64, action verification.KillMethod, role verification.Role) (verification.Operation, error)
}

// Remover removes a user from a chat. Dispatch is fire-and-forget.
type Remover interface {
	Remove(ctx context.Context, chatID int64, user verification.User, reason verification.Reason, method verification.KillMethod, unbanDelay time.Duration)
}

// EntrySyncer refreshes the chat's pending-verifications message.
type EntrySyncer interface {
	Sync(ctx context.Context, chatID int64, scheme verification.Scheme, duration time.Duration) (int, error)
}

type Scheduler interface {
	Schedule(key string, after time.Duration, work delay.Work) (delay.Handle, error)
	Cancel(h delay.Handle) bool
	// IsPending reports whether h has neither fired nor been canceled.
	IsPending(h delay.Handle) bool
}

type JobCache interface {
	Add(key string, h delay.Handle)
	Get(key string) (delay.Handle, bool)
	Delete(key string)
}
