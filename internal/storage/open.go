package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"joinguard/internal/verification"
	logx "joinguard/pkg/logx"
)

// Store is the persistence API used by the termination engine and the app.
type Store interface {
	CreateAttempt(ctx context.Context, a verification.Attempt) (verification.Attempt, error)
	GetAttempt(ctx context.Context, id int64) (verification.Attempt, error)
	// FindWaiting returns the waiting attempt of user in chat, if any.
	FindWaiting(ctx context.Context, chatID, userID int64) (verification.Attempt, bool, error)
	// UpdateStatus is a compare-and-set from waiting. It returns
	// verification.ErrStatusConflict with the stored attempt when it was no
	// longer waiting.
	UpdateStatus(ctx context.Context, a verification.Attempt, status verification.Status) (verification.Attempt, error)
	CountWaiting(ctx context.Context, chatID int64) (int, error)
	ListWaiting(ctx context.Context) ([]verification.Attempt, error)

	FetchScheme(ctx context.Context, chatID int64) (verification.Scheme, error)
	PutScheme(ctx context.Context, s verification.Scheme) error

	CreateOperation(ctx context.Context, op verification.Operation) (verification.Operation, error)
	ListOperations(ctx context.Context, verificationID int64) ([]verification.Operation, error)

	IncrementOne(ctx context.Context, chatID int64, languageCode string, category verification.StatCategory) error
	Stats(ctx context.Context, chatID int64, since time.Time) ([]StatRow, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		cfg.Path = ":memory:"
		return openSQLite(cfg, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
