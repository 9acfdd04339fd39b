package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"joinguard/internal/entrymsg"
	"joinguard/internal/storage"
	"joinguard/internal/termination"
	kit "joinguard/internal/transport"
	"joinguard/internal/verification"
	logx "joinguard/pkg/logx"
)

// Verifier drives the attempt lifecycle around the termination engine:
// opening attempts on join, admin overrides and timer reconciliation.
type Verifier struct {
	store    storage.Store
	engine   *termination.Engine
	entries  *entrymsg.Coordinator
	defaults func() verification.Defaults
	log      logx.Logger
	now      func() time.Time

	schemes singleflight.Group
}

func NewVerifier(store storage.Store, engine *termination.Engine, entries *entrymsg.Coordinator, defaults func() verification.Defaults, log logx.Logger) *Verifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Verifier{
		store:    store,
		engine:   engine,
		entries:  entries,
		defaults: defaults,
		log:      log,
		now:      time.Now,
	}
}

// scheme loads a chat's scheme, collapsing concurrent loads for the same
// chat (a raid of joins hits the same row).
func (v *Verifier) scheme(ctx context.Context, chatID int64) (verification.Scheme, error) {
	res, err, _ := v.schemes.Do(strconv.FormatInt(chatID, 10), func() (any, error) {
		return v.store.FetchScheme(ctx, chatID)
	})
	if err != nil {
		return verification.Scheme{}, fmt.Errorf("fetch scheme for chat %d: %w", chatID, err)
	}
	return res.(verification.Scheme), nil
}

// HandleJoin opens a waiting attempt for the joining user and schedules its
// timeout. A user who already has a waiting attempt in the chat keeps it.
func (v *Verifier) HandleJoin(ctx context.Context, j kit.Join) error {
	log := v.log.With(logx.ChatID(j.ChatID), logx.UserID(j.User.ID))

	a, found, err := v.store.FindWaiting(ctx, j.ChatID, j.User.ID)
	if err != nil {
		return err
	}
	if !found {
		a, err = v.store.CreateAttempt(ctx, verification.Attempt{
			ChatID: j.ChatID,
			User:   j.User,
			Status: verification.StatusWaiting,
			Source: j.Source,
		})
		if err != nil {
			return err
		}
	}

	scheme, err := v.scheme(ctx, j.ChatID)
	if err != nil {
		return err
	}
	d := scheme.EffectiveDuration(v.defaults())
	if _, err := v.engine.ScheduleTimeout(a, scheme, v.remainingSeconds(a, d)); err != nil {
		return err
	}
	if _, err := v.entries.Sync(ctx, j.ChatID, scheme, d); err != nil {
		log.Warn("entry message sync failed", logx.Err(err))
	}
	log.Info("verification opened",
		logx.VerificationID(a.ID),
		logx.String("source", string(a.Source)),
		logx.Bool("existing", found),
		logx.Duration("duration", d),
	)
	return nil
}

var ErrWrongChat = errors.New("verification belongs to another chat")

// Terminate applies an admin override to attempt id, which must belong to
// chatID.
func (v *Verifier) Terminate(ctx context.Context, chatID, id int64, status verification.Status) (verification.Attempt, error) {
	a, err := v.store.GetAttempt(ctx, id)
	if err != nil {
		return verification.Attempt{}, err
	}
	if a.ChatID != chatID {
		return verification.Attempt{}, ErrWrongChat
	}
	if err := v.engine.ManualTerminate(ctx, a, status); err != nil {
		return verification.Attempt{}, err
	}
	return v.store.GetAttempt(ctx, id)
}

// Reconcile makes sure every waiting attempt has a scheduled timeout, using
// the time it has left. It returns how many attempts it visited.
func (v *Verifier) Reconcile(ctx context.Context) (int, error) {
	waiting, err := v.store.ListWaiting(ctx)
	if err != nil {
		return 0, fmt.Errorf("list waiting: %w", err)
	}
	defaults := v.defaults()
	var errs []error
	for _, a := range waiting {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		scheme, err := v.scheme(ctx, a.ChatID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		wait := v.remainingSeconds(a, scheme.EffectiveDuration(defaults))
		if _, err := v.engine.ScheduleTimeout(a, scheme, wait); err != nil {
			errs = append(errs, err)
		}
	}
	if len(waiting) > 0 {
		v.log.Debug("reconcile pass", logx.Int("waiting", len(waiting)), logx.Int("errors", len(errs)))
	}
	return len(waiting), errors.Join(errs...)
}

// remainingSeconds is the whole seconds left of d since a was created,
// rounded up and never negative.
func (v *Verifier) remainingSeconds(a verification.Attempt, d time.Duration) int {
	left := d
	if !a.CreatedAt.IsZero() {
		left = a.CreatedAt.Add(d).Sub(v.now())
	}
	if left <= 0 {
		return 0
	}
	return int((left + time.Second - 1) / time.Second)
}

// StatsSince returns the chat's per-day statistics from since onwards.
func (v *Verifier) StatsSince(ctx context.Context, chatID int64, since time.Time) ([]storage.StatRow, error) {
	return v.store.Stats(ctx, chatID, since)
}
