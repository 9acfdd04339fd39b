package termination

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"joinguard/internal/task/delay"
	"joinguard/internal/verification"
	logx "joinguard/pkg/logx"
)

// CounterTimeout is the process-wide counter bumped once per timeout disposition.
const CounterTimeout = "verification_timeout"

var ErrInvalidStatus = errors.New("manual termination requires manual_ban or manual_kick")

type Deps struct {
	Store    AttemptStore
	Stats    Statistics
	Counters Counters
	Recorder Recorder
	Remover  Remover
	Entries  EntrySyncer
	Jobs     JobCache
	Queue    Scheduler

	// Defaults is read on every disposition so config reloads apply live.
	Defaults func() verification.Defaults
	Log      logx.Logger
}

type Engine struct {
	d   Deps
	log logx.Logger

	// jobMu makes the JobCache check-then-schedule-then-add sequence atomic
	// and orders cleanup after it.
	jobMu sync.Mutex
}

func New(d Deps) *Engine {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.Defaults == nil {
		d.Defaults = func() verification.Defaults { return verification.Defaults{KillMethod: verification.KillKick} }
	}
	return &Engine{d: d, log: log}
}

// ScheduleTimeout schedules the timeout of a, waitSeconds from now. If a
// timeout is already pending for the same chat and user, its handle is
// returned and nothing new is scheduled. A cached handle that already fired
// belongs to a previous attempt and is replaced.
func (e *Engine) ScheduleTimeout(a verification.Attempt, scheme verification.Scheme, waitSeconds int) (delay.Handle, error) {
	if waitSeconds < 0 {
		waitSeconds = 0
	}
	key := verification.JobKey(a.ChatID, a.User.ID)

	e.jobMu.Lock()
	defer e.jobMu.Unlock()

	if h, ok := e.d.Jobs.Get(key); ok {
		if e.d.Queue.IsPending(h) {
			e.log.Debug("timeout already scheduled", logx.String("key", key), logx.VerificationID(a.ID))
			return h, nil
		}
		e.log.Debug("replacing fired timeout", logx.String("key", key), logx.String("previous", h.ID), logx.VerificationID(a.ID))
	}

	// self is written and read under jobMu only.
	self := new(delay.Handle)
	h, err := e.d.Queue.Schedule(key, time.Duration(waitSeconds)*time.Second, func(ctx context.Context) error {
		defer e.forget(key, self)
		return e.fireTimeout(ctx, a, scheme, waitSeconds)
	})
	if err != nil {
		return delay.Handle{}, fmt.Errorf("schedule %s: %w", key, err)
	}
	*self = h
	e.d.Jobs.Add(key, h)
	e.log.Debug("timeout scheduled", logx.String("key", key), logx.VerificationID(a.ID), logx.Int("wait_secs", waitSeconds))
	return h, nil
}

func (e *Engine) fireTimeout(ctx context.Context, a verification.Attempt, scheme verification.Scheme, waitSeconds int) error {
	log := e.log.With(attemptFields(a)...)

	cur, err := e.d.Store.GetAttempt(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("reload verification %d: %w", a.ID, err)
	}
	if cur.Status != verification.StatusWaiting {
		log.Debug("timeout skipped: already concluded", logx.String("status", string(cur.Status)))
		return nil
	}

	method, unban := scheme.Resolve(e.d.Defaults())
	if _, err := e.d.Store.UpdateStatus(ctx, cur, verification.StatusTimeout); err != nil {
		if errors.Is(err, verification.ErrStatusConflict) {
			log.Debug("timeout skipped: concluded concurrently")
			return nil
		}
		return fmt.Errorf("update verification %d: %w", a.ID, err)
	}

	e.apply(ctx, log, cur, disposition{
		category: verification.StatTimeout,
		role:     verification.RoleSystem,
		reason:   verification.ReasonTimeout,
		method:   method,
		unban:    unban,
		counter:  CounterTimeout,
	})
	e.syncEntry(ctx, log, cur.ChatID, scheme, time.Duration(waitSeconds)*time.Second)
	log.Info("verification timed out", logx.String("method", string(method)), logx.Duration("unban_delay", unban))
	return nil
}

// ManualTerminate applies an administrator disposition (manual_ban or
// manual_kick) to a waiting attempt. Attempts that are no longer waiting are
// left untouched. On error the attempt keeps a pending timeout.
func (e *Engine) ManualTerminate(ctx context.Context, a verification.Attempt, status verification.Status) error {
	if status != verification.StatusManualBan && status != verification.StatusManualKick {
		return fmt.Errorf("%w: got %q", ErrInvalidStatus, status)
	}
	log := e.log.With(attemptFields(a)...)
	if a.Status != verification.StatusWaiting {
		log.Info("manual termination skipped: not waiting", logx.String("status", string(a.Status)))
		return nil
	}

	scheme, err := e.d.Store.FetchScheme(ctx, a.ChatID)
	if err != nil {
		return fmt.Errorf("fetch scheme for chat %d: %w", a.ChatID, err)
	}
	defaults := e.d.Defaults()
	method := verification.KillKick
	if status == verification.StatusManualBan {
		method = verification.KillBan
	}
	_, unban := scheme.Resolve(defaults)

	canceled, ok := e.cancelPending(verification.JobKey(a.ChatID, a.User.ID))
	if _, err := e.d.Store.UpdateStatus(ctx, a, status); err != nil {
		if errors.Is(err, verification.ErrStatusConflict) {
			log.Debug("manual termination skipped: concluded concurrently")
			return nil
		}
		if ok {
			e.restore(log, a, scheme, canceled)
		}
		return fmt.Errorf("update verification %d: %w", a.ID, err)
	}

	e.apply(ctx, log, a, disposition{
		category: verification.StatOther,
		role:     verification.RoleAdmin,
		reason:   verification.Reason(status),
		method:   method,
		unban:    unban,
	})
	e.syncEntry(ctx, log, a.ChatID, scheme, scheme.EffectiveDuration(defaults))
	log.Info("verification terminated manually", logx.String("status", string(status)), logx.String("method", string(method)))
	return nil
}

// restore reschedules a timeout canceled by a manual termination that then
// failed, keeping its original due time.
func (e *Engine) restore(log logx.Logger, a verification.Attempt, scheme verification.Scheme, canceled delay.Handle) {
	wait := int(math.Ceil(time.Until(canceled.DueAt).Seconds()))
	h, err := e.ScheduleTimeout(a, scheme, wait)
	if err != nil {
		log.Error("timeout restore failed; left to reconcile", logx.Err(err))
		return
	}
	log.Debug("timeout restored", logx.String("id", h.ID), logx.Int("wait_secs", max(wait, 0)))
}

type disposition struct {
	category verification.StatCategory
	role     verification.Role
	reason   verification.Reason
	method   verification.KillMethod
	unban    time.Duration
	counter  string
}

// apply runs the side effects of a disposition whose status update already
// succeeded. None of them can undo it.
func (e *Engine) apply(ctx context.Context, log logx.Logger, a verification.Attempt, d disposition) {
	if e.d.Stats != nil {
		if err := e.d.Stats.IncrementOne(ctx, a.ChatID, a.User.LanguageCode, d.category); err != nil {
			log.Warn("statistic increment failed", logx.String("category", string(d.category)), logx.Err(err))
		}
	}
	if e.d.Recorder != nil {
		// Logged by the recorder; a missing audit entry does not block removal.
		_, _ = e.d.Recorder.Record(ctx, a.ID, d.method, d.role)
	}
	if d.counter != "" && e.d.Counters != nil {
		e.d.Counters.Increment(d.counter)
	}
	if e.d.Remover != nil {
		e.d.Remover.Remove(ctx, a.ChatID, a.User, d.reason, d.method, d.unban)
	}
}

func (e *Engine) syncEntry(ctx context.Context, log logx.Logger, chatID int64, scheme verification.Scheme, duration time.Duration) {
	if e.d.Entries == nil {
		return
	}
	if _, err := e.d.Entries.Sync(ctx, chatID, scheme, duration); err != nil {
		log.Warn("entry message sync failed", logx.Err(err))
	}
}

// cancelPending cancels the cached timeout of key and drops the cache entry.
// It reports the handle and whether it was still pending; a timeout that is
// already running is left to its own status check.
func (e *Engine) cancelPending(key string) (delay.Handle, bool) {
	e.jobMu.Lock()
	defer e.jobMu.Unlock()
	h, ok := e.d.Jobs.Get(key)
	if !ok {
		return delay.Handle{}, false
	}
	e.d.Jobs.Delete(key)
	if !e.d.Queue.Cancel(h) {
		e.log.Debug("pending timeout already running", logx.String("key", key))
		return h, false
	}
	e.log.Debug("pending timeout canceled", logx.String("key", key))
	return h, true
}

// forget drops the cache entry of key if it still refers to h. A newer
// timeout for the same chat and user keeps its entry.
func (e *Engine) forget(key string, h *delay.Handle) {
	e.jobMu.Lock()
	defer e.jobMu.Unlock()
	if cur, ok := e.d.Jobs.Get(key); ok && cur.ID == h.ID {
		e.d.Jobs.Delete(key)
	}
}

func attemptFields(a verification.Attempt) []logx.Field {
	return []logx.Field{
		logx.VerificationID(a.ID),
		logx.ChatID(a.ChatID),
		logx.UserID(a.User.ID),
	}
}
