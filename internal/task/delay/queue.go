package delay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	rtsup "joinguard/internal/runtime/supervisor"
	logx "joinguard/pkg/logx"
)

var (
	ErrStopped = errors.New("delay queue stopped")
	ErrNoWork  = errors.New("delay queue: work is nil")
)

// Config controls the delay queue.
type Config struct {
	// Timeout bounds a single run of a task. 0 disables the bound.
	Timeout time.Duration
}

// Work is the deferred unit of work. ctx is canceled only on forced shutdown
// or when Config.Timeout elapses.
type Work func(ctx context.Context) error

// Handle identifies a scheduled task. It is comparable; two handles are equal
// iff they refer to the same scheduling.
type Handle struct {
	ID    string
	Key   string
	DueAt time.Time
}

func (h Handle) IsZero() bool { return h.ID == "" }

type Stats struct {
	Pending   int
	InFlight  int64
	Scheduled uint64
	Fired     uint64
	Canceled  uint64
	Failed    uint64
}

type pending struct {
	h     Handle
	timer *time.Timer
	work  Work
}

type Queue struct {
	mu    sync.Mutex
	cfg   Config
	log   logx.Logger
	sup   *rtsup.Supervisor
	tasks map[string]*pending

	scheduled uint64
	fired     uint64
	canceled  uint64
	failed    uint64
}

func New(cfg Config, log logx.Logger) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout < 0 {
		cfg.Timeout = 0
	}
	return &Queue{
		cfg:   cfg,
		log:   log,
		tasks: map[string]*pending{},
	}
}

// Start enables scheduling. It is idempotent.
//
// Task lifetime is owned by Stop, not by ctx: canceling ctx does not abort
// pending or running tasks.
func (q *Queue) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sup != nil {
		return
	}
	q.sup = rtsup.NewSupervisor(context.WithoutCancel(ctx),
		rtsup.WithLogger(q.log),
		// a failing task must not take the queue down.
		rtsup.WithCancelOnError(false),
	)
	q.log.Info("delay queue started")
}

// Stop drops every pending task and waits for running ones until ctx expires,
// after which their contexts are canceled.
func (q *Queue) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	sup := q.sup
	q.sup = nil
	dropped := len(q.tasks)
	for id, p := range q.tasks {
		p.timer.Stop()
		delete(q.tasks, id)
	}
	q.mu.Unlock()

	if sup == nil {
		return
	}
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		q.log.Warn("delay queue stop timed out; canceling running tasks", logx.Int64("in_flight", sup.Counters().Active))
		sup.Cancel()
	}
	q.log.Info("delay queue stopped", logx.Int("dropped_pending", dropped))
}

// Schedule registers work to run no earlier than after from now. It never
// blocks on the work itself.
func (q *Queue) Schedule(key string, after time.Duration, work Work) (Handle, error) {
	if work == nil {
		return Handle{}, ErrNoWork
	}
	if after < 0 {
		after = 0
	}
	key = strings.TrimSpace(key)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sup == nil {
		return Handle{}, ErrStopped
	}

	h := Handle{ID: uuid.NewString(), Key: key, DueAt: time.Now().Add(after)}
	p := &pending{h: h, work: work}
	// Registered before the timer exists so an immediate fire always finds it.
	q.tasks[h.ID] = p
	p.timer = time.AfterFunc(after, func() { q.fire(h.ID) })
	atomic.AddUint64(&q.scheduled, 1)

	q.log.Debug("task scheduled", logx.String("key", key), logx.String("id", h.ID), logx.Duration("after", after))
	return h, nil
}

// Cancel prevents a pending task from firing. It returns false when the task
// already fired, was canceled before, or is unknown.
func (q *Queue) Cancel(h Handle) bool {
	if h.IsZero() {
		return false
	}
	q.mu.Lock()
	p, ok := q.tasks[h.ID]
	if ok {
		delete(q.tasks, h.ID)
		p.timer.Stop()
	}
	q.mu.Unlock()

	if !ok {
		return false
	}
	atomic.AddUint64(&q.canceled, 1)
	q.log.Debug("task canceled", logx.String("key", h.Key), logx.String("id", h.ID))
	return true
}

// IsPending reports whether h is scheduled and has not fired or been
// canceled yet.
func (q *Queue) IsPending(h Handle) bool {
	if h.IsZero() {
		return false
	}
	q.mu.Lock()
	_, ok := q.tasks[h.ID]
	q.mu.Unlock()
	return ok
}

func (q *Queue) Pending() int {
	q.mu.Lock()
	n := len(q.tasks)
	q.mu.Unlock()
	return n
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	n := len(q.tasks)
	sup := q.sup
	q.mu.Unlock()
	return Stats{
		Pending:   n,
		InFlight:  sup.Counters().Active,
		Scheduled: atomic.LoadUint64(&q.scheduled),
		Fired:     atomic.LoadUint64(&q.fired),
		Canceled:  atomic.LoadUint64(&q.canceled),
		Failed:    atomic.LoadUint64(&q.failed),
	}
}

func (q *Queue) fire(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.tasks[id]
	if !ok || q.sup == nil {
		// Canceled or stopped between the timer firing and now.
		return
	}
	delete(q.tasks, id)
	atomic.AddUint64(&q.fired, 1)
	// Handed to the supervisor under mu so Stop either drops the task or waits
	// for it.
	q.sup.Go("delay."+p.h.Key, func(ctx context.Context) error {
		q.run(ctx, p)
		return nil
	})
}

func (q *Queue) run(ctx context.Context, p *pending) {
	start := time.Now()
	lateness := start.Sub(p.h.DueAt)
	if lateness < 0 {
		lateness = 0
	}

	runCtx := ctx
	if q.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, q.cfg.Timeout)
		defer cancel()
	}

	// Count the run as failed until it returns normally; a panic propagates to
	// the supervisor which logs it.
	ok := false
	defer func() {
		if !ok {
			atomic.AddUint64(&q.failed, 1)
		}
	}()

	err := p.work(runCtx)
	dur := time.Since(start)
	if err != nil {
		q.log.Warn("task failed", logx.String("key", p.h.Key), logx.String("id", p.h.ID), logx.Err(err), logx.Duration("late", lateness), logx.Duration("dur", dur))
		return
	}
	ok = true
	q.log.Debug("task completed", logx.String("key", p.h.Key), logx.String("id", p.h.ID), logx.Duration("late", lateness), logx.Duration("dur", dur))
}
