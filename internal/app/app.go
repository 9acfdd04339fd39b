package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"joinguard/internal/config"
	"joinguard/internal/entrymsg"
	"joinguard/internal/jobcache"
	"joinguard/internal/observability/metrics"
	"joinguard/internal/operation"
	rtsup "joinguard/internal/runtime/supervisor"
	"joinguard/internal/stats"
	"joinguard/internal/storage"
	"joinguard/internal/task/delay"
	"joinguard/internal/termination"
	kit "joinguard/internal/transport"
	"joinguard/internal/transport/telegram"
	tgadapter "joinguard/internal/transport/telegram/adapter"
	"joinguard/internal/transport/telegram/router"
	"joinguard/internal/verification"
	logx "joinguard/pkg/logx"
	"joinguard/pkg/systemd"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	// sup runs the app loops; created by Start.
	sup *rtsup.Supervisor
	// work runs user removals and entry message updates. It outlives the
	// update loops so in-flight removals finish during Stop.
	work *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	store    storage.Store
	adapter  kit.Adapter
	queue    *delay.Queue
	jobs     *jobcache.Cache
	counters *stats.Counters
	metrics  *metrics.Service
	entries  *telegram.EntryMessenger
	engine   *termination.Engine
	verifier *Verifier
	router   *router.Router

	cronMu   sync.Mutex
	cron     *cron.Cron
	cronSpec string
	cronID   cron.EntryID

	updates chan kit.Update
}

// deps are the externally built parts of the app. Tests swap the adapter
// and the store.
type deps struct {
	cfgm     *config.ConfigManager
	logs     *logx.Service
	log      logx.Logger
	adapter  kit.Adapter
	store    storage.Store
	registry *prometheus.Registry
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return config.Validate(cfg) })
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	tgc, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := tgadapter.New(tgc, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	a, err := assemble(deps{cfgm: cfgm, logs: logSvc, log: log, adapter: ad, store: store})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.cfgPath = cfgPath
	return a, nil
}

func assemble(d deps) (*App, error) {
	log := d.log
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg := d.cfgm.Get()

	counters, err := stats.New(stats.Options{Registry: d.registry})
	if err != nil {
		return nil, err
	}

	queue := delay.New(delay.Config{Timeout: time.Minute}, log.With(logx.String("comp", "delay")))
	jobs := jobcache.New()
	work := rtsup.NewSupervisor(context.Background(),
		rtsup.WithLogger(log.With(logx.String("comp", "workers"))),
		rtsup.WithCancelOnError(false),
	)

	entries := telegram.NewEntryMessenger(d.adapter, work, log.With(logx.String("comp", "entrymsg")))
	coord := entrymsg.New(d.store, entries, log.With(logx.String("comp", "entrymsg")))
	remover := telegram.NewRemover(d.adapter, queue, work, log.With(logx.String("comp", "remover")))
	recorder := operation.New(d.store, log.With(logx.String("comp", "operation")))

	defaults := func() verification.Defaults { return d.cfgm.Get().Defaults() }
	engine := termination.New(termination.Deps{
		Store:    d.store,
		Stats:    d.store,
		Counters: counters,
		Recorder: recorder,
		Remover:  remover,
		Entries:  coord,
		Jobs:     jobs,
		Queue:    queue,
		Defaults: defaults,
		Log:      log.With(logx.String("comp", "termination")),
	})
	verifier := NewVerifier(d.store, engine, coord, defaults, log.With(logx.String("comp", "verifier")))

	gauges := []struct {
		name, help string
		fn         func() float64
	}{
		{"delay_pending", "Delayed tasks waiting to fire.", func() float64 { return float64(queue.Pending()) }},
		{"delay_in_flight", "Delayed tasks currently running.", func() float64 { return float64(queue.Stats().InFlight) }},
		{"timeout_jobs", "Cached timeout job handles.", func() float64 { return float64(jobs.Len()) }},
		{"workers_active", "Running removal and entry message workers.", func() float64 { return float64(work.Counters().Active) }},
	}
	for _, g := range gauges {
		if err := counters.Gauge(g.name, g.help, g.fn); err != nil {
			return nil, err
		}
	}

	a := &App{
		cfgm:     d.cfgm,
		work:     work,
		log:      log.With(logx.String("comp", "app")),
		logs:     d.logs,
		store:    d.store,
		adapter:  d.adapter,
		queue:    queue,
		jobs:     jobs,
		counters: counters,
		metrics:  metrics.New(mapMetricsConfig(cfg), counters.Handler(), log.With(logx.String("comp", "metrics"))),
		entries:  entries,
		engine:   engine,
		verifier: verifier,
		router: router.New(router.Options{
			Log:     log.With(logx.String("comp", "router")),
			Admins:  d.adapter,
			Replies: d.adapter,
		}),
		updates: make(chan kit.Update, 256),
	}
	a.router.OnJoin(a.verifier.HandleJoin)
	a.registerCommands()
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Verifier() *Verifier { return a.verifier }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.queue.Start(a.sup.Context())

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	// Restore timers for attempts left waiting by a previous run.
	if n, err := a.verifier.Reconcile(a.sup.Context()); err != nil {
		a.log.Warn("startup reconcile incomplete", logx.Int("waiting", n), logx.Err(err))
	} else if n > 0 {
		a.log.Info("startup reconcile", logx.Int("waiting", n))
	}
	a.cron = newCron(a.log)
	if err := a.setReconcileSpec(a.cfgm.Get().ReconcileSpec()); err != nil {
		return err
	}
	a.cron.Start()

	a.metrics.Start(a.sup.Context())

	a.sup.Go("updates.dispatch", func(c context.Context) error {
		return a.dispatchLoop(c)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if interval := systemd.WatchdogInterval(); interval > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			if err := systemd.Watchdog(c); err != nil {
				a.log.Warn("systemd watchdog stopped", logx.Err(err))
			}
		})
		a.log.Debug("systemd watchdog enabled", logx.Duration("interval", interval))
	}
	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd ready notification failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified ready")
	}

	a.log.Info("app started")
	return nil
}

func (a *App) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up := <-a.updates:
			if err := a.router.Dispatch(ctx, up); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("update handling failed", logx.String("kind", string(up.Kind)), logx.Err(err))
			}
		}
	}
}

// applyConfig applies the parts of a reloaded config that take effect live.
// Verification defaults need nothing here: they are read on every use.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	if a.logs != nil {
		a.logs.Apply(mapLogConfig(next))
	}
	if err := a.setReconcileSpec(next.ReconcileSpec()); err != nil {
		a.log.Warn("invalid reconcile spec; keeping previous", logx.Err(err))
	}
	a.metrics.Reconfigure(ctx, mapMetricsConfig(next))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// setReconcileSpec (re)registers the periodic reconcile. An empty spec turns
// it off.
func (a *App) setReconcileSpec(spec string) error {
	a.cronMu.Lock()
	defer a.cronMu.Unlock()
	if a.cron == nil || spec == a.cronSpec && (a.cronID != 0 || spec == "") {
		return nil
	}
	var id cron.EntryID
	if spec != "" {
		var err error
		id, err = a.cron.AddFunc(spec, a.reconcileOnce)
		if err != nil {
			return fmt.Errorf("reconcile spec %q: %w", spec, err)
		}
	}
	if a.cronID != 0 {
		a.cron.Remove(a.cronID)
	}
	a.cronID, a.cronSpec = id, spec
	a.log.Debug("reconcile schedule set", logx.String("spec", spec))
	return nil
}

func (a *App) reconcileOnce() {
	ctx := context.Background()
	if a.sup != nil {
		ctx = a.sup.Context()
	}
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if n, err := a.verifier.Reconcile(ctx); err != nil {
		a.log.Warn("reconcile incomplete", logx.Int("waiting", n), logx.Err(err))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("systemd stopping notification failed", logx.Err(err))
	}

	// Cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// step runs a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			elapsed := time.Since(start)
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", elapsed),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	step("cron", 2*time.Second, func(c context.Context) error {
		if a.cron == nil {
			return nil
		}
		select {
		case <-a.cron.Stop().Done():
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	// Polling stops first; the Bot API stays usable for in-flight removals.
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("delay", 3*time.Second, func(c context.Context) error { a.queue.Stop(c); return nil })
	step("workers", 3*time.Second, func(c context.Context) error { return a.work.Stop(c) })
	step("metrics", time.Second, func(c context.Context) error { a.metrics.Stop(c); return nil })
	step("storage", time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// newCron builds the reconcile scheduler. Overlapping runs are skipped.
func newCron(log logx.Logger) *cron.Cron {
	cl := cronLogger{log: log.With(logx.String("comp", "cron"))}
	return cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
}

// cronLogger routes cron's logr-style calls to logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Warn("cron "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
