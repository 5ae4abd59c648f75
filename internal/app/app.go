// Package app wires the newsletter dispatcher together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"newsletter/internal/api"
	"newsletter/internal/config"
	"newsletter/internal/eventbus"
	"newsletter/internal/observability/metrics"
	"newsletter/internal/observability/ops"
	"newsletter/internal/pipeline"
	rtsup "newsletter/internal/runtime/supervisor"
	"newsletter/internal/storage"
	"newsletter/internal/task/engine"
	"newsletter/internal/task/redisq"
	"newsletter/internal/task/scheduler"
	logx "newsletter/pkg/logx"
	"newsletter/pkg/systemd"
)

const dialTimeout = 5 * time.Second

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store   storage.Store
	backend engine.Backend
	senders senderSet

	engine  *engine.Service
	coord   *pipeline.Coordinator
	trigger *pipeline.Trigger
	sched   *scheduler.Service
	api     *api.Server
	metrics *metrics.Metrics
	ops     *ops.Service
}

// New loads the config at cfgPath and builds every component. Nothing is
// started and no goroutines run until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	a := &App{
		cfgm: cfgm,
		log:  log.With(logx.String("comp", "app")),
		logs: logSvc,
		bus:  eventbus.New(),
	}
	if err := a.build(cfg, log); err != nil {
		a.closeResources()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	sc, _ := mapStorageConfig(cfg)
	st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = st

	engCfg, qs, _ := mapQueueConfig(cfg)
	backend, err := openBackend(qs)
	if err != nil {
		return err
	}
	a.backend = backend

	senders, err := buildSenders(cfg, log)
	if err != nil {
		return err
	}
	a.senders = senders
	if len(senders.channels()) == 0 {
		a.log.Warn("no channels enabled; every dispatch will find no recipients")
	}

	policies, _ := mapRetryPolicies(cfg)
	a.engine = engine.New(engCfg, backend, log, a.bus)
	worker := pipeline.NewWorker(st, senders.senders, log, a.bus)
	a.engine.Register(pipeline.KindDeliver, worker.Handle)

	resolver := pipeline.NewResolver(senders.channels()...)
	a.coord = pipeline.NewCoordinator(st, resolver, a.engine, policies, log, a.bus)
	a.trigger = pipeline.NewTrigger(st, a.coord, log)

	schedCfg, _ := mapSchedulerConfig(cfg)
	a.sched = scheduler.New(schedCfg, st, a.trigger, log)

	httpCfg, _ := mapHTTPConfig(cfg)
	a.api = api.New(httpCfg, st, a.trigger, log)

	a.metrics = metrics.New()
	a.metrics.WatchQueue(backend.Stats)

	opsCfg, _ := mapOpsConfig(cfg)
	a.ops = ops.New(opsCfg, ops.Deps{
		Ready:   st.Ping,
		Metrics: a.metrics.Handler(),
		Debug: map[string]func() any{
			"engine":    func() any { return a.engine.Snapshot() },
			"scheduler": func() any { return a.sched.Snapshot() },
			"supervisor": func() any {
				if a.sup == nil {
					return nil
				}
				return a.sup.Snapshot()
			},
			"eventbus": func() any { return map[string]uint64{"dropped": a.bus.Dropped()} },
		},
	}, log)

	a.log.Info("app built",
		logx.String("storage", sc.Driver),
		logx.String("queue", qs.Backend),
		logx.Any("channels", senders.channels()),
	)
	return nil
}

func openBackend(qs queueSettings) (engine.Backend, error) {
	if qs.Backend != "redis" {
		return engine.NewMemoryBackend(qs.Capacity), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	q, err := redisq.Dial(ctx, qs.RedisURL, redisq.Options{
		Prefix:       qs.RedisPrefix,
		Capacity:     qs.Capacity,
		PollInterval: qs.PollInterval,
		Lease:        qs.Lease,
	})
	if err != nil {
		return nil, fmt.Errorf("open queue backend: %w", err)
	}
	return q, nil
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

// APIAddr is the bound admin API address, or "" when it is disabled.
func (a *App) APIAddr() string { return a.api.Addr() }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := validate(cfg); err != nil {
			return err
		}
		sc, _ := mapSchedulerConfig(cfg)
		return a.sched.Validate(sc)
	})

	// Engine first so dispatches accepted by the API are worked immediately.
	a.engine.Start(c)
	if err := a.api.Start(c); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("start api: %w", err)
	}
	a.sched.Start(c)
	a.ops.Start(c)

	a.sup.Go("metrics", func(c context.Context) error {
		return a.metrics.Run(c, a.bus)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if iv := systemd.WatchdogInterval(); iv > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return systemd.Watchdog(c, iv, a.healthy)
		})
	}
	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd ready notification failed", logx.Err(err))
	}

	a.log.Info("app started", logx.String("api", a.api.Addr()), logx.String("ops", a.ops.Addr()))
	return nil
}

// healthy reports whether the store answers within a second.
func (a *App) healthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return a.store.Ping(ctx) == nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("systemd stopping notification failed", logx.Err(err))
	}

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// Intake first, then the workers, then what they depend on.
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "api", 3*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	a.step(ctx, "taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "queue", time.Second, func(context.Context) error { return a.backend.Close() })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, metrics, etc.)
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (no time left)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

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
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name),
				logx.Duration("took", time.Since(start)),
				logx.Err(err),
			)
		}()
	}
}

// closeResources releases what New opened when the app never started.
func (a *App) closeResources() {
	if a.backend != nil {
		_ = a.backend.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
