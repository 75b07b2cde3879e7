package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"cachewarmer/internal/config"
	"cachewarmer/internal/eventbus"
	"cachewarmer/internal/observability/status"
	"cachewarmer/internal/query"
	"cachewarmer/internal/runtime/supervisor"
	"cachewarmer/internal/storage"
	"cachewarmer/internal/trigger"
	"cachewarmer/internal/warmer"
	logx "cachewarmer/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store storage.Store
	jobs  storage.JobStore
	ds    *sql.DB // nil without a datasource

	trig *trigger.Service
	dir  *query.Directory
	exec *query.SQLExecutor
	warm *warmer.Warmer

	status *status.Service
}

// NewApp loads the config and opens every store. Nothing is scheduled until
// Start, so one-off commands can use the app without firing triggers.
func NewApp(cfgPath string) (_ *App, err error) {
	bootLog := logx.NewConsole("INFO")
	cfgm := config.NewManager(cfgPath, bootLog)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	cfgm.SetLogger(log)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
	}
	defer func() {
		if err != nil {
			a.closeStores()
			_ = a.logs.Close()
		}
	}()

	sc := mapStorage(cfg)
	if a.store, err = storage.Open(sc, log.With(logx.String("comp", "storage"))); err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if a.jobs, err = storage.OpenJobStore(mapJobStore(cfg), log.With(logx.String("comp", "jobstore"))); err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	if dc, ok := mapDatasource(cfg); ok {
		if a.ds, err = storage.OpenDatasource(dc, log.With(logx.String("comp", "datasource"))); err != nil {
			return nil, fmt.Errorf("open datasource: %w", err)
		}
	}

	a.trig = trigger.New(mapTrigger(cfg), a.jobs, log)
	a.dir = query.NewDirectory(mapUsers(cfg))
	a.exec = query.NewSQLExecutor(a.ds, mapExecutor(cfg), mapDefinitions(cfg), log)

	a.warm, err = warmer.New(mapWarmer(cfg), warmer.Deps{
		Store:    a.store,
		Triggers: a.trig,
		Sessions: a.dir,
		Executor: a.exec,
		Bus:      a.bus,
	}, log)
	if err != nil {
		return nil, err
	}
	a.status = status.New(mapStatus(cfg), a, log)

	a.log.Info("app ready",
		logx.String("storage", sc.Driver),
		logx.Bool("datasource", a.ds != nil),
		logx.Int("queries", len(cfg.Queries)),
		logx.Int("users", len(cfg.Users)),
	)
	return a, nil
}

func (a *App) Warmer() *warmer.Warmer { return a.warm }
func (a *App) Store() storage.Store { return a.store }
func (a *App) JobStore() storage.JobStore { return a.jobs }
func (a *App) Triggers() *trigger.Service { return a.trig }
func (a *App) Executor() *query.SQLExecutor { return a.exec }
func (a *App) Bus() eventbus.Bus { return a.bus }
func (a *App) Config() *config.Config { return a.cfgm.Get() }
func (a *App) Logger() logx.Logger { return a.log }

// Err returns the first error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Supervised lists the app's background goroutines.
func (a *App) Supervised() []supervisor.Stat {
	if a.sup == nil {
		return nil
	}
	return a.sup.Snapshot()
}

// Start arms the warmer triggers and starts the background loops.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, a.log)

	// transactional config reload: SQL must compile before commit/publish
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, ok := mapDatasource(cfg); !ok || a.ds == nil {
			return nil
		}
		return a.exec.Prepare(c, mapDefinitions(cfg))
	})

	a.trig.Handle(warmer.PrimaryAction, a.warm.RunPrimaryCycle)
	a.trig.Handle(warmer.BackupAction, a.warm.RunBackupCycle)
	if err := a.trig.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start triggers: %w", err)
	}
	if err := a.warm.ArmBackup(""); err != nil {
		return err
	}
	if err := a.warm.ArmPrimary(a.sup.Context()); err != nil {
		return fmt.Errorf("arm primary trigger: %w", err)
	}

	events, unsub := a.bus.Subscribe(64, eventbus.CycleCompleted, eventbus.CycleFailed, eventbus.EntryFailed)
	mon := newFailureMonitor(a.log.With(logx.String("comp", "monitor")))
	a.sup.Go("cycle.monitor", func(c context.Context) error {
		defer unsub()
		mon.run(c, events)
		return nil
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, time.Second, 30*time.Second)
	if a.status.Enabled() {
		a.sup.GoRestart("status.http", a.status.Serve, 500*time.Millisecond, 10*time.Second)
	}

	a.log.Info("app started")
	return nil
}

// Stop shuts everything down. It also releases an app that was never
// started.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
				max = time.Until(dl)
			}
			if max <= 0 {
				max = time.Millisecond
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
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
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Triggers first: a running cycle must finish before its stores close.
	if a.sup != nil {
		step("triggers", 10*time.Second, func(c context.Context) error { a.trig.Stop(c); return nil })
		step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Stop(c) })
	}
	step("stores", 2*time.Second, func(context.Context) error { return a.closeStores() })

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) closeStores() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if a.ds != nil {
		keep(a.ds.Close())
	}
	if a.jobs != nil {
		keep(a.jobs.Close())
	}
	if a.store != nil {
		keep(a.store.Close())
	}
	return first
}
