package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"jobqueue/internal/config"
	"jobqueue/internal/eventbus"
	"jobqueue/internal/httpapi"
	"jobqueue/internal/jobs"
	rtsup "jobqueue/internal/runtime/supervisor"
	"jobqueue/internal/storage"
	"jobqueue/internal/tasks"
	"jobqueue/internal/trigger"
	logx "jobqueue/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	reg  *tasks.Registry

	store   *jobs.Store
	jobs    *jobs.Service
	exec    *executorSwitch
	archive storage.Store

	trig *trigger.Service
	http *httpapi.Service
}

// New loads cfgPath and wires every component. Nothing runs until Start.
func New(cfgPath string, reg *tasks.Registry) (*App, error) {
	if reg == nil {
		return nil, errors.New("app: nil task registry")
	}
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := checkTriggerTasks(cfg, reg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.Logging.Logx())
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	policy, err := cfg.DefaultPolicy.Resolve()
	if err != nil {
		return nil, err
	}
	store := jobs.NewStore(reg, jobs.WithDefaultPolicy(policy))

	ex, err := buildExecutor(cfg.Scheduler, reg, log)
	if err != nil {
		return nil, err
	}
	sw := &executorSwitch{}
	sw.set(cfg.Scheduler.IsolationMode(), ex)

	jcfg, err := cfg.Scheduler.Resolve()
	if err != nil {
		return nil, err
	}
	jobSvc := jobs.New(jcfg, store, sw, log.With(logx.String("comp", "scheduler")), bus)

	// Archive (optional)
	var archive storage.Store
	if sc, enabled, err := cfg.Storage.Resolve(); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		archive = st
		jobSvc.SetArchiver(storage.NewArchiver(st))
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	trig := trigger.New(jobSvc, log, bus)
	if err := trig.Apply(cfg.TriggerDefs()); err != nil {
		closeArchive(archive)
		return nil, err
	}

	hcfg, err := cfg.HTTP.Resolve()
	if err != nil {
		closeArchive(archive)
		return nil, err
	}
	httpSvc := httpapi.New(hcfg, httpapi.Deps{
		Jobs:     jobSvc,
		Tasks:    reg,
		Archive:  archive,
		Triggers: trig,
	}, log)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		reg:     reg,
		store:   store,
		jobs:    jobSvc,
		exec:    sw,
		archive: archive,
		trig:    trig,
		http:    httpSvc,
	}, nil
}

func (a *App) Jobs() *jobs.Service        { return a.jobs }
func (a *App) Triggers() *trigger.Service { return a.trig }
func (a *App) Logger() logx.Logger        { return a.log }

// HTTPAddr is the bound API address, or "" when the API is off.
func (a *App) HTTPAddr() string { return a.http.Addr() }

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

// Healthy reports whether the worker pool is running (or intentionally off).
func (a *App) Healthy() bool {
	if a.sup == nil || a.sup.Err() != nil {
		return false
	}
	if !a.jobs.Enabled() {
		return true
	}
	return a.jobs.Supervisor() != nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return checkTriggerTasks(cfg, a.reg)
	})

	run := a.sup.Context()
	a.jobs.Start(run)
	a.trig.Start(run)
	a.http.Start(run)

	// Lifecycle events at debug level; jobs and triggers log their own summaries.
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

	// hot reload config fan-out
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
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
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

	a.log.Info("app started",
		logx.String("config", a.cfgPath),
		logx.String("isolation", a.exec.Mode()),
		logx.Int("tasks", len(a.reg.Names())),
	)
	return nil
}

// applyConfig pushes a committed config to every live component. Sections that
// fail to resolve keep their previous settings.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if restart := config.NeedsRestart(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(next.Logging.Logx())

	if p, err := next.DefaultPolicy.Resolve(); err != nil {
		a.log.Warn("invalid default_policy; keeping previous", logx.Err(err))
	} else if err := a.store.SetDefaultPolicy(p); err != nil {
		a.log.Warn("default_policy rejected; keeping previous", logx.Err(err))
	}

	if next.Scheduler.IsolationMode() != a.exec.Mode() || schedulerGraceChanged(prev, next) {
		if ex, err := buildExecutor(next.Scheduler, a.reg, a.log); err != nil {
			a.log.Warn("invalid scheduler isolation; keeping previous", logx.Err(err))
		} else {
			a.exec.set(next.Scheduler.IsolationMode(), ex)
			a.log.Info("isolation mode applied", logx.String("mode", a.exec.Mode()))
		}
	}

	if jc, err := next.Scheduler.Resolve(); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		prevEnabled := a.jobs.Enabled()
		a.jobs.Apply(ctx, jc)
		switch {
		case prevEnabled && !jc.Enabled:
			a.log.Info("scheduler disabled via config")
		case !prevEnabled && jc.Enabled:
			a.log.Info("scheduler enabled via config")
		}
	}

	if err := a.trig.Apply(next.TriggerDefs()); err != nil {
		a.log.Warn("some triggers were not applied", logx.Err(err))
	}

	if hc, err := next.HTTP.Resolve(); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Outer surfaces first, then the queue, then the archive it writes to.
	a.step(ctx, "http", 1*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "triggers", 1*time.Second, func(c context.Context) error { a.trig.Stop(c); return nil })
	a.step(ctx, "queue", 0, func(context.Context) error { a.store.Close(); return nil })
	a.step(ctx, "scheduler", 5*time.Second, func(c context.Context) error { a.jobs.Stop(c); return nil })
	a.step(ctx, "storage", 1*time.Second, func(context.Context) error {
		if a.archive != nil {
			return a.archive.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// step runs a shutdown step with an upper bound so one component can't stall
// the whole stop. limit never extends the caller's deadline.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	stepCtx := ctx
	if limit > 0 {
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < limit {
				limit = max(rem, 0)
			}
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, limit)
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
		// fn must honor stepCtx; if it doesn't, log when it finally returns.
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

// checkTriggerTasks rejects triggers naming tasks the binary does not register.
func checkTriggerTasks(cfg *config.Config, reg *tasks.Registry) error {
	var errs []error
	for _, t := range cfg.Triggers {
		if task := strings.TrimSpace(t.Task); task != "" && !reg.Has(task) {
			errs = append(errs, fmt.Errorf("trigger %q: %w", t.Name, &jobs.UnknownTaskError{Name: task}))
		}
	}
	return errors.Join(errs...)
}

func schedulerGraceChanged(prev, next *config.Config) bool {
	if prev == nil {
		return true
	}
	return strings.TrimSpace(prev.Scheduler.OutcomeGrace) != strings.TrimSpace(next.Scheduler.OutcomeGrace)
}

func closeArchive(st storage.Store) {
	if st != nil {
		_ = st.Close()
	}
}
