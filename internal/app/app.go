package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"opsagent/internal/classifier"
	"opsagent/internal/config"
	"opsagent/internal/dispatch"
	"opsagent/internal/erp"
	"opsagent/internal/eventbus"
	"opsagent/internal/health"
	"opsagent/internal/monitor"
	"opsagent/internal/notes"
	"opsagent/internal/notifier"
	"opsagent/internal/observability/debugsrv"
	"opsagent/internal/poller"
	"opsagent/internal/reminder"
	rtsup "opsagent/internal/runtime/supervisor"
	"opsagent/internal/skill"
	"opsagent/internal/storage"
	"opsagent/internal/sysops"
	"opsagent/internal/task/engine"
	"opsagent/internal/task/scheduler"
	"opsagent/internal/transport"
	"opsagent/internal/transport/telegram"
	"opsagent/internal/workflow"
	logx "opsagent/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	db   *storage.DB

	adapter transport.Adapter
	engine  *engine.Service
	sched   *scheduler.Service
	notif   *notifier.Service

	skills    *skill.Registry
	workflows *workflow.Service
	poller    *poller.Poller
	dispatch  *dispatch.Dispatcher
	units     *sysops.Units
	debug     *debugsrv.Server

	schedEnabled bool
	seeds        []config.WorkflowSeed
	updates      chan transport.Update
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, logx.NewConsole("INFO"))
	if err != nil {
		return nil, err
	}
	return build(ctx, cfgm, cfg, ad)
}

func build(ctx context.Context, cfgm *config.ConfigManager, cfg *config.Config, ad transport.Adapter) (*App, error) {
	logSvc, log := logx.New(mapLogConfig(cfg), nil)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	loc, err := loadLocation(cfg.Agent.Timezone)
	if err != nil {
		return nil, err
	}
	pcfg, err := mapPollerConfig(cfg)
	if err != nil {
		return nil, err
	}
	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	ccfg, err := mapClassifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	scfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	mcfg, err := mapMonitorConfig(cfg)
	if err != nil {
		return nil, err
	}

	db, err := storage.Open(ctx, scfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	a := &App{cfgm: cfgm, log: log.With(logx.String("comp", "app")), logs: logSvc, db: db, adapter: ad}
	fail := func(err error) (*App, error) {
		_ = db.Close()
		_ = logSvc.Close()
		return nil, err
	}

	a.bus = eventbus.New()
	a.engine = engine.New(engCfg, log, a.bus)
	a.sched = scheduler.New(scheduler.Config{Timezone: cfg.Agent.Timezone}, a.engine, log)
	a.notif = notifier.New(ncfg, ad, log, a.bus)
	logSvc.SetSender(a.notif)

	checker, err := health.New(cfg.Health, log)
	if err != nil {
		return fail(err)
	}
	rem := reminder.New(db, loc, log)
	a.skills = skill.NewRegistry()
	a.workflows = workflow.New(db, a.skills, a.notif.Once(),
		workflow.Config{DefaultRecipient: strings.TrimSpace(cfg.Telegram.ChatID), Users: cfg.Users},
		loc, log, workflow.WithHealth(checker))

	all, err := a.collectSkills(cfg, db, rem, checker, log)
	if err != nil {
		return fail(err)
	}
	if err := a.skills.RegisterAll(all...); err != nil {
		return fail(fmt.Errorf("skill registry: %w", err))
	}

	cls := classifier.NewOllama(ccfg)
	popts := []poller.Option{poller.WithAlerts(checker)}
	if len(mcfg.URLs) > 0 {
		popts = append(popts, poller.WithWebsites(monitor.New(mcfg, db, cls, a.notif.Once(), log)))
	}
	a.poller = poller.New(pcfg, db, rem, a.workflows, a.notif, a.engine, a.bus, log, popts...)
	a.schedEnabled = cfg.SchedulerEnabled()
	if a.schedEnabled {
		if err := a.poller.Register(a.sched); err != nil {
			return fail(err)
		}
		if err := a.registerMaintenance(cfg); err != nil {
			return fail(fmt.Errorf("scheduler.maintenance: %w", err))
		}
	}

	a.dispatch = dispatch.New(mapDispatchConfig(cfg, loc, pcfg.ItemTimeout), ad, dispatch.Services{
		Skills:     a.skills,
		Classifier: cls,
		Runner:     a.engine,
		History:    db,
	}, log)

	if cfg.Debug.Enabled {
		a.debug = debugsrv.New(debugsrv.Config{Addr: cfg.Debug.Addr, Token: cfg.Debug.Token}, log)
		a.debug.Expose("engine", func() any { return a.engine.Snapshot() })
		a.debug.Expose("scheduler", func() any { return a.sched.Snapshot() })
		a.debug.Expose("deliveries", func() any { return a.notif.History() })
		a.debug.Expose("supervisor", func() any {
			if a.sup == nil {
				return nil
			}
			return a.sup.Counters()
		})
	}

	a.seeds = cfg.Workflows
	a.updates = make(chan transport.Update, 256)
	return a, nil
}

func (a *App) collectSkills(cfg *config.Config, db *storage.DB, rem *reminder.Service, checker *health.Checker, log logx.Logger) ([]skill.Skill, error) {
	erpTimeout, err := config.ParseDurationOrDefault("erp.timeout", cfg.ERP.Timeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	var all []skill.Skill
	all = append(all, rem.Skills()...)
	all = append(all, a.workflows.Skills()...)
	all = append(all, notes.New(db, log).Skills()...)
	all = append(all, checker.Skills()...)
	all = append(all, erp.NewClient(cfg.ERP.URL, cfg.ERP.APIKey, erpTimeout).Skills()...)
	all = append(all, sysops.NewSpeedtest(sysops.SpeedConfig{}, log).Skill())

	if cfg.Shell.Enabled {
		timeout, err := config.ParseDurationOrDefault("shell.timeout", cfg.Shell.Timeout, 60*time.Second)
		if err != nil {
			return nil, err
		}
		all = append(all, sysops.NewShell(sysops.ShellConfig{Timeout: timeout, MaxOutput: cfg.Shell.MaxOutput}, log).Skill())
		a.log.Warn("shell skill enabled; chat owners can run commands as this process")
	}
	if len(cfg.Systemd.Units) > 0 {
		timeout, err := config.ParseDurationOrDefault("systemd.timeout", cfg.Systemd.Timeout, 30*time.Second)
		if err != nil {
			return nil, err
		}
		a.units = sysops.NewUnits(sysops.UnitsConfig{Units: cfg.Systemd.Units, AllowRestart: cfg.Systemd.AllowRestart, Timeout: timeout}, log)
		all = append(all, a.units.Skills()...)
	}
	return all, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.engine.Start(run)
	a.seedWorkflows(run)
	if a.schedEnabled {
		a.sched.Start(run)
		// Catch up on reminders that fell due while the agent was down.
		if err := a.sched.RunNow(poller.ScheduleReminders); err != nil {
			a.log.Warn("initial reminder poll not queued", logx.Err(err))
		}
	} else {
		a.log.Warn("scheduler disabled; reminders and workflows will not fire")
	}

	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}
	if up, ok := a.adapter.(transport.CommandMenuUpdater); ok {
		a.sup.Go0("telegram.menu.update", func(c context.Context) {
			cctx, cancel := context.WithTimeout(c, 10*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(cctx, a.dispatch.MenuCommands()); err != nil {
				a.log.Warn("command menu update failed", logx.Err(err))
			}
		})
	}
	a.sup.Go("dispatch", func(c context.Context) error {
		return a.dispatch.Run(c, a.updates)
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

	sub := a.cfgm.Subscribe(4)
	a.sup.Go0("config.reload", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.logs.Apply(mapLogConfig(cfg))
				a.log.Info("logging config applied; other sections take effect on restart")
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, time.Second, 30*time.Second)

	if a.debug != nil {
		if err := a.debug.Start(run); err != nil {
			a.log.Warn("debug server not started", logx.Err(err))
		}
	}

	a.log.Info("app started", logx.Int("skills", len(a.skills.Names())))
	return nil
}

// seedWorkflows schedules each configured workflow whose type has none yet.
// A bad seed is logged and skipped.
func (a *App) seedWorkflows(ctx context.Context) {
	for _, s := range a.seeds {
		created, err := a.workflows.EnsureScheduled(ctx, s.Type, s.Params, s.Time, s.IntervalSeconds)
		switch {
		case err != nil:
			a.log.Error("workflow seed rejected", logx.String("type", s.Type), logx.Err(err))
		case created:
			a.log.Info("workflow seeded", logx.String("type", s.Type), logx.Int64("interval_s", s.IntervalSeconds))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, time.Until(dl))
		}
		if limit <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 3*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if a.debug != nil {
		step("debug", time.Second, a.debug.Stop)
	}
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	if a.units != nil {
		step("systemd", time.Second, func(context.Context) error { a.units.Close(); return nil })
	}
	step("storage", 2*time.Second, func(context.Context) error { return a.db.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}
