package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"sitechecker/internal/admin"
	"sitechecker/internal/boot"
	"sitechecker/internal/bootsignal"
	"sitechecker/internal/config"
	"sitechecker/internal/eventbus"
	"sitechecker/internal/metrics"
	"sitechecker/internal/notifier"
	rtsup "sitechecker/internal/runtime/supervisor"
	"sitechecker/internal/sitecheck"
	"sitechecker/internal/storage"
	"sitechecker/internal/task/engine"
	"sitechecker/internal/task/scheduler"
	"sitechecker/internal/work"
	logx "sitechecker/pkg/logx"
)

const alertDedupWindow = 10 * time.Minute

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	mets  *metrics.Metrics

	engine  *engine.Engine
	sched   *scheduler.Scheduler
	work    *work.Manager
	checker *sitecheck.Checker
	monitor *sitecheck.Monitor
	sites   *sitecheck.Service

	dispatcher *bootsignal.Dispatcher
	sources    []bootsignal.Source
	admin      *admin.Service
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(mapLogging(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a, err := build(cfg, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a.cfgm = cfgm
	a.logs = logSvc
	return a, nil
}

func build(cfg *config.Config, log logx.Logger) (*App, error) {
	a := &App{
		log:  log.With(logx.String("comp", "app")),
		bus:  eventbus.New(),
		mets: metrics.New(),
	}

	sc := mapStorageConfig(cfg)
	st, err := storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if st != nil {
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	engCfg := mapTaskEngineConfig(cfg)
	a.engine = engine.New(engCfg, log.With(logx.String("comp", "taskengine")), a.bus)
	a.sched = scheduler.New(mapSchedulerConfig(cfg, engCfg), a.engine, log.With(logx.String("comp", "scheduler")))
	a.work = work.New(a.engine, a.store, a.mets, log.With(logx.String("comp", "work")))

	n, err := buildNotifier(cfg, log)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.checker = sitecheck.NewChecker(mapCheckerConfig(cfg), nil)
	a.monitor = sitecheck.NewMonitor(sitecheck.MonitorOptions{
		Store:          a.store,
		Metrics:        a.mets,
		Bus:            a.bus,
		Notifier:       n,
		Engine:         a.engine,
		NotifyRecovery: notifyRecovery(cfg),
	}, log.With(logx.String("comp", "monitor")))
	a.sites = sitecheck.NewService(a.checker, a.monitor, a.sched, a.store, log.With(logx.String("comp", "sitecheck")))
	sites, def := mapSites(cfg)
	if err := a.sites.SetSites(sites, def); err != nil {
		a.closeStore()
		return nil, err
	}

	bs := mapBootConfig(cfg)
	if err := a.work.Register(bs.taskType, a.sites.InitializeWorker, work.Options{RetryBase: 2 * time.Second}); err != nil {
		a.closeStore()
		return nil, err
	}

	receiver := boot.NewReceiver(a.work, bs.taskType)
	a.dispatcher = bootsignal.NewDispatcher(receiver, log.With(logx.String("comp", "bootsignal")), a.mets, a.bus)
	a.sources = buildSources(bs, a.bus, log.With(logx.String("comp", "bootsignal")))

	a.admin = admin.New(mapAdminConfig(cfg), admin.Deps{
		Dispatcher: a.dispatcher,
		Metrics:    a.mets,
		Scheduler:  a.sched,
		Work:       a.work,
		Sites:      a.sites,
	}, log.With(logx.String("comp", "admin")))
	return a, nil
}

func buildNotifier(cfg *config.Config, log logx.Logger) (notifier.Notifier, error) {
	var n notifier.Notifier = notifier.NewLog(log)
	if cfg.Notifier.Telegram.Enabled {
		tg, err := notifier.NewTelegram(mapTelegramConfig(cfg), log)
		if err != nil {
			return nil, fmt.Errorf("telegram notifier: %w", err)
		}
		n = tg
	}
	return notifier.NewDedup(n, alertDedupWindow), nil
}

func buildSources(bs bootSettings, bus eventbus.Bus, log logx.Logger) []bootsignal.Source {
	sources := []bootsignal.Source{&bootsignal.BusSource{Bus: bus, Log: log}}
	switch bs.source {
	case config.BootSourceSystemd:
		sources = append(sources, bootsignal.NewSystemdSource(bs.systemdPoll, log))
	case config.BootSourceStartup:
		sources = append(sources, &bootsignal.StartupSource{Delay: bs.initialDelay, Log: log})
	}
	return sources
}

// Dispatcher delivers broadcasts to the boot handler.
func (a *App) Dispatcher() *bootsignal.Dispatcher { return a.dispatcher }

// Sites exposes the site checks.
func (a *App) Sites() *sitecheck.Service { return a.sites }

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	if a.engine.Enabled() {
		a.engine.Start(c)
	}
	if a.sched.Enabled() {
		a.sched.Start(c)
	}
	if err := a.work.Start(c); err != nil {
		a.log.Warn("pending work not replayed", logx.Err(err))
	}

	for _, src := range a.sources {
		a.startSource(src)
	}
	a.admin.Start(c)

	if a.bus != nil {
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
	}

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			last := a.cfgm.Get()
			for {
				select {
				case <-c.Done():
					return
				case next, ok := <-sub:
					if !ok {
						return
					}
					a.applyConfig(c, last, next)
					last = next
				}
			}
		})
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started", logx.Int("sites", len(a.sites.Sites())))
	return nil
}

func (a *App) startSource(src bootsignal.Source) {
	name := "bootsignal." + src.Name()
	a.sup.Go(name, func(c context.Context) error {
		err := src.Run(c, a.dispatcher)
		if errors.Is(err, bootsignal.ErrUnsupported) {
			a.log.Warn("boot source unsupported; using startup", logx.String("source", src.Name()))
			return (&bootsignal.StartupSource{Log: a.log}).Run(c, a.dispatcher)
		}
		if err != nil && c.Err() == nil {
			// A broken boot source must not take the daemon down.
			a.log.Error("boot source failed", logx.String("source", src.Name()), logx.Err(err))
		}
		return nil
	})
}

// applyConfig pushes a committed reload into the running components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, fields := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if a.logs != nil {
		a.logs.Apply(mapLogging(next))
	}

	engCfg := mapTaskEngineConfig(next)
	a.engine.Apply(ctx, engCfg)
	if engCfg.Enabled && !a.engine.Running() {
		a.engine.Start(ctx)
	}
	if a.engine.Running() {
		a.work.Resume()
	}
	a.sched.Apply(mapSchedulerConfig(next, engCfg))
	if a.sched.Enabled() {
		a.sched.Start(ctx)
	} else {
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	}

	a.checker.Apply(mapCheckerConfig(next))
	a.monitor.SetNotifyRecovery(notifyRecovery(next))
	sites, def := mapSites(next)
	if err := a.sites.SetSites(sites, def); err != nil {
		a.log.Warn("site schedules not fully applied", logx.Err(err))
	}

	a.admin.Reconfigure(ctx, mapAdminConfig(next))

	var restart []string
	for _, s := range sections {
		switch s {
		case "storage", "boot":
			restart = append(restart, s)
		}
	}
	if prev.Notifier.Telegram != next.Notifier.Telegram {
		restart = append(restart, "notifier.telegram")
	}
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	fields = append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts the components down in reverse dependency order. Each step is
// bounded so one component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("admin", time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("work", time.Second, func(c context.Context) error { a.work.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error { return a.closeStore() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	st := a.store
	a.store = nil
	return st.Close()
}
