// Package app is the composition root: it loads the config, builds the
// logging, storage, timer, engine and collaborator services, and owns their
// lifecycle.
package app

import (
	"context"
	"time"

	"shutdownd/internal/config"
	"shutdownd/internal/engine"
	"shutdownd/internal/notify"
	"shutdownd/internal/power"
	"shutdownd/internal/storage"
	"shutdownd/internal/timer"
	"shutdownd/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service

	store    storage.Store
	storeCfg storage.Config
	timers   *timer.Driver
	eng      *engine.Engine
	warner   *notify.Service
	exec     *power.Service

	cancelWatch context.CancelFunc
	watchDone   chan struct{}
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(context.Background(), cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg.Logging))
	log = log.With(logx.String("comp", "app"))

	storeCfg, err := mapStorageConfig(cfg.Storage)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	timers := timer.New(log.With(logx.String("comp", "timer")))

	warner := notify.New(mapNotifyConfig(cfg.Notify), log.With(logx.String("comp", "notify")))
	exec := power.New(mapPowerConfig(cfg.Power), log.With(logx.String("comp", "power")))

	engCfg, err := mapEngineConfig(cfg.Scheduler)
	if err != nil {
		return nil, err
	}
	eng := engine.New(engCfg, store, timers, warner, exec, log.With(logx.String("comp", "engine")))

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		store:    store,
		storeCfg: storeCfg,
		timers:   timers,
		eng:      eng,
		warner:   warner,
		exec:     exec,
	}, nil
}

// Engine exposes the scheduling operations to the entry point.
func (a *App) Engine() *engine.Engine { return a.eng }

func (a *App) Start(ctx context.Context) error {
	a.timers.Start()

	if err := a.eng.ReloadAll(ctx); err != nil {
		return err
	}
	a.eng.Start(ctx)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(config.Validate)

	watchCtx, cancel := context.WithCancel(ctx)
	a.cancelWatch = cancel
	a.watchDone = make(chan struct{})
	sub := a.cfgm.Subscribe(8)
	go func() {
		defer close(a.watchDone)
		defer a.cfgm.Unsubscribe(sub)
		go func() { _ = a.cfgm.Watch(watchCtx) }()
		for {
			select {
			case <-watchCtx.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyReload(newCfg)
			}
		}
	}()

	a.log.Info("shutdownd started", logx.Int("jobs", len(a.eng.List())))
	return nil
}

// applyReload pushes hot-reloadable sections into the running services.
// Storage and scheduler settings are fixed at construction; flag them so the
// operator knows a restart is needed.
func (a *App) applyReload(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(mapLoggingConfig(cfg.Logging))
	a.warner.Apply(mapNotifyConfig(cfg.Notify))
	a.exec.Apply(mapPowerConfig(cfg.Power))

	if sc, err := mapStorageConfig(cfg.Storage); err == nil && sc != a.storeCfg {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	a.log.Info("config applied")
}

func (a *App) Stop(ctx context.Context) error {
	if a.cancelWatch != nil {
		a.cancelWatch()
		select {
		case <-a.watchDone:
		case <-ctx.Done():
		}
	}

	a.eng.Close()
	a.timers.Stop(ctx)

	err := a.store.Close()
	a.log.Info("shutdownd stopped")
	_ = a.logs.Close()
	return err
}

// ---- config mapping ----

func mapLoggingConfig(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled:    lc.File.Enabled,
			Path:       lc.File.Path,
			MaxSizeMB:  lc.File.MaxSizeMB,
			MaxBackups: lc.File.MaxBackups,
			MaxAgeDays: lc.File.MaxAgeDays,
		},
	}
}

func mapStorageConfig(sc config.StorageConfig) (storage.Config, error) {
	busy, err := config.Duration("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: sc.Driver, Path: sc.Path, BusyTimeout: busy}, nil
}

func mapEngineConfig(sc config.SchedulerConfig) (engine.Config, error) {
	warnLead, err := config.Duration("scheduler.warn_lead", sc.WarnLead, time.Minute)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		WarnLead:       warnLead,
		FastForwardCap: sc.FastForwardCap,
		SweepSpec:      sc.SweepSpec,
	}, nil
}

func mapNotifyConfig(nc config.NotifyConfig) notify.Config {
	timeout, err := config.Duration("notify.timeout", nc.Timeout, 0)
	if err != nil {
		timeout = 0 // validated earlier; fall back to the service default
	}
	return notify.Config{
		Enabled:    nc.Enabled,
		Command:    nc.Command,
		Message:    nc.Message,
		RatePerMin: nc.RatePerMin,
		Timeout:    timeout,
	}
}

func mapPowerConfig(pc config.PowerConfig) power.Config {
	timeout, err := config.Duration("power.confirm_timeout", pc.ConfirmTimeout, 0)
	if err != nil {
		timeout = 0
	}
	return power.Config{
		ConfirmCommand: pc.ConfirmCommand,
		ConfirmTimeout: timeout,
		DryRun:         pc.DryRun,
	}
}
