// Package app wires config, logging, the resource monitor, the dispatcher
// and the history recorder into one process lifecycle.
package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"taskpilot/internal/config"
	"taskpilot/internal/eventbus"
	"taskpilot/internal/history"
	"taskpilot/internal/resource"
	rtsup "taskpilot/internal/runtime/supervisor"
	"taskpilot/internal/task/dispatch"
	logx "taskpilot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	mon  *resource.Monitor
	disp *dispatch.Service
	rec  *history.Recorder
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	resCfg, err := mapResourceConfig(cfg)
	if err != nil {
		return nil, err
	}
	mon := resource.New(resCfg, log.With(logx.String("comp", "resource")), resource.Probes{})

	dispCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dispCfg, mon, log.With(logx.String("comp", "dispatch")), bus)

	// History (optional)
	var rec *history.Recorder
	if hc, enabled, err := mapHistoryConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := history.Open(hc, log.With(logx.String("comp", "history")))
		if err != nil {
			return nil, err
		}
		rec = history.NewRecorder(st, bus, log.With(logx.String("comp", "history")))
		log.Info("history enabled", logx.String("driver", hc.Driver))
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		mon:     mon,
		disp:    disp,
		rec:     rec,
	}, nil
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

// Dispatcher exposes the task dispatcher for embedders that submit work.
func (a *App) Dispatcher() *dispatch.Service { return a.disp }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := mapResourceConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapHistoryConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	a.mon.Start(a.sup.Context())

	if err := a.disp.Start(a.sup.Context()); err != nil {
		if !errors.Is(err, dispatch.ErrDisabled) {
			return err
		}
		a.log.Info("dispatcher disabled via config")
	}

	if a.rec != nil {
		a.rec.Start(a.sup.Context())
	}

	// Debug-level event tap; components subscribe themselves for real work.
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

	// Hot reload fan-out.
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
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	// Tell systemd we're up; a no-op outside a notify-socket environment.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	a.log.Info("app started")
	return nil
}

func (a *App) applyReload(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		if s == "history" {
			a.log.Warn("history config changed; restart required for changes to take effect")
			break
		}
	}

	a.logs.Apply(logx.Config{
		Level:   newCfg.Logging.Level,
		Console: newCfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: newCfg.Logging.File.Enabled,
			Path:    newCfg.Logging.File.Path,
		},
	})

	if resCfg, err := mapResourceConfig(newCfg); err != nil {
		a.log.Warn("invalid resources config; keeping previous", logx.Err(err))
	} else {
		a.mon.Apply(resCfg)
	}

	if dispCfg, err := mapDispatchConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else if a.disp.Apply(dispCfg) {
		// Pool shape changed: restart the dispatcher. New workers must hang
		// off the long-lived supervisor context, not a reload-scoped one.
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := a.disp.Stop(stopCtx); err != nil {
			a.log.Warn("dispatcher stop for reload incomplete", logx.Err(err))
		}
		cancel()
		if dispCfg.Enabled {
			if err := a.disp.Start(a.sup.Context()); err != nil {
				a.log.Warn("dispatcher restart failed", logx.Err(err))
			}
		} else {
			a.log.Info("dispatcher disabled via config")
		}
	}

	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Dispatcher first so in-flight tasks wind down while everything else
	// is still serving.
	if err := a.disp.Stop(ctx); err != nil {
		a.log.Warn("dispatcher stop incomplete", logx.Err(err))
	}
	if a.rec != nil {
		a.rec.Stop(ctx)
	}
	a.mon.Stop(ctx)

	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && err != context.Canceled {
			a.log.Warn("supervisor stop incomplete", logx.Err(err))
		}
	}

	a.log.Info("app stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
