package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"crosspost/internal/dispatch"
	"crosspost/internal/eventbus"
	"crosspost/internal/notify"
	pprofsvc "crosspost/internal/observability/pprof"
	"crosspost/internal/platform"
	"crosspost/internal/platform/discord"
	"crosspost/internal/platform/mastodon"
	"crosspost/internal/platform/telegram"
	"crosspost/internal/ratelimit"
	"crosspost/internal/storage"
	logx "crosspost/pkg/logx"
)

// App wires the whole daemon: config manager, persistence, platform
// adapters, the dispatch engine and the operator alert pipeline. It owns
// their lifecycle and the hot-reload fan-out.
type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	accounts *accountDirectory
	registry *platform.Registry
	tracker  *ratelimit.Tracker

	dispatch *dispatch.Service
	notif    *notify.Service
	pprof    *pprofsvc.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
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

	// Storage is the system of record; the app refuses to run without it.
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("storage is required (driver %q resolved to disabled)", sc.Driver)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	accounts := newAccountDirectory()
	if err := accounts.Rebuild(cfg.Accounts); err != nil {
		_ = store.Close()
		return nil, err
	}

	registry := platform.NewRegistry(
		telegram.New(telegram.Config{}, log.With(logx.String("comp", "telegram"))),
		mastodon.New(mastodon.Config{}, log.With(logx.String("comp", "mastodon"))),
		discord.New(discord.Config{}, log.With(logx.String("comp", "discord"))),
	)

	tracker := ratelimit.NewTracker()

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	disp := dispatch.New(dcfg, dispatch.Deps{
		Resolver: &postResolver{store: store, accounts: accounts},
		Sink:     store,
		Adapters: registry,
		Tracker:  tracker,
	}, log.With(logx.String("comp", "dispatch")), bus)

	ncfg, err := mapNotifyConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	notif := notify.New(ncfg, registry, accounts, log.With(logx.String("comp", "notify")), bus)

	pprofCfg, err := mapPprofConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	pprofSvc := pprofsvc.New(pprofCfg, log.With(logx.String("comp", "pprof")))

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		accounts: accounts,
		registry: registry,
		tracker:  tracker,
		dispatch: disp,
		notif:    notif,
		pprof:    pprofSvc,
	}, nil
}

// Dispatch exposes the scheduler control API (Schedule, Cancel, ListPending,
// JobsInRange, PendingCount, Snapshot) to the host program.
func (a *App) Dispatch() *dispatch.Service { return a.dispatch }

// Store exposes the persistence layer for the query/UI side.
func (a *App) Store() storage.Store { return a.store }

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

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(c context.Context, cfg *Config) error {
			accts, err := buildAccounts(cfg.Accounts)
			if err != nil {
				return err
			}
			if _, err := mapDispatchConfig(cfg); err != nil {
				return err
			}
			ncfg, err := mapNotifyConfig(cfg)
			if err != nil {
				return err
			}
			if ncfg.Enabled {
				acct, ok := accts[ncfg.AccountID]
				if !ok {
					return fmt.Errorf("notify.account_id %q is not a configured account", ncfg.AccountID)
				}
				if _, ok := a.registry.For(acct.Platform); !ok {
					return fmt.Errorf("notify.account_id %q: no adapter for platform %s", ncfg.AccountID, acct.Platform)
				}
			}
			if _, err := mapStorageConfig(cfg); err != nil {
				return err
			}
			if _, err := mapPprofConfig(cfg); err != nil {
				return err
			}
			return nil
		})
	}

	if a.dispatch.Enabled() {
		a.dispatch.Start(a.sup.Context())
	}

	// Rebuild dispatch state from the store before alerts come online so
	// restored jobs cannot race an unstarted pipeline.
	restoreCtx, cancel := context.WithTimeout(a.sup.Context(), 30*time.Second)
	err := a.restoreFromStore(restoreCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("restore from store: %w", err)
	}

	if a.notif != nil && a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if a.pprof != nil && a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	// Optional: log events for observability/debug (components can also subscribe themselves).
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
					// Keep this debug-level; target events are frequent.
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		// Track last applied config to generate a safe diff summary for logx.
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
				sections, attrs, changedAccounts := SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Debug("config change summary", fields...)
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
				lastApplied = newCfg

				a.applyReload(c, newCfg, sections, changedAccounts)

				// Keep the final log line concise; details are in debug logs.
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyReload pushes an already-validated config into the running services.
func (a *App) applyReload(c context.Context, newCfg *Config, sections, changedAccounts []string) {
	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
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

	// Accounts swap atomically; in-flight targets keep the credentials they
	// resolved at expand time.
	if err := a.accounts.Rebuild(newCfg.Accounts); err != nil {
		a.log.Warn("invalid accounts config; keeping previous", logx.Err(err))
	} else if len(changedAccounts) > 0 {
		a.log.Info("accounts updated", logx.Any("ids", changedAccounts))
	}

	// Dispatch engine (live): Apply handles enable/disable transitions.
	prevDispatchEnabled := a.dispatch.Enabled()
	dcfg, err := mapDispatchConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.dispatch.Apply(c, dcfg)
		if !prevDispatchEnabled && dcfg.Enabled {
			a.log.Info("dispatch enabled via config")
		} else if prevDispatchEnabled && !dcfg.Enabled {
			a.log.Info("dispatch disabled via config")
		}
	}

	// Notify pipeline (live).
	if a.notif != nil {
		prevNotifEnabled := a.notif.Enabled()
		ncfg, err := mapNotifyConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid notify config; keeping previous", logx.Err(err))
		} else {
			a.notif.Apply(ncfg)
			if prevNotifEnabled && !ncfg.Enabled {
				a.log.Info("notify disabled via config")
				stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
				a.notif.Stop(stopCtx)
				cancel()
			} else if !prevNotifEnabled && ncfg.Enabled {
				a.log.Info("notify enabled via config")
				a.notif.Start(c)
			}
		}
	}

	// pprof (live).
	if a.pprof != nil {
		ppc, err := mapPprofConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
		} else {
			a.pprof.Reconfigure(c, ppc)
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
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
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", elapsed),
			)
			// Leak logging: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.String("err", err.Error()), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Dispatch first so no new deliveries start; it waits for in-flight
	// sends, so it gets the longest bound.
	step("dispatch", 5*time.Second, func(c context.Context) error { a.dispatch.Stop(c); return nil })
	step("notify", 2*time.Second, func(c context.Context) error {
		if a.notif != nil {
			a.notif.Stop(c)
		}
		return nil
	})
	step("pprof", 1*time.Second, func(c context.Context) error {
		if a.pprof != nil {
			a.pprof.Stop(c)
		}
		return nil
	})
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
