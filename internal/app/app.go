// Package app wires the daemon together: config, logging, storage, the
// dwell-event pipeline, the session manager, the ingest server, and
// housekeeping, under one supervisor with hot config reload.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dwelltrack/internal/audit"
	"dwelltrack/internal/config"
	"dwelltrack/internal/eventbus"
	"dwelltrack/internal/housekeeping"
	"dwelltrack/internal/ingest"
	"dwelltrack/internal/sessions"
	"dwelltrack/internal/storage"
	"dwelltrack/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	audit    *audit.Service
	sessions *sessions.Manager
	ingest   *ingest.Service
	keeper   *housekeeping.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	auditSvc := audit.New(mapAuditConfig(cfg), log.With(logx.String("comp", "audit")), bus, store)

	sessCfg, err := mapSessionsConfig(cfg)
	if err != nil {
		return nil, err
	}
	mgr := sessions.NewManager(sessCfg, log.With(logx.String("comp", "sessions")), bus, auditSvc)

	rules, err := mapRules(cfg)
	if err != nil {
		return nil, err
	}
	mgr.SetRules(rules)

	ingestCfg, err := mapIngestConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		audit:    auditSvc,
		sessions: mgr,
		keeper:   housekeeping.New(log.With(logx.String("comp", "housekeeping"))),
	}
	a.ingest = ingest.New(ingestCfg, log.With(logx.String("comp", "ingest")), ingest.Deps{
		Sessions: mgr,
		Events:   auditSvc,
		Health:   a.healthSnapshot,
	})
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

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		// Mappings re-check the duration fields the schema can't express.
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSessionsConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	cfg := a.cfgm.Get()

	a.audit.Start(a.sup.Context())
	a.ingest.Start(a.sup.Context())

	if cfg.Housekeeping.Enabled {
		if err := a.registerHousekeeping(cfg); err != nil {
			return err
		}
		a.keeper.Start(a.sup.Context())
	}

	// Log events for observability/debug (components can also subscribe themselves).
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				// Keep this debug-level; snapshot traffic is frequent.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Hot reload config fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
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
				a.applyReload(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("daemon started")
	return nil
}

func (a *App) applyReload(ctx context.Context, oldCfg, newCfg *Config) {
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	changed := func(name string) bool {
		for _, s := range sections {
			if s == name {
				return true
			}
		}
		return false
	}

	if changed("logging") {
		a.logs.Apply(mapLoggingConfig(newCfg))
	}

	// Storage and housekeeping schedules are fixed at boot.
	if changed("storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if changed("housekeeping") {
		a.log.Warn("housekeeping config changed; restart required for changes to take effect")
	}

	if changed("audit") {
		oldAC, newAC := mapAuditConfig(oldCfg), mapAuditConfig(newCfg)
		a.audit.Apply(newAC)
		switch {
		case oldAC.Enabled && !newAC.Enabled:
			a.log.Info("audit pipeline disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.audit.Stop(stopCtx)
			cancel()
		case !oldAC.Enabled && newAC.Enabled:
			a.log.Info("audit pipeline enabled via config")
			a.audit.Start(ctx)
		case newAC.Enabled && (oldAC.Workers != newAC.Workers || oldAC.QueueSize != newAC.QueueSize):
			a.log.Warn("audit worker pool changed; restart required for changes to take effect")
		}
	}

	if changed("sessions") {
		if sc, err := mapSessionsConfig(newCfg); err != nil {
			a.log.Warn("invalid sessions config; keeping previous", logx.Err(err))
		} else {
			a.sessions.Apply(sc)
		}
	}
	if changed("trackings") {
		if rules, err := mapRules(newCfg); err != nil {
			a.log.Warn("invalid tracking rules; keeping previous", logx.Err(err))
		} else {
			a.sessions.SetRules(rules)
			a.log.Info("tracking rules updated; existing sessions keep their rules",
				logx.Int("rules", len(rules)))
		}
	}

	if changed("ingest") {
		if ic, err := mapIngestConfig(newCfg); err != nil {
			a.log.Warn("invalid ingest config; keeping previous", logx.Err(err))
		} else {
			a.ingest.Reconfigure(ctx, ic)
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Data: sections})
	a.log.Info("config reloaded", fields...)
}

func (a *App) registerHousekeeping(cfg *Config) error {
	hk := cfg.Housekeeping

	if spec, ok := scheduleOr(hk.SessionSweep, housekeeping.DefaultSessionSweep); ok {
		err := a.keeper.Register("sessions.sweep", spec, func(context.Context) error {
			if n := a.sessions.Sweep(time.Now()); n > 0 {
				a.log.Info("idle sessions expired", logx.Int("count", n))
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	if a.store != nil {
		if spec, ok := scheduleOr(hk.StoragePrune, housekeeping.DefaultStoragePrune); ok {
			retention, err := parseDurationOrDefault("housekeeping.retention", hk.Retention, housekeeping.DefaultRetention)
			if err != nil {
				return err
			}
			store := a.store
			err = a.keeper.Register("storage.prune", spec, func(ctx context.Context) error {
				n, err := store.PruneBefore(ctx, time.Now().Add(-retention))
				if err != nil {
					return err
				}
				if n > 0 {
					a.log.Info("dwell events pruned", logx.Int64("removed", n))
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
	}

	if spec, ok := scheduleOr(hk.SnapshotLog, housekeeping.DefaultSnapshotLog); ok {
		err := a.keeper.Register("snapshot.log", spec, func(context.Context) error {
			ss := a.sessions.Snapshot()
			as := a.audit.Snapshot()
			a.log.Info("periodic state",
				logx.Int("sessions", ss.Active),
				logx.Uint64("started", ss.Started),
				logx.Uint64("events", as.Enqueued),
				logx.Uint64("dropped", as.Dropped+a.bus.Dropped()))
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// healthSnapshot feeds the ingest health endpoint.
func (a *App) healthSnapshot() any {
	out := map[string]any{
		"sessions": a.sessions.Snapshot(),
		"audit":    a.audit.Snapshot(),
		"ingest":   a.ingest.Snapshot(),
		"storage":  a.store != nil,
		"bus":      map[string]uint64{"dropped": a.bus.Dropped()},
	}
	out["housekeeping"] = a.keeper.Snapshot()
	if a.sup != nil {
		out["goroutines"] = a.sup.Counters()
	}
	return out
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// Respect the caller's deadline; never extend it.
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it
			// doesn't, log a leak signal and observe when it finishes.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline",
						logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				} else {
					a.log.Info("stop step finished after deadline",
						logx.String("name", name), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	// Intake first so no new snapshots arrive mid-teardown.
	step("ingest", 2*time.Second, func(c context.Context) error { a.ingest.Stop(c); return nil })
	step("housekeeping", 2*time.Second, func(c context.Context) error { a.keeper.Stop(c); return nil })

	// Closing sessions flushes unload reports; the pipeline must still be
	// accepting them, so audit stops after and drains.
	step("sessions", 2*time.Second, func(c context.Context) error { a.sessions.CloseAll(); return nil })
	step("audit", 3*time.Second, func(c context.Context) error { a.audit.Stop(c); return nil })

	// Now unwind the config watch and bus loops.
	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
