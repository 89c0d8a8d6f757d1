// Package app wires the donor approval notifier: config, logging, the mail
// transport, the async pipeline, the optional collection emulator, the HTTP
// ingress and the periodic report.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"donornotify/internal/approval"
	"donornotify/internal/config"
	"donornotify/internal/eventbus"
	"donornotify/internal/ingress"
	"donornotify/internal/pipeline"
	"donornotify/internal/report"
	rtsup "donornotify/internal/runtime/supervisor"
	"donornotify/internal/store"
	logx "donornotify/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store      store.Store
	notifier   *approval.Notifier
	pipe       *pipeline.Service
	server     *ingress.Server
	report     *report.Service
	collection atomic.Pointer[string]

	shutdownTimeout atomic.Int64 // time.Duration
}

// New loads .env and the config file, then builds every component. Nothing
// is started until Start.
func New(cfgPath string) (*App, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}
	return newFromConfig(cfgm, cfg)
}

func newFromConfig(cfgm *config.Manager, cfg *config.Config) (*App, error) {
	logSvc, log := logx.New(mapLoggingConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		cfgm: cfgm,
		log:  log.With(logx.String("comp", "app")),
		logs: logSvc,
		bus:  eventbus.New(),
	}
	col := collectionOf(cfg)
	a.collection.Store(&col)

	// Mail transport + approval handler
	mc, err := mapMailConfig(cfg)
	if err != nil {
		return nil, err
	}
	sender, err := buildSender(mc, log.With(logx.String("comp", "mail")))
	if err != nil {
		return nil, err
	}
	a.notifier = approval.New(approval.Settings{From: mc.From, Sender: sender}, log.With(logx.String("comp", "approval")))

	pc, err := mapPipelineConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.pipe = pipeline.New(pc, a.notifier, log.With(logx.String("comp", "pipeline")), a.bus)

	// Collection emulator (optional)
	if sc, enabled, err := mapStoreConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := store.Open(sc, log.With(logx.String("comp", "store")))
		if err != nil {
			return nil, err
		}
		a.store = st
		a.log.Info("collection emulator enabled", logx.String("driver", sc.Driver))
	}

	srvCfg, shutdown, err := mapServerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.shutdownTimeout.Store(int64(shutdown))
	a.server = ingress.NewServer(srvCfg, ingress.Deps{
		Pipeline:   a.pipe,
		Store:      a.store,
		Collection: a.Collection,
		Counters:   a.counters,
	}, log.With(logx.String("comp", "ingress")))

	rc, err := mapReportConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.report = report.New(rc, a.pipe, log.With(logx.String("comp", "report")))

	return a, nil
}

// Collection returns the currently watched collection name.
func (a *App) Collection() string {
	if p := a.collection.Load(); p != nil {
		return *p
	}
	return defaultCollection
}

// Addr returns the ingress listen address once bound.
func (a *App) Addr() string { return a.server.Addr() }

// Ready is closed once the ingress listener is bound.
func (a *App) Ready() <-chan struct{} { return a.server.Ready() }

// counters sums goroutine counters across the app and component supervisors.
func (a *App) counters() rtsup.Counters {
	var out rtsup.Counters
	for _, s := range []*rtsup.Supervisor{a.sup, a.pipe.Supervisor(), a.server.Supervisor()} {
		c := s.Counters()
		out.Active += c.Active
		out.Started += c.Started
		out.Panics += c.Panics
	}
	return out
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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// The pipeline outlives signal cancellation so Stop can drain it.
	a.pipe.Start(context.WithoutCancel(a.sup.Context()))
	a.server.Start(a.sup.Context())
	if err := a.report.Start(); err != nil {
		return err
	}

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128, "pipeline.")
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

	// Tell systemd we are up once the listener is bound. No-op outside systemd.
	a.sup.Go0("systemd.notify", func(c context.Context) {
		select {
		case <-c.Done():
			return
		case <-a.server.Ready():
		}
		if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			a.log.Warn("sd_notify failed", logx.Err(err))
		} else if sent {
			a.log.Debug("sd_notify ready sent")
		}
	})

	a.log.Info("app started", logx.String("collection", a.Collection()))
	return nil
}

// applyConfig applies a committed hot-reload. Each section keeps its previous
// value when mapping fails; the validator already rejected bad configs.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := make(map[string]bool, len(sections))
	for _, s := range sections {
		changed[s] = true
	}

	if changed["logging"] {
		a.logs.Apply(mapLoggingConfig(next))
	}
	if changed["trigger"] {
		col := collectionOf(next)
		a.collection.Store(&col)
	}
	if changed["mail"] {
		if mc, err := mapMailConfig(next); err != nil {
			a.log.Warn("invalid mail config; keeping previous", logx.Err(err))
		} else if sender, err := buildSender(mc, a.log.With(logx.String("comp", "mail"))); err != nil {
			a.log.Warn("mail transport rebuild failed; keeping previous", logx.Err(err))
		} else {
			a.notifier.Apply(approval.Settings{From: mc.From, Sender: sender})
		}
	}
	if changed["notifier"] {
		if pc, err := mapPipelineConfig(next); err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			wasEnabled := a.pipe.Enabled()
			a.pipe.Apply(pc)
			switch {
			case wasEnabled && !pc.Enabled:
				a.log.Info("pipeline disabled via config; events are handled inline")
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.pipe.Stop(stopCtx)
				cancel()
			case !wasEnabled && pc.Enabled:
				a.log.Info("pipeline enabled via config")
				a.pipe.Start(context.WithoutCancel(ctx))
			}
		}
	}
	if changed["server"] {
		if sc, shutdown, err := mapServerConfig(next); err != nil {
			a.log.Warn("invalid server config; keeping previous", logx.Err(err))
		} else {
			a.shutdownTimeout.Store(int64(shutdown))
			stopCtx, cancel := context.WithTimeout(ctx, shutdown)
			a.server.Reconfigure(stopCtx, sc)
			cancel()
			a.server.Start(a.sup.Context())
		}
	}
	if changed["report"] {
		if rc, err := mapReportConfig(next); err != nil {
			a.log.Warn("invalid report config; keeping previous", logx.Err(err))
		} else if err := a.report.Apply(rc); err != nil {
			a.log.Warn("report reschedule failed", logx.Err(err))
		}
	}
	if changed["store"] {
		a.log.Warn("store config changed; restart required for changes to take effect")
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Cancel the run context so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context)) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		fn(stepCtx)
		took := time.Since(start)
		if stepCtx.Err() != nil {
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("took", took))
			return
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
	}

	// Ingress first so no new events arrive, then drain the pipeline.
	shutdown := time.Duration(a.shutdownTimeout.Load())
	step("ingress", shutdown, a.server.Stop)
	step("pipeline", shutdown, a.pipe.Stop)
	step("report", time.Second, a.report.Stop)
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("store close failed", logx.Err(err))
		}
	}
	step("supervisor", 2*time.Second, func(c context.Context) { _ = a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
