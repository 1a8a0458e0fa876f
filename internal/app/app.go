package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"broadcastd/internal/broadcast"
	"broadcastd/internal/config"
	"broadcastd/internal/eventbus"
	"broadcastd/internal/gateway"
	"broadcastd/internal/housekeeping"
	"broadcastd/internal/httpapi"
	"broadcastd/internal/mirror"
	"broadcastd/internal/runtime/supervisor"
	"broadcastd/internal/simulator"
	"broadcastd/internal/storage"
	logx "broadcastd/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	gw       *gateway.Mock
	receipts *simulator.Timed
	svc      *broadcast.Service
	mirror   *mirror.Mirror
	house    *housekeeping.Service
	api      *httpapi.API
	srv      *http.Server
	ln       net.Listener
	// ends SSE streams so Shutdown is not held open by them
	cancelConns context.CancelFunc
}

// New builds every component from the config at cfgPath. Nothing runs
// until Start. Resources opened here are released if New fails.
func New(cfgPath string) (_ *App, err error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	defer func() {
		if err != nil {
			_ = logSvc.Close()
		}
	}()

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	sc, storeOn, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if storeOn {
		if store, err = storage.Open(sc, log.With(logx.String("comp", "storage"))); err != nil {
			return nil, err
		}
		defer func() {
			if err != nil {
				_ = store.Close()
			}
		}()
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	gwCfg, err := mapGatewayConfig(cfg)
	if err != nil {
		return nil, err
	}
	gw := gateway.NewMock(gwCfg, log.With(logx.String("comp", "gateway")))

	var (
		events   simulator.Source
		receipts *simulator.Timed
	)
	simCfg, eventsOn, err := mapEventsConfig(cfg)
	if err != nil {
		return nil, err
	}
	if eventsOn {
		receipts = simulator.New(simCfg, log.With(logx.String("comp", "receipts")))
		events = receipts
	}

	policy, err := mapRetryPolicy(cfg)
	if err != nil {
		return nil, err
	}
	dcfg, err := mapDispatcherConfig(cfg)
	if err != nil {
		return nil, err
	}
	svc := broadcast.New(dcfg, gw, events, policy, bus, log.With(logx.String("comp", "broadcast")))

	var mir *mirror.Mirror
	mc, mirrorOn, err := mapMirrorConfig(cfg)
	if err != nil {
		return nil, err
	}
	if mirrorOn {
		dialCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rdb, dialErr := mirror.Dial(dialCtx, mc)
		cancel()
		if dialErr != nil {
			return nil, dialErr
		}
		mir = mirror.New(rdb, mc, svc, bus, log.With(logx.String("comp", "mirror")))
		log.Info("mirror enabled", logx.String("addr", mc.Addr))
	}

	house := housekeeping.New(cfg.Housekeeping.Schedule, log.With(logx.String("comp", "housekeeping")))
	house.Register("runs", svc)

	hs, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	var audit httpapi.AuditReader
	if store != nil {
		audit = store
	}

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		gw:       gw,
		receipts: receipts,
		svc:      svc,
		mirror:   mir,
		house:    house,
	}
	a.api = httpapi.New(svc, audit, bus, log.With(logx.String("comp", "http")), httpapi.Options{
		AllowedOrigins: hs.AllowedOrigins,
		Pprof:          hs.Pprof,
		Stats:          a.stats,
	})
	connCtx, cancelConns := context.WithCancel(context.Background())
	a.cancelConns = cancelConns
	a.srv = &http.Server{
		BaseContext:       func(net.Listener) context.Context { return connCtx },
		Addr:              hs.Addr,
		Handler:           a.api.Handler(),
		ReadTimeout:       hs.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      hs.WriteTimeout,
		IdleTimeout:       hs.IdleTimeout,
	}
	return a, nil
}

// stats feeds the health endpoint.
func (a *App) stats() map[string]any {
	out := map[string]any{"gateway": a.gw.Stats()}
	if a.sup != nil {
		out["tasks"] = a.sup.Tasks()
		out["goroutines"] = a.sup.Counters()
	}
	if a.receipts != nil {
		out["receipts_pending"] = a.receipts.Pending()
	}
	if a.mirror != nil {
		out["mirror_flushes"] = a.mirror.Flushes()
	}
	return out
}

// Broadcasts exposes the dispatcher.
func (a *App) Broadcasts() *broadcast.Service { return a.svc }

// Addr is the bound listener address once started.
func (a *App) Addr() string {
	if a.ln == nil {
		return a.srv.Addr
	}
	return a.ln.Addr().String()
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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	ln, err := net.Listen("tcp", a.srv.Addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", a.srv.Addr, err)
	}
	a.ln = ln

	if err := a.house.Start(a.sup.Context()); err != nil {
		_ = ln.Close()
		return err
	}

	a.sup.Go("http.serve", func(c context.Context) error {
		a.log.Info("http listening", logx.String("addr", ln.Addr().String()))
		if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})

	if a.store != nil {
		a.sup.Go0("audit.writer", func(c context.Context) {
			runAudit(c, a.bus, a.svc, a.store, a.log.With(logx.String("comp", "audit")))
		})
	}

	if a.mirror != nil {
		a.sup.GoRestart("mirror", a.mirror.Run, time.Second, 30*time.Second)
	}

	// Log events for observability/debug (components subscribe themselves).
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
				// Record events are frequent; keep them out of debug.
				if e.Type == broadcast.EventRecord {
					continue
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	lastApplied := a.cfgm.Get()
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
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
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

// applyConfig pushes the live sections of newCfg into running services.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	// logging first so the remaining lines use the new level
	a.logs.Apply(mapLoggingConfig(newCfg))

	if dcfg, err := mapDispatcherConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatcher config; keeping previous", logx.Err(err))
	} else {
		a.svc.Apply(dcfg)
	}
	if p, err := mapRetryPolicy(newCfg); err != nil {
		a.log.Warn("invalid retry config; keeping previous", logx.Err(err))
	} else {
		a.svc.SetPolicy(p)
	}
	if err := a.house.Reschedule(newCfg.Housekeeping.Schedule); err != nil {
		a.log.Warn("invalid housekeeping schedule; keeping previous", logx.Err(err))
	}

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strs("sections", restart))
	}
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

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
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; log the leak if it doesn't.
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

	// Stop accepting requests first.
	step("http", 3*time.Second, func(c context.Context) error {
		a.cancelConns()
		err := a.srv.Shutdown(c)
		if errors.Is(err, context.DeadlineExceeded) {
			return a.srv.Close()
		}
		return err
	})
	// Cancels the active run; its finish event still reaches the audit writer.
	step("broadcast", 5*time.Second, func(c context.Context) error { a.svc.Stop(c); return nil })
	step("housekeeping", time.Second, func(c context.Context) error { a.house.Stop(c); return nil })

	// Loops unwind once the shared context is cancelled.
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Stop(c) })

	step("mirror", time.Second, func(c context.Context) error {
		if a.mirror != nil {
			return a.mirror.Close()
		}
		return nil
	})
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	st := a.gw.Stats()
	a.log.Info("stopped", logx.Any("gateway", st), logx.Uint64("bus_dropped", a.bus.Dropped()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
