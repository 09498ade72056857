// Package app wires configuration, storage, the schedule service, the command
// router and the chat servers into one running bot.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"dashbot/internal/config"
	"dashbot/internal/eventbus"
	"dashbot/internal/identity"
	"dashbot/internal/observability"
	"dashbot/internal/remind"
	"dashbot/internal/router"
	rtsup "dashbot/internal/runtime/supervisor"
	"dashbot/internal/schedule"
	"dashbot/internal/storage"
	"dashbot/internal/transport"
	"dashbot/internal/transport/telegram"
	logx "dashbot/pkg/logx"
)

const metricsNamespace = "dashbot"

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.Bus

	store   *storage.Register
	metrics *prometheus.Registry

	sched   *schedule.Service
	router  *router.Router
	limiter *router.RateLimit
	remind  *remind.Command
	servers *identity.Registry
	chat    transport.ChatServer
	obs     *observability.Service

	updates chan transport.Update
}

type Option func(*options)

type options struct {
	chat transport.ChatServer
}

// WithChatServer replaces the configured Telegram server.
func WithChatServer(cs transport.ChatServer) Option {
	return func(o *options) { o.chat = cs }
}

// New builds the app from the committed config of cfgm, loading it first if
// nothing has been committed yet.
func New(ctx context.Context, cfgm *config.ConfigManager, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	cfg := cfgm.Get()
	if cfg == nil {
		var err error
		if cfg, err = cfgm.Load(); err != nil {
			return nil, err
		}
	}

	logs, root := logx.New(mapLoggingConfig(cfg), nil)
	log := root.With(logx.String("comp", "app"))

	chat := o.chat
	if chat == nil && cfg.Telegram.Enabled {
		tcfg, err := mapTelegramConfig(cfg)
		if err != nil {
			return nil, err
		}
		tg, err := telegram.New(tcfg, root.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		chat = tg
	}
	if chat != nil {
		logs.SetSender(logx.SenderFunc(func(ctx context.Context, channelID, text string) error {
			_, err := chat.SendText(ctx, channelID, text, &transport.SendOptions{DisablePreview: true})
			return err
		}))
	}

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	bus := eventbus.NewBus(eventbus.WithLogger(root.With(logx.String("comp", "bus"))))

	stcfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, stcfg, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", stcfg.Driver))

	scfg, err := mapScheduleConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sched := schedule.New(scfg, store, bus, root.With(logx.String("comp", "schedule")),
		schedule.WithMetrics(schedule.NewMetrics(metrics, metricsNamespace)))

	rlog := root.With(logx.String("comp", "router"))
	rt := router.New(bus, rlog,
		router.WithPrefix(cfg.CommandPrefix),
		router.WithTimeout(mapRouterTimeout(cfg)),
		router.WithRegisterer(metrics, metricsNamespace),
	)
	limiter := router.NewRateLimit(cfg.Commands.RatePerMinute, rlog)
	limiter.Install(bus)

	servers := identity.NewRegistry()
	if chat != nil {
		servers.Add(chat)
	}

	remindLog := root.With(logx.String("comp", "remind"))
	cmd := remind.NewCommand(sched, location(cfg), scfg.MaxTimersPerPerson, remindLog)
	rt.Register(remind.CommandName, cmd)
	remind.NewDeliverer(servers, remindLog).Install(bus)

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     bus,
		store:   store,
		metrics: metrics,
		sched:   sched,
		router:  rt,
		limiter: limiter,
		remind:  cmd,
		servers: servers,
		chat:    chat,
		updates: make(chan transport.Update, 256),
	}
	a.obs = observability.New(mapObservabilityConfig(cfg), metrics, a.health, root)
	return a, nil
}

func (a *App) Bus() *eventbus.Bus                    { return a.bus }
func (a *App) Schedule() *schedule.Service           { return a.sched }
func (a *App) Router() *router.Router                { return a.router }
func (a *App) Metrics() *prometheus.Registry         { return a.metrics }
func (a *App) Servers() *identity.Registry           { return a.servers }
func (a *App) Observability() *observability.Service { return a.obs }

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the app supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) health() map[string]any {
	out := map[string]any{"commands": a.router.Commands()}
	if q, err := a.sched.Pending(context.Background()); err == nil {
		out["queue"] = len(q)
	}
	if a.sup != nil {
		out["tasks"] = a.sup.Snapshot()
	}
	return out
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if a.chat != nil {
		if err := a.chat.Connect(run, a.updates); err != nil {
			return fmt.Errorf("connect %s: %w", a.chat.ID(), err)
		}
		a.log.Info("chat server connected", logx.String("server", a.chat.ID()))
		a.emitServerEvent(run, EventConnected, a.chat.ID())
	}

	a.sched.Start(run)
	a.obs.Start(run)

	a.sup.Go("updates.dispatch", a.dispatchLoop)
	a.sup.Go("storage.watch", func(c context.Context) error {
		if !a.cfgm.Get().Storage.Watch {
			return nil
		}
		return a.store.Watch(c)
	})

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

	a.log.Info("app started", logx.Strings("commands", a.router.Commands()))
	return nil
}

// applyConfig pushes a committed config to every component that supports
// live updates. Storage and chat server changes need a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, fields := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLoggingConfig(next))

	if scfg, err := mapScheduleConfig(next); err != nil {
		a.log.Warn("invalid schedule config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(ctx, scfg)
		a.remind.Apply(location(next), scfg.MaxTimersPerPerson)
	}

	a.router.SetPrefix(next.CommandPrefix)
	a.router.SetTimeout(mapRouterTimeout(next))
	a.limiter.SetRate(next.Commands.RatePerMinute)

	a.obs.Reconfigure(ctx, mapObservabilityConfig(next))

	for _, s := range sections {
		if s == "storage" || s == "telegram" {
			a.log.Warn("config section changed; restart required", logx.String("section", s))
		}
	}
	fields = append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in reverse start order. Each step is bounded so
// one slow component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		sctx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		start := time.Now()
		if err := fn(sctx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("schedule", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("observability", time.Second, func(c context.Context) error { a.obs.Stop(c); return nil })
	if a.chat != nil {
		step("chat", 3*time.Second, func(c context.Context) error {
			err := a.chat.Disconnect(c)
			a.emitServerEvent(c, EventDisconnected, a.chat.ID())
			return err
		})
	}
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Stop(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}
