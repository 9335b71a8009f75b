// Package app wires the reminder engine together: config, logging,
// storage, scheduler, dispatcher, recovery, transport and the
// conversational flow. Everything is constructed once here and passed by
// reference; there are no module-level singletons.
package app

import (
	"context"
	"sync"

	"remindbot/internal/config"
	"remindbot/internal/dispatch"
	"remindbot/internal/engine"
	"remindbot/internal/eventbus"
	"remindbot/internal/flow"
	"remindbot/internal/recovery"
	"remindbot/internal/scheduler"
	"remindbot/internal/storage"
	"remindbot/internal/transport"
	"remindbot/internal/transport/telegram"
	logx "remindbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	store   storage.Store
	bus     eventbus.Bus
	adapter *telegram.Adapter

	sched *scheduler.Service
	disp  *dispatch.Dispatcher
	eng   *engine.Engine
	rec   *recovery.Coordinator
	flow  *flow.Router

	updates chan transport.Update

	runMu     sync.Mutex
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	storeCfg, err := mapStorageConfig(cfg.Storage)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 0)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	bus := eventbus.New()

	dispCfg, err := mapDispatcherConfig(cfg.Dispatcher)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	disp := dispatch.New(dispCfg, adapter, store, bus, log.With(logx.String("comp", "dispatcher")))

	a := &App{
		cfgm:    cfgm,
		logs:    logs,
		log:     log,
		store:   store,
		bus:     bus,
		adapter: adapter,
		disp:    disp,
		updates: make(chan transport.Update, 256),
	}

	schedCfg, err := mapSchedulerConfig(cfg.Scheduler)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	// The fire handler resolves through the App so the engine and the
	// scheduler can reference each other without a construction cycle.
	a.sched = scheduler.New(schedCfg, store, func(ctx context.Context, id int64, missed bool) {
		a.eng.Fire(ctx, id, missed)
	}, log.With(logx.String("comp", "scheduler")))

	a.eng = engine.New(store, a.sched, disp, bus, log.With(logx.String("comp", "engine")))
	a.rec = recovery.New(store, a.sched, log.With(logx.String("comp", "recovery")))

	flowCfg, err := mapFlowConfig(cfg.Flow)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.flow = flow.New(flowCfg, a.eng, adapter, log.With(logx.String("comp", "flow")))

	return a, nil
}

// Start brings the engine up: scheduler first, then the recovery pass
// over persisted reminders, and only then inbound polling, so new
// commands never race the rebuild of the timer registry.
func (a *App) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.runCancel != nil {
		return nil
	}
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel

	a.sched.Start(rctx)

	if err := a.rec.Run(rctx); err != nil {
		// The sweep retries what recovery could not arm; keep starting.
		a.log.Error("recovery pass failed", logx.Err(err))
	}

	if err := a.adapter.Start(rctx, a.updates); err != nil {
		cancel()
		a.runCancel = nil
		return err
	}

	a.runWG.Add(2)
	go func() {
		defer a.runWG.Done()
		a.flow.Run(rctx, a.updates)
	}()
	go func() {
		defer a.runWG.Done()
		a.watchConfig(rctx)
	}()

	a.runWG.Add(1)
	go func() {
		defer a.runWG.Done()
		a.debugEvents(rctx)
	}()

	notifyReady(rctx, a.log)
	a.log.Info("started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	a.runMu.Unlock()
	if cancel == nil {
		return nil
	}

	notifyStopping(a.log)
	cancel()

	_ = a.adapter.Stop(ctx)
	a.sched.Stop(ctx)
	a.runWG.Wait()

	err := a.store.Close()
	_ = a.logs.Close()
	a.log.Info("stopped")
	return err
}

// watchConfig applies hot-reloadable settings (log level/sinks, dispatcher
// and scheduler tunables) when the config file changes.
func (a *App) watchConfig(ctx context.Context) {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)

	go func() { _ = a.cfgm.Watch(ctx) }()

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok || cfg == nil {
				return
			}
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			if dc, err := mapDispatcherConfig(cfg.Dispatcher); err == nil {
				a.disp.Apply(dc)
			} else {
				a.log.Warn("dispatcher config not applied", logx.Err(err))
			}
			if sc, err := mapSchedulerConfig(cfg.Scheduler); err == nil {
				a.sched.Apply(sc)
			} else {
				a.log.Warn("scheduler config not applied", logx.Err(err))
			}
			a.log.Info("config applied")
		}
	}
}

// debugEvents mirrors engine events into the debug log.
func (a *App) debugEvents(ctx context.Context) {
	ch, unsub := a.bus.Subscribe(32)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", ev.Type), logx.Any("data", ev.Data))
		}
	}
}
