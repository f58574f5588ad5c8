// Package app assembles the daemon: configuration, logging, storage, the
// executor backend, the scheduler, and the HTTP API, with ordered startup
// and bounded shutdown.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"speedtrackerd/internal/blocklist"
	"speedtrackerd/internal/config"
	"speedtrackerd/internal/eventbus"
	"speedtrackerd/internal/executor"
	"speedtrackerd/internal/github"
	"speedtrackerd/internal/scheduler"
	"speedtrackerd/internal/server"
	"speedtrackerd/internal/storage"
	logx "speedtrackerd/pkg/logx"
)

// StopReason records why shutdown was initiated; it only feeds logs.
type StopReason string

const (
	StopSignal StopReason = "signal"
	StopFatal  StopReason = "fatal"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store storage.Store
	sched *scheduler.Service
	srv   *server.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
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
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	execCfg, err := mapExecutorConfig(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	exec, err := executor.New(execCfg, log.With(logx.String("comp", "executor")))
	if err != nil {
		store.Close()
		return nil, err
	}

	guard := blocklist.FromList(cfg.BlockList)
	if guard.Len() > 0 {
		log.Info("block list loaded", logx.Int("users", guard.Len()))
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	sched := scheduler.New(schedCfg, store, exec, guard, bus,
		log.With(logx.String("comp", "scheduler")))

	gh := github.New(github.Config{
		Token:   cfg.GitHub.Token,
		BaseURL: cfg.GitHub.BaseURL,
	}, log.With(logx.String("comp", "github")))

	srvCfg, err := mapServerConfig(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	srv := server.New(srvCfg, store, sched, gh, log.With(logx.String("comp", "http")))

	return &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: store,
		sched: sched,
		srv:   srv,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if err := a.srv.Start(runCtx); err != nil {
		cancel()
		return err
	}
	if a.sched.Enabled() {
		a.sched.Start(runCtx)
	} else {
		a.log.Info("scheduler disabled; only on-demand runs are served")
	}

	events, unsub := a.bus.Subscribe(128)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsub()
		for {
			select {
			case <-runCtx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	}()

	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(runCtx, sub)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Warn("config watcher exited", logx.Err(err))
		}
	}()

	a.log.Info("app started")
	return nil
}

// reloadLoop applies hot-reloadable settings from committed config updates.
// Only logging is applied live; everything else needs a restart.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest update.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			if last != nil {
				if cfg.Storage != last.Storage || cfg.Scheduler != last.Scheduler ||
					cfg.Executor != last.Executor || cfg.Server != last.Server ||
					cfg.BlockList != last.BlockList {
					a.log.Warn("non-logging config changed; restart required for changes to take effect")
				}
			}
			last = cfg
			a.log.Info("config reloaded")
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.cancel == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.cancel()

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
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
			} else {
				a.log.Debug("stop step end", logx.String("name", name),
					logx.Duration("took", time.Since(start)))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Stop intake first, then let in-flight runs finalize, then close storage.
	step("http", 3*time.Second, func(c context.Context) error { return a.srv.Stop(c) })
	step("scheduler", 15*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("storage", 2*time.Second, func(c context.Context) error { return a.store.Close() })

	waited := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		a.log.Warn("background loops did not exit before deadline")
	}

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapExecutorConfig(cfg *config.Config) (executor.Config, error) {
	poll, err := config.ParseDurationOrDefault("executor.poll_interval", cfg.Executor.PollInterval, 0)
	if err != nil {
		return executor.Config{}, err
	}
	return executor.Config{
		Driver:       cfg.Executor.Driver,
		Endpoint:     cfg.Executor.Endpoint,
		APIKey:       cfg.Executor.APIKey,
		PollInterval: poll,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tick, err := config.ParseDurationOrDefault("scheduler.tick_interval", cfg.Scheduler.TickInterval, 0)
	if err != nil {
		return scheduler.Config{}, err
	}
	runTimeout, err := config.ParseDurationOrDefault("scheduler.run_timeout", cfg.Scheduler.RunTimeout, 0)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:      cfg.Scheduler.Enabled,
		TickInterval: tick,
		RunTimeout:   runTimeout,
	}, nil
}

func mapServerConfig(cfg *config.Config) (server.Config, error) {
	read, err := config.ParseDurationOrDefault("server.read_timeout", cfg.Server.ReadTimeout, 0)
	if err != nil {
		return server.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("server.write_timeout", cfg.Server.WriteTimeout, 0)
	if err != nil {
		return server.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("server.idle_timeout", cfg.Server.IdleTimeout, 0)
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{
		Addr:          cfg.Server.Addr,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
		RatePerMinute: cfg.Server.RatePerMinute,
	}, nil
}
