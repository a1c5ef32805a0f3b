// Package server builds the tracker's dependency graph from configuration and
// runs it: scheduled polling plus the read-only admin API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/restock-tracker/internal/api"
	"github.com/JakeFAU/restock-tracker/internal/clock/system"
	"github.com/JakeFAU/restock-tracker/internal/config"
	"github.com/JakeFAU/restock-tracker/internal/history"
	"github.com/JakeFAU/restock-tracker/internal/id/uuid"
	"github.com/JakeFAU/restock-tracker/internal/metrics"
	"github.com/JakeFAU/restock-tracker/internal/notify"
	"github.com/JakeFAU/restock-tracker/internal/scheduler"
	"github.com/JakeFAU/restock-tracker/internal/store/state"
	"github.com/JakeFAU/restock-tracker/internal/tracker"
	"github.com/JakeFAU/restock-tracker/internal/worker"
)

const readHeaderTimeout = 5 * time.Second

var errNotReady = errors.New("scheduler not running")

// Options overrides collaborators that are normally derived from config.
type Options struct {
	Clock tracker.Clock
	IDs   tracker.IDGenerator
	// Subscriptions replaces the configured subscription source.
	Subscriptions tracker.SubscriberSource
	// Gateway replaces the configured delivery gateway.
	Gateway tracker.Gateway
}

type closer struct {
	name  string
	close func() error
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     tracker.Clock
	ids       tracker.IDGenerator
	store     *state.Store
	history   tracker.HistoryLog
	scheduler *scheduler.Scheduler
	workers   []*worker.Worker
	apiServer *api.Server

	closers []closer
	ready   atomic.Bool
	closed  atomic.Bool
}

// Build creates the application's dependencies. Anything opened before a
// failure is closed again.
func Build(ctx context.Context, cfg config.Config, opts Options, logger *zap.Logger) (app *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger, clock: opts.Clock, ids: opts.IDs}
	if a.clock == nil {
		a.clock = system.New()
	}
	if a.ids == nil {
		a.ids = uuid.New()
	}
	defer func() {
		if err != nil {
			a.closeAll()
		}
	}()

	a.logger.Info("building application dependencies",
		zap.String("state_file", cfg.Store.StateFile),
		zap.String("gateway", cfg.Gateway.Kind),
		zap.String("subscriptions", cfg.Subscriptions.Kind),
		zap.String("mirror", cfg.Mirror.Kind),
	)

	mirror, err := a.setupMirror(ctx)
	if err != nil {
		return nil, err
	}
	a.store, err = state.Open(state.Options{
		Path:         cfg.Store.StateFile,
		LockTimeout:  cfg.Store.LockTimeout,
		LockRetry:    cfg.Store.LockRetry,
		Mirror:       mirror,
		MirrorObject: cfg.Mirror.Object,
		Restore:      cfg.Mirror.Restore,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	a.addCloser("state store", a.store.Close)

	historyReader, err := a.setupHistory()
	if err != nil {
		return nil, err
	}

	dispatcher, err := a.setupNotifier(ctx, opts)
	if err != nil {
		return nil, err
	}

	client, err := a.setupFetcher()
	if err != nil {
		return nil, err
	}
	sources, err := a.setupSources(client)
	if err != nil {
		return nil, err
	}

	a.scheduler = scheduler.New(scheduler.Config{
		RunTimeout:    cfg.Scheduler.RunTimeout,
		MaxBackoff:    cfg.Scheduler.MaxBackoff,
		BackoffFactor: cfg.Scheduler.BackoffFactor,
		Clock:         a.clock,
	}, logger)
	for _, s := range sources {
		w, err := worker.New(s.source, a.store, dispatcher, a.history, a.ids, a.clock, logger)
		if err != nil {
			return nil, fmt.Errorf("create %s worker: %w", s.source.Name(), err)
		}
		if err := a.scheduler.Register(s.source.Name(), s.intervalSeconds, w.Run); err != nil {
			return nil, fmt.Errorf("register %s job: %w", s.source.Name(), err)
		}
		a.workers = append(a.workers, w)
	}

	if cfg.Server.Enabled {
		deps := api.Deps{
			Status: a.store,
			Jobs:   a.scheduler,
			Ready:  a.readiness,
		}
		if historyReader != nil {
			deps.History = historyReader
		}
		a.apiServer, err = api.NewServer(deps, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("create api server: %w", err)
		}
	}
	return a, nil
}

// Store exposes the status store for one-off commands.
func (a *App) Store() *state.Store {
	return a.store
}

// Jobs lists the registered jobs.
func (a *App) Jobs() []scheduler.JobState {
	return a.scheduler.Jobs()
}

// Handler returns the admin API handler, or nil when the server is disabled.
func (a *App) Handler() http.Handler {
	if a.apiServer == nil {
		return nil
	}
	return a.apiServer.Handler()
}

// Run starts the scheduler and the admin server and blocks until ctx is
// cancelled or the process receives SIGINT/SIGTERM. In-flight polls get
// scheduler.shutdown_timeout to finish.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Runs must outlive the signal so Stop can wait for them.
	if err := a.scheduler.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	a.ready.Store(true)
	a.logger.Info("application started", zap.Int("jobs", len(a.workers)))

	var srv *http.Server
	if a.apiServer != nil {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: readHeaderTimeout,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
				stop()
			}
		}()
	}

	<-ctx.Done()
	a.ready.Store(false)
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Scheduler.ShutdownTimeout)
	defer cancel()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
			errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
		}
	}
	if err := a.scheduler.Stop(shutdownCtx); err != nil {
		a.logger.Error("scheduler shutdown error", zap.Error(err))
		errs = append(errs, err)
	}
	if err := a.Close(); err != nil {
		errs = append(errs, err)
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

// RunResult is the outcome of one source's poll in RunOnce.
type RunResult struct {
	Source  string
	Summary worker.Summary
	Err     error
}

// RunOnce polls every configured source a single time, sequentially, without
// starting the scheduler. Each run is bounded by scheduler.run_timeout.
func (a *App) RunOnce(ctx context.Context, only ...string) []RunResult {
	filter := make(map[string]struct{}, len(only))
	for _, name := range only {
		filter[name] = struct{}{}
	}
	var results []RunResult
	for _, w := range a.workers {
		if len(filter) > 0 {
			if _, ok := filter[w.Source()]; !ok {
				continue
			}
		}
		runCtx, cancel := context.WithTimeout(ctx, a.cfg.Scheduler.RunTimeout)
		summary, err := w.RunOnce(runCtx)
		cancel()
		results = append(results, RunResult{Source: w.Source(), Summary: summary, Err: err})
	}
	return results
}

// Close releases every resource in reverse order of creation. It is safe to
// call more than once.
func (a *App) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	return a.closeAll()
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn("close failed", zap.String("resource", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, close: fn})
}

func (a *App) readiness() error {
	if !a.ready.Load() {
		return errNotReady
	}
	return nil
}

func (a *App) setupHistory() (api.HistoryReader, error) {
	sink := history.NewLogSink(a.logger)
	if a.cfg.Store.HistoryFile == "" {
		a.logger.Warn("no history file configured, history goes to the log only")
		a.history = sink
		return nil, nil
	}
	file, err := history.NewFile(a.cfg.Store.HistoryFile)
	if err != nil {
		return nil, fmt.Errorf("open history log: %w", err)
	}
	a.addCloser("history log", file.Close)
	if a.cfg.Logging.Development {
		a.history = history.Tee{file, sink}
	} else {
		a.history = file
	}
	return file, nil
}

func (a *App) setupNotifier(ctx context.Context, opts Options) (*notify.Dispatcher, error) {
	subs := opts.Subscriptions
	if subs == nil {
		var err error
		subs, err = a.setupSubscriptions(ctx)
		if err != nil {
			return nil, err
		}
	}
	gateway := opts.Gateway
	if gateway == nil {
		var err error
		gateway, err = a.setupGateway(ctx)
		if err != nil {
			return nil, err
		}
	}

	records, err := notify.OpenRecords(a.cfg.Store.NotificationFile, a.cfg.Store.LockTimeout, a.cfg.Store.LockRetry, a.logger)
	if err != nil {
		return nil, fmt.Errorf("open notification records: %w", err)
	}

	sends, err := notify.OpenSendCounter(a.cfg.Store.SendCountFile, a.cfg.Store.LockTimeout, a.cfg.Store.LockRetry, a.logger)
	if err != nil {
		return nil, fmt.Errorf("open notification send counts: %w", err)
	}

	dispatcher, err := notify.New(subs, gateway, records, sends, a.clock, notify.Config{
		Cooldown:         a.cfg.Notify.Cooldown,
		NotifyOutOfStock: a.cfg.Notify.NotifyOutOfStock,
		Concurrency:      a.cfg.Notify.Concurrency,
		TrackerURL:       a.cfg.Notify.TrackerURL,
		DailyCap:         a.cfg.Notify.DailyCap,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("create notification dispatcher: %w", err)
	}
	return dispatcher, nil
}
