// Package main runs the jobsync daemon: it loads every stored schedule,
// keeps timers in step with change notifications, and triggers jobs.
package main

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net/http"
	_ "net/http/pprof" // #nosec G108 - pprof is intentionally exposed for debugging, isolated to separate port
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/muaviaUsmani/jobsync/internal/api"
	"github.com/muaviaUsmani/jobsync/internal/config"
	"github.com/muaviaUsmani/jobsync/internal/logger"
	"github.com/muaviaUsmani/jobsync/internal/metrics"
	"github.com/muaviaUsmani/jobsync/internal/scheduler"
	"github.com/muaviaUsmani/jobsync/internal/store"
	"github.com/muaviaUsmani/jobsync/internal/trigger"
)

// connectWithRetry attempts to connect to Redis with exponential backoff
func connectWithRetry(cfg *config.Config, maxRetries int, log logger.Logger) (*store.RedisStore, error) {
	var s *store.RedisStore
	var err error

	for attempt := 0; attempt < maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s, err = store.NewRedisStore(ctx, cfg.RedisURL,
			store.WithKeyPrefix(cfg.RedisKeyPrefix),
			store.WithFormat(cfg.RecordFormat),
			store.WithLogger(log.WithComponent(logger.ComponentStore)))
		cancel()
		if err == nil {
			return s, nil
		}

		// Calculate exponential backoff delay: 2^attempt seconds (max 30 seconds)
		delay := time.Duration(1<<uint(attempt)) * time.Second
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}

		log.Warn("Failed to connect to Redis, retrying",
			"attempt", attempt+1,
			"max_attempts", maxRetries,
			"error", err,
			"retry_in", delay)

		time.Sleep(delay)
	}

	return nil, fmt.Errorf("failed to connect to Redis after %d attempts: %w", maxRetries, err)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "jobsync: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err := log.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to close logger: %v\n", err)
		}
	}()
	logger.SetDefault(log)

	mainLog := log.WithComponent(logger.ComponentScheduler).WithSource(logger.LogSourceInternal)
	mainLog.Info("jobsync starting",
		"redis_url", cfg.RedisURL,
		"server_url", cfg.ServerURL,
		"app_id", cfg.ApplicationID,
		"dispatch_concurrency", cfg.DispatchConcurrency,
		"fire_dedup", cfg.FireDedupEnabled,
		"resync_interval", cfg.ResyncInterval)

	startPprof(mainLog)

	st, err := connectWithRetry(cfg, 5, mainLog)
	if err != nil {
		return err
	}
	defer st.Close()
	mainLog.Info("Successfully connected to Redis")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := metrics.Default()

	pool := trigger.NewPool(cfg.DispatchConcurrency, cfg.DispatchQueueSize, log)
	// Not tied to ctx so queued triggers still drain on shutdown.
	pool.Start(context.Background())

	invoker := trigger.NewInvoker(trigger.Config{
		ServerURL:     cfg.ServerURL,
		ApplicationID: cfg.ApplicationID,
		MasterKey:     cfg.MasterKey,
		Timeout:       cfg.DispatchTimeout,
	}, pool, log, trigger.WithMetrics(collector), trigger.WithStateRecorder(st))

	opts := []scheduler.Option{scheduler.WithMetrics(collector), scheduler.WithFireHistory(st)}
	if cfg.FireDedupEnabled {
		opts = append(opts, scheduler.WithFireGuard(
			scheduler.NewFireGuard(st.Client(), cfg.RedisKeyPrefix, cfg.FireLockTTL)))
	}
	// Only the configured identity has credentials to trigger with.
	bind := func(appID string) (scheduler.Store, scheduler.Dispatcher, error) {
		if appID != cfg.ApplicationID {
			return nil, nil, fmt.Errorf("no credentials configured for application %q", appID)
		}
		return st, invoker, nil
	}
	factory := scheduler.NewFactory(bind, log, opts...)

	reconciler, err := factory.Get(cfg.ApplicationID)
	if err != nil {
		return err
	}

	// Subscribe before the initial resync so no change falls in between.
	watcher := store.NewWatcher(st.Client(), cfg.RedisKeyPrefix, log.WithComponent(logger.ComponentStore))
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- watcher.Run(ctx, reconciler)
	}()
	select {
	case <-watcher.Ready():
	case err := <-watchErr:
		return fmt.Errorf("failed to watch schedule changes: %w", err)
	}

	if _, err := reconciler.ResyncAll(ctx); err != nil {
		// The watcher and periodic resync can still recover
		mainLog.Error("Initial resync failed", "error", err)
	}

	if cfg.ResyncInterval > 0 {
		go periodicResync(ctx, reconciler, cfg.ResyncInterval, mainLog)
	}

	apiLog := log.WithComponent(logger.ComponentAPI).WithSource(logger.LogSourceInternal)
	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           api.NewServer(reconciler, st, collector, log).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          stdlog.New(logger.NewWriter(apiLog, logger.LevelError), "", 0),
	}
	serverErr := make(chan error, 1)
	go func() {
		apiLog.Info("API server listening", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		mainLog.Info("Received shutdown signal, initiating graceful shutdown", "signal", sig)
	case err := <-serverErr:
		mainLog.Error("API server failed", "error", err)
	case err := <-watchErr:
		if err != nil {
			mainLog.Error("Schedule watcher stopped", "error", err)
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		mainLog.Warn("API server shutdown error", "error", err)
	}
	if err := factory.Close(shutdownCtx); err != nil {
		mainLog.Warn("Timers did not stop in time", "error", err)
	}
	if err := pool.Stop(shutdownCtx); err != nil {
		mainLog.Warn("Dispatch pool did not drain in time", "error", err)
	}

	mainLog.Info("jobsync shut down successfully")
	return nil
}

// periodicResync rebuilds the registry on a fixed interval to pick up
// changes whose notifications were missed
func periodicResync(ctx context.Context, r *scheduler.Reconciler, interval time.Duration, log logger.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ResyncAll(ctx); err != nil {
				log.Error("Periodic resync failed", "error", err)
			}
		}
	}
}

// startPprof serves profiling endpoints on a separate port
func startPprof(log logger.Logger) {
	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6062"
	}
	go func() {
		log.Info("Starting pprof server", "port", pprofPort, "url", fmt.Sprintf("http://localhost:%s/debug/pprof/", pprofPort))
		pprofServer := &http.Server{
			Addr:              ":" + pprofPort,
			ReadHeaderTimeout: 5 * time.Second,
		}
		if err := pprofServer.ListenAndServe(); err != nil {
			log.Error("pprof server failed", "error", err)
		}
	}()
}
