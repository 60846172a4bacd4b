package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tordnsd/pkg/api"
	"tordnsd/pkg/config"
	"tordnsd/pkg/dns"
	"tordnsd/pkg/logging"
	"tordnsd/pkg/ratelimit"
	"tordnsd/pkg/storage"
	"tordnsd/pkg/telemetry"
)

// run wires every component from the configuration and serves until
// SIGINT/SIGTERM. SIGHUP reloads the configuration; SIGUSR1 clears the cache.
func run(ctx context.Context, f *rootFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Sources that fail to load are skipped with an error line, written by a
	// bootstrap logger until the configured one exists.
	bootstrap := logging.NewWithWriter(os.Stderr, &config.LoggingConfig{
		Level:  bootstrapLevel(f),
		Format: "text",
	})
	watcher, err := config.NewWatcher(f.sources(), bootstrap.Logger)
	if err != nil {
		return fmt.Errorf("failed to watch config: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	cfg := watcher.Config()
	if err := applyVerbosity(cfg, f); err != nil {
		return err
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logging.SetGlobal(logger)
	watcher.SetLogger(logger.Logger)

	logger.Info("tordnsd starting",
		"version", version,
		"build_time", buildTime,
		"config", f.configPaths,
		"overrides", len(f.overrides),
	)

	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	metrics, err := telem.InitMetrics()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	store, err := storage.New(&cfg.Storage, metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize query log: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Error closing query log", "error", err)
		}
	}()

	snap, err := dns.BuildSnapshot(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build configuration: %w", err)
	}

	handler := dns.NewHandler(snap, logger)
	handler.SetStorage(store)
	handler.SetMetrics(metrics)
	handler.SetTracer(telem.Tracer())

	limiter := ratelimit.NewManager(&cfg.RateLimit, logger)
	defer limiter.Stop()
	handler.SetRateLimiter(limiter)
	if limiter != nil {
		if err := telem.ObserveTrackedClients(limiter.Tracked); err != nil {
			logger.Warn("Rate limit metrics unavailable", "error", err)
		}
	}

	if err := telem.ObserveCache(handler.Cache()); err != nil {
		logger.Warn("Cache metrics unavailable", "error", err)
	}

	watcher.OnChange(func(newCfg *config.Config) {
		_ = applyVerbosity(newCfg, f)
		next, err := dns.BuildSnapshot(newCfg, logger)
		if err != nil {
			logger.Error("Reloaded configuration rejected, keeping previous snapshot", "error", err)
			return
		}
		handler.RefreshConfiguration(next)
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, 3)

	go func() {
		if err := watcher.Start(runCtx); err != nil {
			logger.Error("Config watcher stopped", "error", err)
		}
	}()

	server := dns.NewServer(&cfg.Server, handler, logger)
	go func() {
		if err := server.Start(runCtx); err != nil {
			errChan <- fmt.Errorf("dns server: %w", err)
		}
	}()

	if cfg.API.Enabled {
		apiServer := api.New(&api.Config{
			ListenAddress: cfg.API.ListenAddress,
			Storage:       store,
			DNS:           handler,
			Metrics:       telem.MetricsHandler(),
			Logger:        logger.Logger,
			Version:       version,
		})
		go func() {
			if err := apiServer.Start(runCtx); err != nil {
				errChan <- fmt.Errorf("api server: %w", err)
			}
		}()
	}

	logger.Info("tordnsd is running",
		"address", cfg.Server.ListenAddress,
		"direct", cfg.Direct.Servers,
		"tunnel", cfg.Tunnel.Enabled,
		"socks", cfg.Tunnel.SocksAddress,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(sigChan)

	var runErr error
loop:
	for {
		select {
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("Reloading configuration", "signal", sig.String())
				_ = watcher.Reload()
			case syscall.SIGUSR1:
				logger.Info("Clearing cache", "signal", sig.String())
				handler.ClearCache()
			default:
				logger.Info("Received shutdown signal", "signal", sig.String())
				break loop
			}
		case err := <-errChan:
			logger.Error("Server error", "error", err)
			runErr = err
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", "error", err)
	}
	if err := telem.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Error during telemetry shutdown", "error", err)
	}

	logger.Info("tordnsd stopped")
	return runErr
}

func bootstrapLevel(f *rootFlags) string {
	switch {
	case f.verbose:
		return "debug"
	case f.quiet:
		return "error"
	}
	return "info"
}
