// Package cli provides the process bootstrap shared by cmd/fechamento and
// cmd/fechamento-worker.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fechamento/internal/backend"
	"fechamento/internal/cache"
	"fechamento/internal/closing"
	"fechamento/internal/config"
	"fechamento/internal/core"
	"fechamento/internal/log"

	"github.com/joho/godotenv"
)

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// SetupLogger builds the process logger from cfg and installs it as the
// slog default. An unparsable level falls back to info; Validate reports it.
func SetupLogger(cfg *config.Config, component string) *log.Logger {
	lc := log.DefaultConfig()
	if lvl, err := cfg.Level(); err == nil {
		lc.Level = lvl
	}
	lc.Format = cfg.LogFormat
	lc.Component = component

	logger := log.New(lc)
	log.SetDefault(logger)
	return logger
}

// LoadAndValidateConfig loads configuration and validates it.
// Returns the config or exits the process on validation failure.
func LoadAndValidateConfig(component string) (*config.Config, *log.Logger) {
	cfg := config.Load()
	logger := SetupLogger(cfg, component)
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}
	return cfg, logger
}

// OpenBackend creates the configured backend or exits the process.
func OpenBackend(ctx context.Context, logger *log.Logger, cfg *config.Config) *backend.BackendResult {
	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", log.FieldError, err)
		os.Exit(1)
	}
	res, err := backend.NewFactory(logger.WithComponent(log.ComponentBackend).Logger).CreateBackend(ctx, bcfg)
	if err != nil {
		logger.Error("Failed to initialize backend", log.FieldBackend, bcfg.Type, log.FieldError, err)
		os.Exit(1)
	}
	return res
}

// NewClosingService wraps the store in the cached report service sized by
// cfg. The manager sweeps the service's expired entries when run.
func NewClosingService(store closing.SnapshotLoader, cfg *config.Config) (*closing.Service, *cache.Manager) {
	svc, lru := closing.NewCachedService(store, cfg.ReportCacheSize, cfg.ReportCacheTTL)
	return svc, cache.NewManager(lru)
}

// Today returns a clock reading the current date in the configured zone.
func Today(cfg *config.Config) func() core.Date {
	loc := cfg.Location()
	return func() core.Date {
		return core.DateOf(time.Now(), loc)
	}
}

// GracefulShutdown sets up signal handling for graceful shutdown.
// Returns a context that will be cancelled on shutdown signals,
// and a channel that signals when shutdown is complete.
func GracefulShutdown(logger *log.Logger, timeout time.Duration, cleanup func()) (context.Context, <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())

		cancel()

		finished := make(chan struct{})
		go func() {
			if cleanup != nil {
				cleanup()
			}
			close(finished)
		}()

		select {
		case <-finished:
			logger.Info("Shutdown complete")
		case <-time.After(timeout):
			logger.Warn("Shutdown timeout reached")
		}
		close(done)
	}()

	return ctx, done
}

// WaitForShutdown blocks until the context is cancelled.
func WaitForShutdown(ctx context.Context, done <-chan struct{}) {
	<-ctx.Done()
	<-done
}
