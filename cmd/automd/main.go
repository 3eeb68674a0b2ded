// automd runs the automation core as a standalone daemon: it polls the job
// store, dispatches due jobs by priority lane, and fires cron schedules.
// Applications embedding pkg/automation directly do not need this binary.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/atlasfit/automation/internal/logging"
	"github.com/atlasfit/automation/internal/store"
	"github.com/atlasfit/automation/pkg/automation"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "automd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	svc, err := automation.New(st, logger, automation.WithConfig(automation.Config{
		PollInterval:  time.Duration(cfg.PollIntervalSeconds) * time.Second,
		BatchSize:     cfg.BatchSize,
		NormalWorkers: cfg.NormalWorkers,
		JobTimeout:    time.Duration(cfg.JobTimeoutSeconds) * time.Second,
	}))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return err
	}
	logger.Info("automd running",
		slog.String("store_driver", cfg.StoreDriver),
		slog.String("log_level", cfg.LogLevel),
	)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return svc.Stop()
}

func newLogger(cfg Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var inner slog.Handler
	if cfg.LogFormat == "json" {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logging.NewCorrelationHandler(inner))
}

func openStore(cfg Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "libsql":
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return store.NewLibSQLStore(cfg.DBPath)
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("store_driver postgres requires database_url")
		}
		return store.NewPostgresStore(cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown store_driver %q", cfg.StoreDriver)
	}
}
