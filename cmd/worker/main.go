// Command worker runs a Duron Client as a job-processing process: it
// registers the process's actions, opens the shared PostgreSQL store, and
// runs until SIGINT/SIGTERM, draining in-flight jobs on shutdown.
//
// Config load, observability bootstrap, and signal-driven graceful
// shutdown follow the same shape as the rest of this repository's
// command entrypoints.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	duron "github.com/duron-io/duron"
	"github.com/duron-io/duron/internal/config"
	"github.com/duron-io/duron/internal/notifier"
	"github.com/duron-io/duron/internal/store"
	"github.com/duron-io/duron/pkg/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	lp, logger, err := observability.InitLogger(ctx, serviceName(cfg), cfg.Observability.OTelEnabled)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer shutdownWithTimeout(lp.Shutdown)
	slog.SetDefault(logger)

	tp, err := observability.InitTracerProvider(ctx, serviceName(cfg), cfg.Observability.OTelEnabled)
	if err != nil {
		return fmt.Errorf("init tracer provider: %w", err)
	}
	defer shutdownWithTimeout(tp.Shutdown)

	pool, err := store.Open(ctx, store.PoolConfig{
		DSN:             cfg.Database.DSN,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		SkipMigration:   !cfg.Client.MigrateOnStart(),
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer pool.Close()

	nf, err := notifier.New(ctx, pool)
	if err != nil {
		return fmt.Errorf("open notifier: %w", err)
	}
	defer nf.Close()

	st := store.NewPostgresStore(pool, nf)
	defer st.Close()

	client := duron.New(duron.Config{
		ID:                     cfg.Client.ID,
		SyncPattern:            duron.SyncPattern(orDefault(cfg.Client.SyncPattern, string(duron.SyncHybrid))),
		PullInterval:           cfg.Client.PullInterval,
		BatchSize:              cfg.Client.BatchSize,
		ActionConcurrencyLimit: cfg.Client.ActionConcurrencyLimit,
		GroupConcurrencyLimit:  cfg.Client.GroupConcurrencyLimit,
		RecoverJobsOnStart:     cfg.Client.RecoverJobsOnStart(),
		MultiProcessMode:       cfg.Client.MultiProcessMode,
		ProcessTimeout:         cfg.Client.ProcessTimeout,
		Logger:                 logger,
	}, st, nf)

	registerActions(client)

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("start client: %w", err)
	}
	slog.InfoContext(ctx, "duron worker started", "clientId", cfg.Client.ID)

	<-ctx.Done()
	slog.InfoContext(ctx, "shutting down")
	client.Stop()
	return nil
}

func serviceName(cfg *config.Config) string {
	if cfg.Observability.ServiceName != "" {
		return cfg.Observability.ServiceName
	}
	return "duron-worker"
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func shutdownWithTimeout(fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		slog.ErrorContext(ctx, "shutdown failed", "error", err)
	}
}
