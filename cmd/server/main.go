package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	duron "github.com/duron-io/duron"
	"github.com/duron-io/duron/internal/config"
	"github.com/duron-io/duron/internal/httpapi"
	"github.com/duron-io/duron/internal/notifier"
	"github.com/duron-io/duron/internal/store"
	"github.com/duron-io/duron/pkg/observability"
)

func main() {
	if err := run(); err != nil {
		// Use standard log here as slog might not be init if config fails,
		// or we can just print to stderr
		fmt.Fprintf(os.Stderr, "failed to run: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load Configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Create main application context that cancels on SIGTERM/SIGINT
	// This is the root context for all normal operations
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	serviceName := cfg.Observability.ServiceName
	if serviceName == "" {
		serviceName = "duron-server"
	}

	// Init Observability (Logger, Tracer, Meter)
	// Configuration via OTEL_* env vars (endpoint, headers, resource attributes)
	lp, logger, err := observability.InitLogger(ctx, serviceName, cfg.Observability.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer func() {
		// Use a timeout to prevent hanging if collector is unreachable
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown logger provider", "error", err)
		}
	}()
	// Set generic logger as default for now
	slog.SetDefault(logger)

	tp, err := observability.InitTracerProvider(ctx, serviceName, cfg.Observability.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to init tracer provider: %w", err)
	}
	defer func() {
		// Use a timeout to prevent hanging if collector is unreachable
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown tracer provider", "error", err)
		}
	}()

	mp, err := observability.InitMeterProvider(ctx, serviceName, cfg.Observability.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to init meter provider: %w", err)
	}
	defer func() {
		// Use a timeout to prevent hanging if collector is unreachable
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown meter provider", "error", err)
		}
	}()

	slog.InfoContext(ctx, "starting duron server", "env", cfg.Server.Env)

	// Init Storage. The server is a query/enqueue façade, not a worker: it
	// never registers actions, so it always expects the schema to already
	// be migrated by a worker process and never races one on startup.
	pool, err := store.Open(ctx, store.PoolConfig{
		DSN:             cfg.Database.DSN,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		SkipMigration:   true,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer pool.Close()

	slog.InfoContext(ctx, "storage initialized", "dsn", maskPassword(cfg.Database.DSN))

	nf, err := notifier.New(ctx, pool)
	if err != nil {
		return fmt.Errorf("failed to open notifier: %w", err)
	}
	defer nf.Close()

	st := store.NewPostgresStore(pool, nf)
	defer st.Close()

	// The façade never runs actions itself; SyncDisabled keeps the Client a
	// pure query/enqueue surface over the shared store.
	client := duron.New(duron.Config{
		ID:          cfg.Client.ID,
		SyncPattern: duron.SyncDisabled,
		Logger:      logger,
	}, st, nf)

	server := httpapi.NewServer(client, cfg.Pagination.DefaultPageSize, cfg.Pagination.MaxPageSize)
	router := httpapi.NewRouter(server, httpapi.RouterConfig{MaxBodyBytes: cfg.Server.MaxBodyBytes})
	handler := otelhttp.NewHandler(router, serviceName)

	addr := ":" + cfg.Server.HTTPPort
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errResult := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "http server listening", "address", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errResult <- fmt.Errorf("failed to serve http: %w", err)
		}
	}()

	// Orchestrate graceful shutdown or handle fatal errors
	select {
	case <-ctx.Done():
		slog.InfoContext(ctx, "shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.WarnContext(shutdownCtx, "http server shutdown timed out, forcing close", "error", err)
			_ = httpServer.Close()
		}
		return nil
	case err := <-errResult:
		return err
	}
}

// maskPassword masks the password in a connection string for logging.
func maskPassword(connStr string) string {
	u, err := url.Parse(connStr)
	if err != nil {
		// If parsing fails, fall back to full redaction to be safe
		return "[REDACTED]"
	}
	// Check if there is a user info part
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			username := u.User.Username()
			u.User = url.UserPassword(username, "xxxxxx")
		}
	}
	return u.String()
}
