package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver, used for migrations only
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// PoolConfig mirrors a typical DBConfig shape, trimmed to the single
// PostgreSQL driver Duron targets — SKIP LOCKED correctness is
// Postgres-specific, so a SQLite branch would serve no purpose here.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// SkipMigration leaves the schema untouched, for processes that start
	// with migration disabled because another process instance already
	// owns migration duty.
	SkipMigration bool
}

// Open optionally runs pending goose migrations against dsn using a
// short-lived database/sql connection (pgx/v5/stdlib driver), then returns
// a runtime pgxpool.Pool for query execution: migrations need
// database/sql's driver registry, while steady-state queries want
// pgxpool's native protocol and connection pooling.
func Open(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if !cfg.SkipMigration {
		if err := MigrateUp(cfg.DSN); err != nil {
			return nil, fmt.Errorf("duron: migrate: %w", err)
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("duron: parse pool config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("duron: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("duron: ping pool: %w", err)
	}
	return pool, nil
}

// MigrateUp applies every pending goose migration to dsn. Exported so a
// process started with PoolConfig.SkipMigration=true can still be pointed
// at a pre-migrated database prepared by a separate operational step.
func MigrateUp(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	goose.SetBaseFS(embedMigrations)

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
