// Package config loads process configuration from environment variables:
// a flat struct of env-tagged fields parsed by internal/env and validated
// via the Validator interface on nested structs.
package config

import (
	"fmt"
	"time"

	"github.com/duron-io/duron/internal/env"
)

// DatabaseConfig holds the PostgreSQL connection settings shared by
// cmd/server and cmd/worker, mirroring store.PoolConfig's shape at the
// env-var boundary.
type DatabaseConfig struct {
	DSN             string        `env:"DURON_DATABASE_URL"`
	MaxConns        int32         `env:"DURON_DB_MAX_CONNS"`
	MinConns        int32         `env:"DURON_DB_MIN_CONNS"`
	MaxConnLifetime time.Duration `env:"DURON_DB_MAX_CONN_LIFETIME"`
	MaxConnIdleTime time.Duration `env:"DURON_DB_MAX_CONN_IDLE_TIME"`
}

func (c *DatabaseConfig) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("DURON_DATABASE_URL is required")
	}
	return nil
}

// ClientConfig mirrors duron.Config at the env-var boundary. Zero values
// are filled by duron.Config.withDefaults, so every field here is
// optional.
//
// DisableMigrateOnStart and DisableRecoverJobsOnStart are spelled as
// opt-outs, not opt-ins: internal/env.Load leaves unset bool fields at
// their zero value (false), so the zero value here has to mean "run
// migration/recovery", which is the behavior every worker wants by
// default.
type ClientConfig struct {
	ID                        string        `env:"DURON_CLIENT_ID"`
	SyncPattern               string        `env:"DURON_SYNC_PATTERN"`
	PullInterval              time.Duration `env:"DURON_PULL_INTERVAL"`
	BatchSize                 int           `env:"DURON_BATCH_SIZE"`
	ActionConcurrencyLimit    int           `env:"DURON_ACTION_CONCURRENCY_LIMIT"`
	GroupConcurrencyLimit     int           `env:"DURON_GROUP_CONCURRENCY_LIMIT"`
	DisableMigrateOnStart     bool          `env:"DURON_DISABLE_MIGRATE_ON_START"`
	DisableRecoverJobsOnStart bool          `env:"DURON_DISABLE_RECOVER_JOBS_ON_START"`
	MultiProcessMode          bool          `env:"DURON_MULTI_PROCESS_MODE"`
	ProcessTimeout            time.Duration `env:"DURON_PROCESS_TIMEOUT"`
}

// MigrateOnStart reports whether this process should apply pending schema
// migrations before opening its pool.
func (c ClientConfig) MigrateOnStart() bool { return !c.DisableMigrateOnStart }

// RecoverJobsOnStart reports whether this process should run crash
// recovery against orphaned jobs/steps before starting its sync loops.
func (c ClientConfig) RecoverJobsOnStart() bool { return !c.DisableRecoverJobsOnStart }

// ObservabilityConfig holds logging/tracing/metrics configuration.
type ObservabilityConfig struct {
	ServiceName string `env:"DURON_SERVICE_NAME"`
	OTelEnabled bool   `env:"DURON_OTEL_ENABLED"`
}

// ServerConfig holds the HTTP façade's own settings.
type ServerConfig struct {
	HTTPPort     string `env:"DURON_HTTP_PORT"`
	Env          string `env:"DURON_ENV"`
	MaxBodyBytes int64  `env:"DURON_MAX_BODY_BYTES"`
}

func (c *ServerConfig) Validate() error {
	if c.HTTPPort == "" {
		c.HTTPPort = "8080"
	}
	if c.Env == "" {
		c.Env = "dev"
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	return nil
}

// Config is the top-level configuration shared by both binaries; Load
// fills every sub-struct, and each binary reads only the ones it needs.
type Config struct {
	Database      DatabaseConfig
	Client        ClientConfig
	Observability ObservabilityConfig
	Server        ServerConfig
	Pagination    PaginationConfig
}

// Load parses every DURON_* environment variable into a Config, validating
// the nested structs that implement env.Validator.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
