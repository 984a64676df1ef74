// Package config loads system configuration from the environment and job
// definitions from YAML files. Secrets are only ever read from the
// environment, never from YAML.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all process-level settings parsed from environment variables.
type Config struct {
	DatabentoAPIKey  string `env:"DATABENTO_API_KEY"`
	DatabentoBaseURL string `env:"DATABENTO_BASE_URL" envDefault:"https://hist.databento.com"`

	DBHost     string `env:"TIMESCALEDB_HOST" envDefault:"localhost"`
	DBPort     int    `env:"TIMESCALEDB_PORT" envDefault:"5432"`
	DBName     string `env:"TIMESCALEDB_DB" envDefault:"market_data"`
	DBUser     string `env:"TIMESCALEDB_USER" envDefault:"postgres"`
	DBPassword string `env:"TIMESCALEDB_PASSWORD"`
	DBSSLMode  string `env:"TIMESCALEDB_SSLMODE" envDefault:"disable"`

	DBMaxConns int `env:"DB_MAX_CONNS" envDefault:"8"`
	DBMinConns int `env:"DB_MIN_CONNS" envDefault:"1"`

	Retry      RetryConfig
	Validation ValidationConfig

	QuarantineDir           string        `env:"QUARANTINE_DIR" envDefault:"dlq"`
	QuarantineRetentionDays int           `env:"QUARANTINE_RETENTION_DAYS" envDefault:"30"`
	RequestsPerSecond       float64       `env:"DATABENTO_REQUESTS_PER_SECOND" envDefault:"5"`
	RequestTimeout          time.Duration `env:"DATABENTO_REQUEST_TIMEOUT" envDefault:"5m"`

	// JobWorkers > 1 opts into a fixed-size pool of concurrent jobs. Jobs
	// share nothing but the database pool and the quarantine sink.
	JobWorkers int `env:"JOB_WORKERS" envDefault:"1"`
}

// RetryConfig shapes the adapter's exponential backoff.
type RetryConfig struct {
	MaxAttempts       int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"5"`
	BaseDelay         time.Duration `env:"RETRY_BASE_DELAY" envDefault:"1s"`
	MaxDelay          time.Duration `env:"RETRY_MAX_DELAY" envDefault:"60s"`
	Multiplier        float64       `env:"RETRY_MULTIPLIER" envDefault:"2.0"`
	RetryOnStatus     []int         `env:"RETRY_ON_STATUS" envSeparator:"," envDefault:"429,500,502,503,504"`
	RespectRetryAfter bool          `env:"RETRY_RESPECT_RETRY_AFTER" envDefault:"true"`
}

// ValidationConfig controls the quarantine discipline.
type ValidationConfig struct {
	StrictMode        bool `env:"VALIDATION_STRICT_MODE" envDefault:"true"`
	QuarantineEnabled bool `env:"VALIDATION_QUARANTINE_ENABLED" envDefault:"true"`
	MaxErrorsPerBatch int  `env:"VALIDATION_MAX_ERRORS_PER_BATCH" envDefault:"100"`
}

// Load parses the environment. Configuration failures are fatal at load time;
// callers are expected to abort on error.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be >= 1")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("RETRY_MULTIPLIER must be >= 1")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry delays invalid: base=%s max=%s", c.Retry.BaseDelay, c.Retry.MaxDelay)
	}
	if c.Validation.MaxErrorsPerBatch < 0 {
		return fmt.Errorf("VALIDATION_MAX_ERRORS_PER_BATCH must be >= 0")
	}
	if c.JobWorkers < 1 {
		return fmt.Errorf("JOB_WORKERS must be >= 1")
	}
	if c.RequestsPerSecond <= 0 {
		return fmt.Errorf("DATABENTO_REQUESTS_PER_SECOND must be > 0")
	}
	return nil
}

// DatabaseURL builds the pgx connection string from the TIMESCALEDB_* parts.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.DBUser), url.QueryEscape(c.DBPassword),
		c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// RequireAPIKey returns an error when the vendor key is absent. Split out of
// validate so read-only commands (query, list-jobs) work without a key.
func (c *Config) RequireAPIKey() error {
	if c.DatabentoAPIKey == "" {
		return fmt.Errorf("DATABENTO_API_KEY not set")
	}
	return nil
}
