// Package config loads process configuration from the environment.
//
// A .env file in the working directory is loaded first when present;
// variables already set in the environment win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// DLQ backends
const (
	DLQPostgres = "postgres"
	DLQRedis    = "redis"
)

// Config is the configuration shared by the relay, worker and eventctl.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	Stream StreamConfig
	Relay  RelayConfig
	Worker WorkerConfig

	DLQBackend  string `env:"DLQ_BACKEND" envDefault:"postgres"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	SentryDSN   string `env:"SENTRY_DSN"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	Release     string `env:"RELEASE"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// StreamConfig configures the Redis stream.
type StreamConfig struct {
	Name   string `env:"STREAM_NAME" envDefault:"events:materials"`
	MaxLen int64  `env:"STREAM_MAX_LEN" envDefault:"100000"`
	Codec  string `env:"STREAM_CODEC" envDefault:"json"`
}

// RelayConfig configures the outbox relay.
type RelayConfig struct {
	BatchSize        int           `env:"RELAY_BATCH_SIZE" envDefault:"100"`
	PollInterval     time.Duration `env:"RELAY_POLL_INTERVAL" envDefault:"1s"`
	PollIntervalBusy time.Duration `env:"RELAY_POLL_INTERVAL_BUSY" envDefault:"100ms"`
	ErrorInterval    time.Duration `env:"RELAY_ERROR_INTERVAL" envDefault:"5s"`
}

// WorkerConfig configures consumer workers.
type WorkerConfig struct {
	Groups        []string      `env:"WORKER_GROUPS" envDefault:"stock,sales,delivery,whatsapp-notifier,whatsapp-sender" envSeparator:","`
	Consumer      string        `env:"WORKER_CONSUMER"`
	BatchSize     int           `env:"WORKER_BATCH_SIZE" envDefault:"10"`
	Block         time.Duration `env:"WORKER_BLOCK" envDefault:"5s"`
	Concurrency   int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
	MaxRetries    int           `env:"WORKER_MAX_RETRIES" envDefault:"5"`
	BackoffBase   time.Duration `env:"WORKER_BACKOFF_BASE" envDefault:"500ms"`
	BackoffMax    time.Duration `env:"WORKER_BACKOFF_MAX" envDefault:"30s"`
	ClaimInterval time.Duration `env:"WORKER_CLAIM_INTERVAL" envDefault:"60s"`
	ClaimMinIdle  time.Duration `env:"WORKER_CLAIM_MIN_IDLE" envDefault:"60s"`
	RateLimit     float64       `env:"WORKER_RATE_LIMIT" envDefault:"0"`
}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return Parse()
}

// Parse reads the environment only.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values the environment parser cannot.
func (c *Config) Validate() error {
	var errs []error
	switch c.DLQBackend {
	case DLQPostgres, DLQRedis:
	default:
		errs = append(errs, fmt.Errorf("DLQ_BACKEND: unknown backend %q", c.DLQBackend))
	}
	switch c.Stream.Codec {
	case "json", "msgpack":
	default:
		errs = append(errs, fmt.Errorf("STREAM_CODEC: unknown codec %q", c.Stream.Codec))
	}
	groups := c.Worker.Groups[:0]
	for _, g := range c.Worker.Groups {
		if g = strings.TrimSpace(g); g != "" {
			groups = append(groups, g)
		}
	}
	c.Worker.Groups = groups
	if c.Worker.MaxRetries < 0 {
		errs = append(errs, errors.New("WORKER_MAX_RETRIES must not be negative"))
	}
	return errors.Join(errs...)
}

// RequireDatabase reports a missing DATABASE_URL.
func (c *Config) RequireDatabase() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("DATABASE_URL is required")
	}
	return nil
}
