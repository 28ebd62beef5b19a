package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	Env  string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	Port string `env:"PORT" envDefault:"8080" validate:"required"`

	DatabaseURL string `env:"DATABASE_URL,required" validate:"required"`

	// WorkerName identifies this process in lastModifiedBy and notification
	// sources; defaults to hostname-pid when empty.
	WorkerName string `env:"WORKER_NAME"`

	ProcessEverySec    int `env:"PROCESS_EVERY_SEC" envDefault:"5" validate:"min=1,max=300"`
	DefaultConcurrency int `env:"DEFAULT_CONCURRENCY" envDefault:"5" validate:"min=1,max=100"`
	MaxConcurrency     int `env:"MAX_CONCURRENCY" envDefault:"20" validate:"min=1,max=500"`
	LockLimit          int `env:"LOCK_LIMIT" envDefault:"0" validate:"min=0"`
	LockLifetimeSec    int `env:"LOCK_LIFETIME_SEC" envDefault:"600" validate:"min=1"`

	// Notifications enables the Postgres LISTEN/NOTIFY wake-up channel.
	Notifications bool `env:"NOTIFICATIONS" envDefault:"true"`

	ShutdownTimeoutSec int `env:"SHUTDOWN_TIMEOUT_SEC" envDefault:"30" validate:"min=1"`

	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"required,oneof=debug info warn error"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (c *Config) ProcessEvery() time.Duration {
	return time.Duration(c.ProcessEverySec) * time.Second
}

func (c *Config) LockLifetime() time.Duration {
	return time.Duration(c.LockLifetimeSec) * time.Second
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}

// SlogLevel converts the LOG_LEVEL string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
