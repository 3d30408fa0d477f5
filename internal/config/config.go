// Package config loads server settings from SOFTTALK_* environment variables,
// optionally seeded from a .env file.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "softtalk"

const (
	StoreRedis    = "redis"
	StoreBadger   = "badger"
	StorePostgres = "postgres"

	maxHistoryCap = 1000
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	ServerAddr      string        `envconfig:"ADDR" default:":3000"`
	Store           string        `envconfig:"STORE" default:"redis"`
	RedisAddr       string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword   string        `envconfig:"REDIS_PASSWORD"`
	RedisDB         int           `envconfig:"REDIS_DB" default:"0"`
	BadgerPath      string        `envconfig:"BADGER_PATH" default:"data/badger"`
	PostgresDSN     string        `envconfig:"POSTGRES_DSN"`
	HistoryCap      int           `envconfig:"HISTORY_CAP" default:"100"`
	SigningSecret   string        `envconfig:"SIGNING_KEY"`
	AllowedOrigins  []string      `envconfig:"ALLOWED_ORIGINS"`
	StaticDir       string        `envconfig:"STATIC_DIR"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	RateEvents      int           `envconfig:"RATE_EVENTS" default:"20"`
	RateWindow      time.Duration `envconfig:"RATE_WINDOW" default:"5s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	// SigningKey is the decoded SigningSecret, set by Validate.
	SigningKey []byte `ignored:"true"`
}

// Load reads envFile, if it exists, into the environment without overriding
// variables already set, then fills a Config from the environment.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}

	return &cfg, nil
}

// Validate checks the settings and decodes the signing key.
func (c *Config) Validate() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("%w: server address cannot be empty", ErrInvalidConfig)
	}

	switch c.Store {
	case StoreRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("%w: redis address cannot be empty", ErrInvalidConfig)
		}
	case StoreBadger:
		if c.BadgerPath == "" {
			return fmt.Errorf("%w: badger path cannot be empty", ErrInvalidConfig)
		}
	case StorePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("%w: database DSN cannot be empty", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store %q", ErrInvalidConfig, c.Store)
	}

	if c.HistoryCap < 1 || c.HistoryCap > maxHistoryCap {
		return fmt.Errorf("%w: history cap must be between 1 and %d", ErrInvalidConfig, maxHistoryCap)
	}

	if _, err := parseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, err)
	}

	c.SigningKey = nil
	if c.SigningSecret != "" {
		key, err := base64.StdEncoding.DecodeString(c.SigningSecret)
		if err != nil {
			return fmt.Errorf("%w: decode signing secret: %s", ErrInvalidConfig, err)
		}
		c.SigningKey = key
	}

	return nil
}

// SlogLevel returns the configured log level, info if it cannot be parsed.
func (c *Config) SlogLevel() slog.Level {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q", s)
	}
	return level, nil
}
