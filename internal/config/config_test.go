package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		ServerAddr: ":3000",
		Store:      StoreRedis,
		RedisAddr:  "localhost:6379",
		BadgerPath: "data/badger",
		HistoryCap: 100,
		LogLevel:   "info",
	}
}

func TestValidate(t *testing.T) {
	tcases := []struct {
		name   string
		mutate func(c *Config)
		err    bool
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "empty address", mutate: func(c *Config) { c.ServerAddr = "" }, err: true},
		{name: "unknown store", mutate: func(c *Config) { c.Store = "mongo" }, err: true},
		{name: "redis without address", mutate: func(c *Config) { c.RedisAddr = "" }, err: true},
		{name: "badger", mutate: func(c *Config) { c.Store = StoreBadger }},
		{name: "badger without path", mutate: func(c *Config) { c.Store = StoreBadger; c.BadgerPath = "" }, err: true},
		{name: "postgres", mutate: func(c *Config) { c.Store = StorePostgres; c.PostgresDSN = "postgres://localhost/softtalk" }},
		{name: "postgres without DSN", mutate: func(c *Config) { c.Store = StorePostgres }, err: true},
		{name: "history cap too small", mutate: func(c *Config) { c.HistoryCap = 0 }, err: true},
		{name: "history cap too large", mutate: func(c *Config) { c.HistoryCap = 1001 }, err: true},
		{name: "history cap upper bound", mutate: func(c *Config) { c.HistoryCap = 1000 }},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "loud" }, err: true},
		{name: "bad signing secret", mutate: func(c *Config) { c.SigningSecret = "not base64!" }, err: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)

			err := cfg.Validate()
			if tc.err {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidate_DecodesSigningKey(t *testing.T) {
	cfg := validConfig()
	cfg.SigningSecret = "c29tZV9zZWNyZXQ="

	require.NoError(t, cfg.Validate())
	assert.Equal(t, []byte("some_secret"), cfg.SigningKey)

	cfg.SigningSecret = ""
	require.NoError(t, cfg.Validate())
	assert.Nil(t, cfg.SigningKey, "expected no key when the secret is unset")
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":3000", cfg.ServerAddr)
	assert.Equal(t, StoreRedis, cfg.Store)
	assert.Equal(t, 100, cfg.HistoryCap)
	assert.Equal(t, 20, cfg.RateEvents)
	assert.Equal(t, 5*time.Second, cfg.RateWindow)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("SOFTTALK_ADDR", ":9000")
	t.Setenv("SOFTTALK_STORE", "badger")
	t.Setenv("SOFTTALK_HISTORY_CAP", "50")
	t.Setenv("SOFTTALK_ALLOWED_ORIGINS", "http://a.test,http://b.test")
	t.Setenv("SOFTTALK_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ServerAddr)
	assert.Equal(t, StoreBadger, cfg.Store)
	assert.Equal(t, 50, cfg.HistoryCap)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.AllowedOrigins)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("SOFTTALK_REDIS_ADDR=redis.test:6379\nSOFTTALK_REDIS_DB=3\n"), 0o600))
	// godotenv sets variables in the process environment
	t.Setenv("SOFTTALK_REDIS_ADDR", "")
	t.Setenv("SOFTTALK_REDIS_DB", "")
	os.Unsetenv("SOFTTALK_REDIS_ADDR")
	os.Unsetenv("SOFTTALK_REDIS_DB")

	cfg, err := Load(envFile)
	require.NoError(t, err)
	assert.Equal(t, "redis.test:6379", cfg.RedisAddr)
	assert.Equal(t, 3, cfg.RedisDB)

	_, err = Load(filepath.Join(dir, "missing.env"))
	assert.NoError(t, err, "expected a missing env file to be ignored")
}

func TestLoad_InvalidValue(t *testing.T) {
	t.Setenv("SOFTTALK_HISTORY_CAP", "lots")

	_, err := Load("")
	assert.Error(t, err)
}
