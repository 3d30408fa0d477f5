package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/softtalk/internal/api"
	"github.com/npezzotti/softtalk/internal/config"
	"github.com/npezzotti/softtalk/internal/server"
	"github.com/npezzotti/softtalk/internal/stats"
	"github.com/npezzotti/softtalk/internal/store"
)

const storeConnectTimeout = 10 * time.Second

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	envFile        string
	addr           string
	storeDriver    string
	logLevel       string
	allowedOrigins stringSliceFlag
)

func main() {
	flag.StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before the environment is read")
	flag.StringVar(&addr, "addr", "", "server address, overrides SOFTTALK_ADDR")
	flag.StringVar(&storeDriver, "store", "", "store backend (redis, badger, postgres), overrides SOFTTALK_STORE")
	flag.StringVar(&logLevel, "log-level", "", "log level, overrides SOFTTALK_LOG_LEVEL")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins, overrides SOFTTALK_ALLOWED_ORIGINS")
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "softtalk:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})).
		With("service", "softtalk")

	st, err := openStore(logger, cfg)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("store.close.fail", "err", err)
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(logger, mux)

	chatServer, err := server.NewChatServer(logger, st, statsUpdater, server.Options{
		SigningKey: cfg.SigningKey,
		RateEvents: cfg.RateEvents,
		RateWindow: cfg.RateWindow,
	})
	if err != nil {
		return fmt.Errorf("new chat server: %w", err)
	}

	srv := api.NewServer(logger, mux, chatServer, st, cfg)

	statsUpdater.Run()

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("signal.received", "signal", sig.String())
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api.serve.fail", "err", err)
		}
	}

	shutDownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Error("api.shutdown.fail", "err", err)
	}

	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		return fmt.Errorf("chat server shutdown: %w", err)
	}
	statsUpdater.Stop()

	logger.Info("shutdown.complete")
	return nil
}

func applyFlags(cfg *config.Config) {
	if addr != "" {
		cfg.ServerAddr = addr
	}
	if storeDriver != "" {
		cfg.Store = storeDriver
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if len(allowedOrigins) > 0 {
		cfg.AllowedOrigins = allowedOrigins
	}
}

func openStore(logger *slog.Logger, cfg *config.Config) (store.Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeConnectTimeout)
	defer cancel()

	logger = logger.With("store", cfg.Store)
	switch cfg.Store {
	case config.StoreRedis:
		return store.NewRedisStore(ctx, logger, store.RedisOptions{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			DB:         cfg.RedisDB,
			HistoryCap: cfg.HistoryCap,
		})
	case config.StoreBadger:
		return store.OpenBadgerStore(logger, store.BadgerOptions{
			Path:       cfg.BadgerPath,
			HistoryCap: cfg.HistoryCap,
		})
	case config.StorePostgres:
		if err := store.Migrate(cfg.PostgresDSN); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return store.NewPostgresStore(ctx, logger, cfg.PostgresDSN, cfg.HistoryCap)
	}

	return nil, fmt.Errorf("unknown store %q", cfg.Store)
}
