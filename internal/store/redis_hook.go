package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

const slowCommandThreshold = 100 * time.Millisecond

// RedisLogHook logs failed and slow Redis commands.
type RedisLogHook struct {
	log *slog.Logger
}

func NewRedisLogHook(logger *slog.Logger) *RedisLogHook {
	return &RedisLogHook{log: logger}
}

func (h *RedisLogHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		start := time.Now()
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.log.ErrorContext(ctx, "redis.dial.fail",
				"addr", addr,
				"latency", time.Since(start),
				"err", err,
			)
		}
		return conn, err
	}
}

func (h *RedisLogHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmd)
		elapsed := time.Since(start)

		name := cmd.Name()
		args := "[PROTECTED]"
		if name != "auth" && name != "hello" {
			args = fmt.Sprint(cmd.Args())
		}

		switch {
		case err != nil && !errors.Is(err, redis.Nil):
			h.log.ErrorContext(ctx, "redis.command.fail", "command", name, "args", args, "latency", elapsed, "err", err)
		case elapsed > slowCommandThreshold:
			h.log.WarnContext(ctx, "redis.command.slow", "command", name, "args", args, "latency", elapsed)
		}
		return err
	}
}

func (h *RedisLogHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmds)
		elapsed := time.Since(start)

		switch {
		case err != nil && !errors.Is(err, redis.Nil):
			h.log.ErrorContext(ctx, "redis.pipeline.fail", "cmd_count", len(cmds), "latency", elapsed, "err", err)
		case elapsed > slowCommandThreshold:
			h.log.WarnContext(ctx, "redis.pipeline.slow", "cmd_count", len(cmds), "latency", elapsed)
		}
		return err
	}
}
