package store

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/npezzotti/softtalk/internal/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// Set SOFTTALK_TEST_REDIS_ADDR (e.g. localhost:6379) to run against a real
// Redis. The tests use logical database 15 and flush it before every subtest.
func TestRedisStore_Integration(t *testing.T) {
	addr := os.Getenv("SOFTTALK_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SOFTTALK_TEST_REDIS_ADDR not set")
	}

	runStoreSuite(t, func(t *testing.T, historyCap int) Store {
		ctx := context.Background()
		logger := testutil.TestLogger(t)

		s, err := NewRedisStore(ctx, logger, RedisOptions{Addr: addr, DB: 15, HistoryCap: historyCap})
		require.NoError(t, err)
		require.NoError(t, s.rdb.FlushDB(ctx).Err())
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestRedisLogHook_Integration(t *testing.T) {
	addr := os.Getenv("SOFTTALK_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SOFTTALK_TEST_REDIS_ADDR not set")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	defer rdb.Close()
	rdb.AddHook(NewRedisLogHook(testutil.TestLogger(t)))

	err := rdb.Get(context.Background(), "missing:"+uuid.NewString()).Err()
	require.ErrorIs(t, err, redis.Nil, "expected the hook to pass redis.Nil through untouched")
}
