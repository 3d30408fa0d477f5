package store

import (
	"context"
	"os"
	"testing"

	"github.com/npezzotti/softtalk/internal/testutil"
	"github.com/stretchr/testify/require"
)

// Set SOFTTALK_TEST_POSTGRES_DSN to run against a disposable database. All
// tables are truncated before every subtest.
func TestPostgresStore_Integration(t *testing.T) {
	dsn := os.Getenv("SOFTTALK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SOFTTALK_TEST_POSTGRES_DSN not set")
	}

	require.NoError(t, Migrate(dsn), "expected migrations to apply")
	require.NoError(t, Migrate(dsn), "expected migrations to be idempotent")

	runStoreSuite(t, func(t *testing.T, historyCap int) Store {
		ctx := context.Background()

		s, err := NewPostgresStore(ctx, testutil.TestLogger(t), dsn, historyCap)
		require.NoError(t, err)
		_, err = s.conn.ExecContext(ctx, "TRUNCATE profiles, messages, memberships")
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
