package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/get-consistently/go-consistently/postgres"
	"github.com/get-consistently/go-consistently/postgres/internal"
)

// connect returns a pool to a migrated database: the one addressed by
// DATABASE_URL if set, or a new disposable container otherwise.
func connect(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx := context.Background()

	dsn, ok := os.LookupEnv("DATABASE_URL")
	if !ok {
		container, err := internal.NewPostgresContainer(ctx)
		require.NoError(t, err)

		t.Cleanup(func() { _ = container.Terminate(context.Background()) })

		dsn = container.DSN
	}

	require.NoError(t, postgres.RunMigrations(dsn))
	// Migrations are idempotent.
	require.NoError(t, postgres.RunMigrations(dsn))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)

	t.Cleanup(pool.Close)

	return pool
}
