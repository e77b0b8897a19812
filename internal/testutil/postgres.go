package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	pgstore "github.com/verba0/verba/internal/store/postgres"
)

// TestDB wraps a PostgreSQL test container with a migrated connection pool.
type TestDB struct {
	Container *tcpostgres.PostgresContainer
	Pool      *pgxpool.Pool
	ConnStr   string
}

// SetupPostgres starts a pgvector-enabled PostgreSQL container, applies the
// store migrations and returns a connection pool with vector types
// registered. The test is skipped when no container runtime is available.
//
// Cleanup is registered on t; callers do not terminate the container
// themselves.
func SetupPostgres(t *testing.T) *TestDB {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx := context.Background()

	// testcontainers-go panics (rather than returning an error) when no
	// Docker host can be detected; convert that into the documented skip.
	container, err := func() (c *tcpostgres.PostgresContainer, err error) {
		defer func() {
			if r := recover(); r != nil {
				t.Skipf("could not start postgres container (docker unavailable?): %v", r)
			}
		}()
		return tcpostgres.Run(ctx,
			"pgvector/pgvector:pg16",
			tcpostgres.WithDatabase("verba_test"),
			tcpostgres.WithUsername("verba_test"),
			tcpostgres.WithPassword("test_password"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
	}()
	if err != nil {
		t.Skipf("could not start postgres container (docker unavailable?): %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	if err := pgstore.Migrate(connStr); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		t.Fatalf("failed to parse connection string: %v", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to create connection pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}

	return &TestDB{Container: container, Pool: pool, ConnStr: connStr}
}
