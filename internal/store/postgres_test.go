package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgres starts a PostgreSQL container and returns a connected store.
// Tests are skipped when no container runtime is available.
func setupPostgres(t *testing.T) *PostgresStore {
	t.Helper()

	if testing.Short() || os.Getenv("SKIP_INTEGRATION") == "true" {
		t.Skip("skipping PostgreSQL integration tests")
	}
	// Run panics rather than erroring when no Docker daemon is reachable.
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("stormcloud_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Skipf("skipping: could not start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	s, err := NewPostgres(ctx, PostgresConfig{DSN: dsn, MaxConns: 5, MinConns: 1})
	if err != nil {
		t.Fatalf("NewPostgres() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresRepositoryContract(t *testing.T) {
	testRepositoryContract(t, setupPostgres(t))
}

func TestPostgresRecordTransformationRollsBackOnFailure(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()

	if err := s.CreateAccount(ctx, newTestAccount("pg-1", "pg-1@example.com")); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}

	injected := errors.New("injected failure")
	s.afterLedgerInsert = func() error { return injected }

	if err := s.RecordTransformation(ctx, newTestEntry("pg-entry-1", "pg-1")); !errors.Is(err, injected) {
		t.Fatalf("RecordTransformation() error = %v, want injected failure", err)
	}

	entries, err := s.ListLedgerEntries(ctx, "pg-1", 10)
	if err != nil {
		t.Fatalf("ListLedgerEntries() error = %v", err)
	}
	usage, err := s.GetUsage(ctx, "pg-1")
	if err != nil {
		t.Fatalf("GetUsage() error = %v", err)
	}
	if len(entries) != 0 || usage.AIRequestsUsed != 0 {
		t.Errorf("partial write: entries=%d ai_requests_used=%d", len(entries), usage.AIRequestsUsed)
	}
}
