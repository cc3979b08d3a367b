package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/aurorastudio/imageforge/pkg/logging"
)

// NewTestStore starts a disposable Postgres container, applies migrations
// against it, and returns a connected Store. Callers should defer the
// returned cleanup function.
func NewTestStore(t *testing.T, ctx context.Context) (*Store, func()) {
	t.Helper()

	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("imageforge_test"),
		tcpostgres.WithUsername("test_user"),
		tcpostgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	store, err := New(ctx, &Config{
		ConnectionString: connStr,
		MaxConnections:   5,
		ConnectTimeout:   30 * time.Second,
		MigrationsPath:   "file://../../../migrations",
	}, logging.New(&logging.Config{Level: logging.ErrorLevel}))
	if err != nil {
		t.Fatalf("connect to test database: %v", err)
	}

	if err := store.MigrateToLatest(ctx); err != nil {
		store.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	cleanup := func() {
		store.Close()
		if err := container.Terminate(ctx); err != nil {
			fmt.Printf("warning: failed to terminate postgres container: %v\n", err)
		}
	}

	return store, cleanup
}

// TruncateAll clears every table, used between test cases that share a
// container.
func TruncateAll(ctx context.Context, s *Store) error {
	const query = `TRUNCATE job, task, image, image_variant, image_tag, image_description, image_embedding, image_color CASCADE`
	_, err := s.pool.Exec(ctx, query)
	return err
}
