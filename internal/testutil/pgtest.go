// Package testutil provides a PostgreSQL database for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mbd888/milepay/migrations"
)

var container struct {
	once sync.Once
	url  string
	err  error
}

// PGTest returns a migrated database with an empty documents table. The
// connection is closed and the table emptied when the test ends.
//
// The database is POSTGRES_URL when set. Otherwise PGTEST_CONTAINER=1
// starts one throwaway postgres container per test binary. With neither,
// the test is skipped.
func PGTest(t *testing.T) *sql.DB {
	t.Helper()

	url := os.Getenv("POSTGRES_URL")
	if url == "" && os.Getenv("PGTEST_CONTAINER") == "1" {
		url = containerURL(t)
	}
	if url == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	ctx := context.Background()
	db, err := sql.Open("postgres", url)
	if err != nil {
		t.Fatalf("pgtest: open: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: ping: %v", err)
	}
	if _, err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: migrate: %v", err)
	}

	t.Cleanup(func() {
		if _, err := db.ExecContext(context.Background(), "TRUNCATE documents"); err != nil {
			t.Logf("pgtest: truncate: %v", err)
		}
		_ = db.Close()
	})
	return db
}

func containerURL(t *testing.T) string {
	t.Helper()
	container.once.Do(func() {
		ctx := context.Background()
		c, err := tcpostgres.Run(ctx, "postgres:16-alpine",
			tcpostgres.WithDatabase("milepay_test"),
			tcpostgres.WithUsername("milepay"),
			tcpostgres.WithPassword("milepay"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
				wait.ForListeningPort("5432/tcp"),
			),
		)
		if err != nil {
			container.err = err
			return
		}
		container.url, container.err = c.ConnectionString(ctx, "sslmode=disable")
	})
	if container.err != nil {
		t.Skipf("pgtest: postgres container unavailable: %v", container.err)
	}
	return container.url
}
