package testutil

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"consultwatch/pkg/migrations"
)

// OpenDB returns an in-memory sqlite database with schema applied, it is
// closed when the test ends.
func OpenDB(t testing.TB, schema string) *sql.DB {
	t.Helper()

	database, err := migrations.OpenDB(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })

	err = migrations.Migrate(context.Background(), database, schema)
	if err != nil {
		t.Fatal(err)
	}
	return database
}

// Context returns a context that is cancelled after timeout or when the
// test ends.
func Context(t testing.TB, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}
