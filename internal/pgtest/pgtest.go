// Package pgtest opens PostgreSQL databases for integration tests.
//
// Every call gets its own schema with the ledger migrations applied, so
// tests that claim or reap across all accounts do not see rows written by
// other packages running against the same server.
package pgtest

import (
	"context"
	"database/sql"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/creditledger/migrations"
)

// Open connects to TEST_DATABASE_URL inside a fresh schema, skipping the
// test when the variable is unset or the server is unreachable. The schema
// is dropped when the test ends.
func Open(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	admin, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = admin.Close() })
	if err := admin.PingContext(ctx); err != nil {
		t.Skipf("postgres unreachable: %v", err)
	}

	schema := "it_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	_, err = admin.ExecContext(ctx, `CREATE SCHEMA `+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.ExecContext(context.Background(), `DROP SCHEMA `+schema+` CASCADE`)
	})

	db, err := sql.Open("postgres", withSearchPath(dsn, schema))
	require.NoError(t, err)
	db.SetMaxOpenConns(20)
	t.Cleanup(func() { _ = db.Close() })

	_, err = migrations.Apply(ctx, db)
	require.NoError(t, err)
	return db
}

// withSearchPath adds a search_path run-time parameter to either DSN form.
func withSearchPath(dsn, schema string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err == nil {
			q := u.Query()
			q.Set("search_path", schema)
			u.RawQuery = q.Encode()
			return u.String()
		}
	}
	return dsn + " search_path=" + schema
}
