// Package testdb provides throwaway in-memory SQLite databases for tests.
package testdb

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/root-talis/shinka/driver/sqlite"
)

// Open returns an empty in-memory database closed at the end of the test.
// The pool holds a single connection, so rows must be closed before the
// next statement runs.
func Open(t testing.TB) *sql.DB {
	t.Helper()

	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = db.Close()
	})

	return db
}

func Exec(t testing.TB, db *sql.DB, statements ...string) {
	t.Helper()

	for _, stmt := range statements {
		_, err := db.ExecContext(context.Background(), stmt)
		require.NoError(t, err, stmt)
	}
}

// Strings returns the first column of every row of query.
func Strings(t testing.TB, db *sql.DB, query string, args ...any) []string {
	t.Helper()

	rows, err := db.QueryContext(context.Background(), query, args...)
	require.NoError(t, err, query)
	defer rows.Close()

	result := make([]string, 0)
	for rows.Next() {
		var value sql.NullString
		require.NoError(t, rows.Scan(&value))
		result = append(result, value.String)
	}
	require.NoError(t, rows.Err())

	return result
}
