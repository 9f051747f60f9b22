// Package driver describes what the engine needs from a relational store:
// statement execution, catalog introspection, dialect-specific SQL and a
// run-wide lock.
package driver

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Executor is satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Index struct {
	Name  string
	Table string
}

type ForeignKey struct {
	Name  string
	Table string
}

// Catalog reads the live schema of the current database.
type Catalog interface {
	Tables(ctx context.Context, ex Executor) ([]string, error)
	Columns(ctx context.Context, ex Executor, table string) ([]string, error)
	Indexes(ctx context.Context, ex Executor) ([]Index, error)
	ForeignKeys(ctx context.Context, ex Executor) ([]ForeignKey, error)
}

// Dialect renders the SQL the engine itself issues. Identifiers passed in are
// quoted by the dialect; definitions are inserted verbatim.
type Dialect interface {
	Name() string
	Placeholder(n int) string
	QuoteIdent(name string) string

	// TransactionalDDL reports whether DDL statements can be rolled back.
	TransactionalDDL() bool

	CreateLedgerTable(table string) string
	CreateMetadataTable(table string) string

	// Upsert inserts columns into table, updating every non-key column when
	// a row with the same keys exists.
	Upsert(table string, columns []string, keys []string) string

	RenameColumn(table, from, to string) string
	AddColumn(table, column, definition string) string
	DropColumn(table, column string) string
	CreateIndex(index, table string, columns []string, unique bool) string
	DropIndex(index, table string) string
	RenameTable(from, to string) string
	DropTable(table string) string

	// MergeUpdate copies columns from source rows into destination rows with
	// the same keys when the source row has a greater tieBreak value.
	MergeUpdate(source, destination string, keys, columns []string, tieBreak string) string
	// MergeInsert copies source rows whose keys are absent from destination,
	// keeping the row with the greatest tieBreak value per key.
	MergeInsert(source, destination string, keys, columns []string, tieBreak string) string
}

// Locker serializes migration runs against one database.
type Locker interface {
	// Lock blocks until the lock called name is held or timeout expires, in
	// which case the error wraps migration.ErrLockTimeout.
	Lock(ctx context.Context, db *sql.DB, name string, timeout time.Duration) (release func(context.Context) error, err error)

	// ForceUnlock clears a lock left behind by a dead process. Session-scoped
	// locks vanish with their session, so for them it is a no-op.
	ForceUnlock(ctx context.Context, db *sql.DB, name string) error
}

type Driver interface {
	Dialect
	Catalog
	Locker
}

var ErrUnsupportedDriver = errors.New("unsupported database driver")
