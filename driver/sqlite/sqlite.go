// Package sqlite drives SQLite through the pure Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/root-talis/shinka/driver"
)

const (
	DriverName    = "sqlite"
	LockTableName = "shinka_lock"
)

// Matches both table constraints (CONSTRAINT name FOREIGN KEY ...) and
// column constraints (CONSTRAINT name REFERENCES ...).
var foreignKeyConstraint = regexp.MustCompile(
	"(?i)CONSTRAINT\\s+[\"`\\[]?(\\w+)[\"`\\]]?\\s+(?:FOREIGN\\s+KEY|REFERENCES)\\b")

type sqliteDriver struct {
	driver.ANSI
}

func NewDriver() driver.Driver {
	return &sqliteDriver{
		ANSI: driver.ANSI{Quote: `"`, Transactional: true},
	}
}

// Open opens a database with a single connection: SQLite allows one writer,
// and in-memory databases exist per connection.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)

	return db, nil
}

func (drv *sqliteDriver) Name() string {
	return DriverName
}

// ---

func (drv *sqliteDriver) Tables(ctx context.Context, ex driver.Executor) ([]string, error) {
	return driver.QueryStrings(ctx, ex,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite\\_%' ESCAPE '\\' ORDER BY name")
}

func (drv *sqliteDriver) Columns(ctx context.Context, ex driver.Executor, table string) ([]string, error) {
	return driver.QueryStrings(ctx, ex, "SELECT name FROM pragma_table_info(?) ORDER BY cid", table)
}

func (drv *sqliteDriver) Indexes(ctx context.Context, ex driver.Executor) ([]driver.Index, error) {
	return driver.QueryIndexes(ctx, ex,
		"SELECT name, tbl_name FROM sqlite_master "+
			"WHERE type = 'index' AND name NOT LIKE 'sqlite\\_autoindex\\_%' ESCAPE '\\' ORDER BY name")
}

// ForeignKeys lists named foreign key constraints. SQLite keeps no catalog of
// constraint names, so they are read from the CREATE TABLE statements.
func (drv *sqliteDriver) ForeignKeys(ctx context.Context, ex driver.Executor) ([]driver.ForeignKey, error) {
	pairs, err := driver.QueryPairs(ctx, ex,
		"SELECT name, sql FROM sqlite_master WHERE type = 'table' AND sql IS NOT NULL ORDER BY name")
	if err != nil {
		return nil, err
	}

	result := make([]driver.ForeignKey, 0)
	for _, pair := range pairs {
		for _, match := range foreignKeyConstraint.FindAllStringSubmatch(pair[1], -1) {
			result = append(result, driver.ForeignKey{Name: match[1], Table: pair[0]})
		}
	}

	return result, nil
}

// ---

// Lock takes a row in the lock table. The row outlives the process if it
// dies while holding the lock; ForceUnlock removes it.
func (drv *sqliteDriver) Lock(
	ctx context.Context, db *sql.DB, name string, timeout time.Duration,
) (func(context.Context) error, error) {
	if err := drv.ensureLockTableExists(ctx, db); err != nil {
		return nil, err
	}

	owner := uuid.NewString()

	err := driver.PollLock(ctx, name, timeout, func(ctx context.Context) (bool, error) {
		res, err := db.ExecContext(ctx, fmt.Sprintf(
			"INSERT INTO %s (name, owner, acquired_at) VALUES (?, ?, ?) ON CONFLICT (name) DO NOTHING",
			drv.QuoteIdent(LockTableName),
		), name, owner, time.Now().UnixMilli())
		if err != nil {
			return false, fmt.Errorf("failed to insert lock row: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("failed to insert lock row: %w", err)
		}

		return affected == 1, nil
	})
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context) error {
		_, err := db.ExecContext(ctx, fmt.Sprintf(
			"DELETE FROM %s WHERE name = ? AND owner = ?",
			drv.QuoteIdent(LockTableName),
		), name, owner)
		if err != nil {
			return fmt.Errorf("failed to release lock %q: %w", name, err)
		}
		return nil
	}, nil
}

func (drv *sqliteDriver) ForceUnlock(ctx context.Context, db *sql.DB, name string) error {
	if err := drv.ensureLockTableExists(ctx, db); err != nil {
		return err
	}

	_, err := db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE name = ?", drv.QuoteIdent(LockTableName)), name)
	if err != nil {
		return fmt.Errorf("failed to clear lock %q: %w", name, err)
	}

	return nil
}

func (drv *sqliteDriver) ensureLockTableExists(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s ("+
			"name        TEXT NOT NULL PRIMARY KEY, "+
			"owner       TEXT NOT NULL, "+
			"acquired_at INTEGER NOT NULL"+
			")",
		drv.QuoteIdent(LockTableName),
	))
	if err != nil {
		return fmt.Errorf("failed to create lock table: %w", err)
	}

	return nil
}
