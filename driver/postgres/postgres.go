// Package postgres drives PostgreSQL through the pgx database/sql adapter.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/root-talis/shinka/driver"
)

const DriverName = "pgx"

type postgresDriver struct {
	driver.ANSI
}

func NewDriver() driver.Driver {
	return &postgresDriver{
		ANSI: driver.ANSI{Quote: `"`, NumberedParameters: true, Transactional: true},
	}
}

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	return db, nil
}

func (drv *postgresDriver) Name() string {
	return "postgres"
}

// ---

func (drv *postgresDriver) Tables(ctx context.Context, ex driver.Executor) ([]string, error) {
	return driver.QueryStrings(ctx, ex,
		"SELECT table_name FROM information_schema.tables "+
			"WHERE table_schema = current_schema() AND table_type = 'BASE TABLE' ORDER BY table_name")
}

func (drv *postgresDriver) Columns(ctx context.Context, ex driver.Executor, table string) ([]string, error) {
	return driver.QueryStrings(ctx, ex,
		"SELECT column_name FROM information_schema.columns "+
			"WHERE table_schema = current_schema() AND table_name = $1 ORDER BY ordinal_position", table)
}

func (drv *postgresDriver) Indexes(ctx context.Context, ex driver.Executor) ([]driver.Index, error) {
	return driver.QueryIndexes(ctx, ex,
		"SELECT indexname, tablename FROM pg_indexes WHERE schemaname = current_schema() ORDER BY indexname")
}

func (drv *postgresDriver) ForeignKeys(ctx context.Context, ex driver.Executor) ([]driver.ForeignKey, error) {
	return driver.QueryForeignKeys(ctx, ex,
		"SELECT constraint_name, table_name FROM information_schema.table_constraints "+
			"WHERE table_schema = current_schema() AND constraint_type = 'FOREIGN KEY' ORDER BY constraint_name")
}

// ---

// Lock takes a session-level advisory lock on a dedicated connection, so
// the lock is released by the server if the process dies.
func (drv *postgresDriver) Lock(
	ctx context.Context, db *sql.DB, name string, timeout time.Duration,
) (func(context.Context) error, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get a connection for lock %q: %w", name, err)
	}

	key := lockKey(name)

	err = driver.PollLock(ctx, name, timeout, func(ctx context.Context) (bool, error) {
		var acquired bool
		if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
			return false, fmt.Errorf("failed to try advisory lock: %w", err)
		}
		return acquired, nil
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return func(ctx context.Context) error {
		defer conn.Close()

		if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", key); err != nil {
			return fmt.Errorf("failed to release lock %q: %w", name, err)
		}
		return nil
	}, nil
}

func (drv *postgresDriver) ForceUnlock(context.Context, *sql.DB, string) error {
	return nil
}

func lockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64()) //nolint:gosec
}
