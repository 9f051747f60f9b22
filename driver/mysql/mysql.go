// Package mysql drives MySQL and MariaDB.
//
// MySQL commits DDL implicitly, so an atomic unit that fails after a DDL
// statement leaves that statement's effect behind. Prefer guarded operations
// for units that must be safe to retry on this store.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // registers the "mysql" database/sql driver

	"github.com/root-talis/shinka/driver"
	"github.com/root-talis/shinka/migration"
)

const DriverName = "mysql"

type DriverConfig struct {
	// DatabaseName is the schema inspected by the catalog; empty means the
	// database selected by the connection.
	DatabaseName string
}

type mysqlDriver struct {
	driver.ANSI
	config DriverConfig
}

func NewDriver(config DriverConfig) driver.Driver {
	return &mysqlDriver{
		ANSI:   driver.ANSI{Quote: "`"},
		config: config,
	}
}

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql database: %w", err)
	}
	return db, nil
}

func (drv *mysqlDriver) Name() string {
	return DriverName
}

// ---

func (drv *mysqlDriver) CreateLedgerTable(table string) string {
	return drv.ANSI.CreateLedgerTable(table) + " DEFAULT CHARSET utf8mb4"
}

func (drv *mysqlDriver) CreateMetadataTable(table string) string {
	return drv.ANSI.CreateMetadataTable(table) + " DEFAULT CHARSET utf8mb4"
}

func (drv *mysqlDriver) Upsert(table string, columns []string, keys []string) string {
	nonKeys := driver.NonKeys(columns, keys)
	updates := make([]string, len(nonKeys))
	for i, column := range nonKeys {
		updates[i] = fmt.Sprintf("%s = VALUES(%s)", drv.QuoteIdent(column), drv.QuoteIdent(column))
	}

	quoted := make([]string, len(columns))
	for i, column := range columns {
		quoted[i] = drv.QuoteIdent(column)
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		drv.QuoteIdent(table),
		strings.Join(quoted, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", "),
		strings.Join(updates, ", "),
	)
}

func (drv *mysqlDriver) DropIndex(index, table string) string {
	return fmt.Sprintf("DROP INDEX %s ON %s", drv.QuoteIdent(index), drv.QuoteIdent(table))
}

func (drv *mysqlDriver) RenameTable(from, to string) string {
	return fmt.Sprintf("RENAME TABLE %s TO %s", drv.QuoteIdent(from), drv.QuoteIdent(to))
}

func (drv *mysqlDriver) MergeUpdate(source, destination string, keys, columns []string, tieBreak string) string {
	sets := make([]string, len(columns))
	for i, column := range columns {
		q := drv.QuoteIdent(column)
		sets[i] = fmt.Sprintf("d.%s = s.%s", q, q)
	}

	return fmt.Sprintf("UPDATE %s AS d JOIN %s AS s ON %s SET %s WHERE s.%s > d.%s AND %s",
		drv.QuoteIdent(destination),
		drv.QuoteIdent(source),
		drv.JoinKeys("d", "s", keys),
		strings.Join(sets, ", "),
		drv.QuoteIdent(tieBreak), drv.QuoteIdent(tieBreak),
		drv.NewestInSource(source, keys, tieBreak),
	)
}

// ---

func (drv *mysqlDriver) Tables(ctx context.Context, ex driver.Executor) ([]string, error) {
	return driver.QueryStrings(ctx, ex,
		"SELECT table_name FROM information_schema.tables "+
			"WHERE table_schema = COALESCE(NULLIF(?, ''), DATABASE()) AND table_type = 'BASE TABLE' ORDER BY table_name",
		drv.config.DatabaseName)
}

func (drv *mysqlDriver) Columns(ctx context.Context, ex driver.Executor, table string) ([]string, error) {
	return driver.QueryStrings(ctx, ex,
		"SELECT column_name FROM information_schema.columns "+
			"WHERE table_schema = COALESCE(NULLIF(?, ''), DATABASE()) AND table_name = ? ORDER BY ordinal_position",
		drv.config.DatabaseName, table)
}

func (drv *mysqlDriver) Indexes(ctx context.Context, ex driver.Executor) ([]driver.Index, error) {
	return driver.QueryIndexes(ctx, ex,
		"SELECT DISTINCT index_name, table_name FROM information_schema.statistics "+
			"WHERE table_schema = COALESCE(NULLIF(?, ''), DATABASE()) AND index_name <> 'PRIMARY' ORDER BY index_name",
		drv.config.DatabaseName)
}

func (drv *mysqlDriver) ForeignKeys(ctx context.Context, ex driver.Executor) ([]driver.ForeignKey, error) {
	return driver.QueryForeignKeys(ctx, ex,
		"SELECT constraint_name, table_name FROM information_schema.table_constraints "+
			"WHERE table_schema = COALESCE(NULLIF(?, ''), DATABASE()) AND constraint_type = 'FOREIGN KEY' "+
			"ORDER BY constraint_name",
		drv.config.DatabaseName)
}

// ---

// Lock uses GET_LOCK on a dedicated connection; the server waits for the
// lock itself and releases it when the connection goes away.
func (drv *mysqlDriver) Lock(
	ctx context.Context, db *sql.DB, name string, timeout time.Duration,
) (func(context.Context) error, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get a connection for lock %q: %w", name, err)
	}

	seconds := int(timeout.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	var acquired sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", name, seconds).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to acquire lock %q: %w", name, err)
	}

	switch {
	case !acquired.Valid:
		_ = conn.Close()
		return nil, fmt.Errorf("failed to acquire lock %q: GET_LOCK returned NULL", name)
	case acquired.Int64 != 1:
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %q after %s", migration.ErrLockTimeout, name, timeout)
	}

	return func(ctx context.Context) error {
		defer conn.Close()

		if _, err := conn.ExecContext(ctx, "SELECT RELEASE_LOCK(?)", name); err != nil {
			return fmt.Errorf("failed to release lock %q: %w", name, err)
		}
		return nil
	}, nil
}

func (drv *mysqlDriver) ForceUnlock(context.Context, *sql.DB, string) error {
	return nil
}
