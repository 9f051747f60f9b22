// Package ledger persists which migration units ran against a database, how
// long they took and how they ended, plus a small key/value metadata table.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/root-talis/shinka/driver"
	"github.com/root-talis/shinka/migration"
)

const (
	DefaultTable         = "schema_migrations"
	DefaultMetadataTable = "db_metadata"

	SchemaVersionKey = "schema_version"
	LastRollbackKey  = "last_rollback"

	rollbackChecksumPrefix = "rollback_checksum:"
)

// RollbackChecksumKey names the metadata entry holding the checksum the
// rollback script of version had when version was applied.
func RollbackChecksumKey(version migration.Version) string {
	return rollbackChecksumPrefix + string(version)
}

var ledgerColumns = []string{ //nolint:gochecknoglobals
	"version", "description", "checksum", "execution_time_ms", "success", "executed_at", "error_message",
}

type Option func(*Ledger)

func WithTable(name string) Option {
	return func(l *Ledger) {
		if name != "" {
			l.table = name
		}
	}
}

func WithMetadataTable(name string) Option {
	return func(l *Ledger) {
		if name != "" {
			l.metadataTable = name
		}
	}
}

// WithClock replaces time.Now for recorded timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

type Ledger struct {
	ex            driver.Executor
	dialect       driver.Dialect
	table         string
	metadataTable string
	now           func() time.Time
}

func New(ex driver.Executor, dialect driver.Dialect, opts ...Option) *Ledger {
	l := &Ledger{
		ex:            ex,
		dialect:       dialect,
		table:         DefaultTable,
		metadataTable: DefaultMetadataTable,
		now:           time.Now,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// With returns a copy of the ledger that writes through ex, typically the
// transaction of the unit being applied.
func (l *Ledger) With(ex driver.Executor) *Ledger {
	c := *l
	c.ex = ex
	return &c
}

func (l *Ledger) Table() string {
	return l.table
}

func (l *Ledger) MetadataTable() string {
	return l.metadataTable
}

// ---

func (l *Ledger) Init(ctx context.Context) error {
	if _, err := l.ex.ExecContext(ctx, l.dialect.CreateLedgerTable(l.table)); err != nil {
		return fmt.Errorf("failed to create ledger table %s: %w", l.table, err)
	}

	if _, err := l.ex.ExecContext(ctx, l.dialect.CreateMetadataTable(l.metadataTable)); err != nil {
		return fmt.Errorf("failed to create metadata table %s: %w", l.metadataTable, err)
	}

	return nil
}

// RecordStart marks version as in flight. Recording the start of a version
// that already has a row resets that row.
func (l *Ledger) RecordStart(ctx context.Context, version migration.Version, description, checksum string) error {
	_, err := l.ex.ExecContext(ctx,
		l.dialect.Upsert(l.table, ledgerColumns, []string{"version"}),
		string(version), description, checksum, nil, false, l.now().UnixMilli(), nil,
	)
	if err != nil {
		return fmt.Errorf("failed to record start of migration %s: %w", version, err)
	}

	return nil
}

func (l *Ledger) RecordResult(ctx context.Context, version migration.Version, result migration.ApplyResult) error {
	var errorMessage any
	if !result.Success {
		errorMessage = result.ErrorMessage
	}

	res, err := l.ex.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET success = %s, execution_time_ms = %s, error_message = %s WHERE version = %s",
		l.dialect.QuoteIdent(l.table),
		l.dialect.Placeholder(1), l.dialect.Placeholder(2), l.dialect.Placeholder(3), l.dialect.Placeholder(4),
	), result.Success, result.Duration.Milliseconds(), errorMessage, string(version))
	if err != nil {
		return fmt.Errorf("failed to record result of migration %s: %w", version, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to record result of migration %s: %w", version, err)
	}

	if affected > 0 {
		return nil
	}

	// MySQL reports rows whose values did not change as unaffected.
	if _, found, err := l.Entry(ctx, version); err != nil {
		return err
	} else if !found {
		return fmt.Errorf("%w: %s", migration.ErrNoStartRecord, version)
	}

	return nil
}

func (l *Ledger) Delete(ctx context.Context, version migration.Version) error {
	_, err := l.ex.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE version = %s", l.dialect.QuoteIdent(l.table), l.dialect.Placeholder(1),
	), string(version))
	if err != nil {
		return fmt.Errorf("failed to delete ledger entry of migration %s: %w", version, err)
	}

	return nil
}

// ---

func (l *Ledger) IsApplied(ctx context.Context, version migration.Version) (bool, error) {
	entry, found, err := l.Entry(ctx, version)
	if err != nil {
		return false, err
	}

	return found && entry.Success, nil
}

// ListApplied returns successful entries ordered by version.
func (l *Ledger) ListApplied(ctx context.Context) ([]migration.LedgerEntry, error) {
	return l.query(ctx, "WHERE success = "+l.dialect.Placeholder(1), true)
}

// Entries returns every entry, including failed and in-flight ones, ordered
// by version.
func (l *Ledger) Entries(ctx context.Context) ([]migration.LedgerEntry, error) {
	return l.query(ctx, "")
}

func (l *Ledger) Entry(ctx context.Context, version migration.Version) (migration.LedgerEntry, bool, error) {
	entries, err := l.query(ctx, "WHERE version = "+l.dialect.Placeholder(1), string(version))
	if err != nil {
		return migration.LedgerEntry{}, false, err
	}

	if len(entries) == 0 {
		return migration.LedgerEntry{}, false, nil
	}

	return entries[0], true, nil
}

func (l *Ledger) query(ctx context.Context, where string, args ...any) ([]migration.LedgerEntry, error) {
	rows, err := l.ex.QueryContext(ctx, fmt.Sprintf(
		"SELECT version, description, checksum, execution_time_ms, success, executed_at, error_message "+
			"FROM %s %s ORDER BY version",
		l.dialect.QuoteIdent(l.table), where,
	), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger table %s: %w", l.table, err)
	}
	defer rows.Close()

	result := make([]migration.LedgerEntry, 0)
	for rows.Next() {
		var (
			entry        migration.LedgerEntry
			version      string
			duration     sql.NullInt64
			executedAt   int64
			errorMessage sql.NullString
		)

		err := rows.Scan(&version, &entry.Description, &entry.Checksum, &duration, &entry.Success, &executedAt, &errorMessage)
		if err != nil {
			return nil, fmt.Errorf("failed to read ledger table %s: %w", l.table, err)
		}

		entry.Version = migration.Version(version)
		entry.ExecutedAt = time.UnixMilli(executedAt)
		entry.Finished = duration.Valid || errorMessage.Valid
		entry.Duration = time.Duration(duration.Int64) * time.Millisecond
		entry.ErrorMessage = errorMessage.String

		result = append(result, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger table %s: %w", l.table, err)
	}

	return result, nil
}

// ---

// Metadata returns the value stored under key and whether it exists.
func (l *Ledger) Metadata(ctx context.Context, key string) (string, bool, error) {
	var value string

	err := l.ex.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT value FROM %s WHERE %s = %s",
		l.dialect.QuoteIdent(l.metadataTable), l.dialect.QuoteIdent("key"), l.dialect.Placeholder(1),
	), key).Scan(&value)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("failed to read metadata %q: %w", key, err)
	}

	return value, true, nil
}

func (l *Ledger) SetMetadata(ctx context.Context, key, value string) error {
	_, err := l.ex.ExecContext(ctx,
		l.dialect.Upsert(l.metadataTable, []string{"key", "value", "updated_at"}, []string{"key"}),
		key, value, l.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to write metadata %q: %w", key, err)
	}

	return nil
}

func (l *Ledger) DeleteMetadata(ctx context.Context, key string) error {
	_, err := l.ex.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE %s = %s",
		l.dialect.QuoteIdent(l.metadataTable), l.dialect.QuoteIdent("key"), l.dialect.Placeholder(1),
	), key)
	if err != nil {
		return fmt.Errorf("failed to delete metadata %q: %w", key, err)
	}

	return nil
}

// SchemaVersion returns the highest successfully applied version as last
// recorded, or "" when nothing is applied.
func (l *Ledger) SchemaVersion(ctx context.Context) (migration.Version, error) {
	value, _, err := l.Metadata(ctx, SchemaVersionKey)
	return migration.Version(value), err
}

// RefreshSchemaVersion recomputes schema_version from the ledger.
func (l *Ledger) RefreshSchemaVersion(ctx context.Context) (migration.Version, error) {
	var highest sql.NullString

	err := l.ex.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT MAX(version) FROM %s WHERE success = %s",
		l.dialect.QuoteIdent(l.table), l.dialect.Placeholder(1),
	), true).Scan(&highest)
	if err != nil {
		return "", fmt.Errorf("failed to compute schema version: %w", err)
	}

	if !highest.Valid {
		return "", l.DeleteMetadata(ctx, SchemaVersionKey)
	}

	if err := l.SetMetadata(ctx, SchemaVersionKey, highest.String); err != nil {
		return "", err
	}

	return migration.Version(highest.String), nil
}
