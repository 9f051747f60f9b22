package apply

import (
	"context"
	"fmt"
	"slices"

	"github.com/root-talis/shinka/driver"
	"github.com/root-talis/shinka/migration"
)

// Schema is the part of a driver guarded operations need.
type Schema interface {
	driver.Dialect
	driver.Catalog
}

// RunOperation evaluates the predicate of op against the live catalog and
// runs its action when the predicate holds. It reports whether the action
// ran. Running an operation twice leaves the schema as running it once.
func RunOperation(ctx context.Context, ex driver.Executor, s Schema, op migration.Operation) (bool, error) {
	switch op.Kind {
	case migration.RenameColumnIfPresent:
		return RenameColumnIfPresent(ctx, ex, s, op.Table, op.Column, op.NewName)
	case migration.AddColumnIfAbsent:
		return AddColumnIfAbsent(ctx, ex, s, op.Table, op.Column, op.Definition)
	case migration.DropColumnIfPresent:
		return DropColumnIfPresent(ctx, ex, s, op.Table, op.Column)
	case migration.CreateIndexIfAbsent:
		return CreateIndexIfAbsent(ctx, ex, s, op.Index, op.Table, op.Columns, op.Unique)
	case migration.DropIndexIfPresent:
		return DropIndexIfPresent(ctx, ex, s, op.Index, op.Table)
	case migration.RenameTableIfPresent:
		return RenameTableIfPresent(ctx, ex, s, op.Table, op.NewName)
	case migration.DropTableIfPresent:
		return DropTableIfPresent(ctx, ex, s, op.Table)
	case migration.MergeTable:
		return MergeTable(ctx, ex, s, op.Source, op.Table, op.Columns, op.TieBreak)
	}

	return false, fmt.Errorf("%w: unknown operation %q", migration.ErrInvalidScript, op.Kind)
}

// ---

// RenameColumnIfPresent renames from to to when from exists and to does not.
func RenameColumnIfPresent(ctx context.Context, ex driver.Executor, s Schema, table, from, to string) (bool, error) {
	columns, err := s.Columns(ctx, ex, table)
	if err != nil {
		return false, err
	}

	if !slices.Contains(columns, from) || slices.Contains(columns, to) {
		return false, nil
	}

	return run(ctx, ex, s.RenameColumn(table, from, to))
}

func AddColumnIfAbsent(ctx context.Context, ex driver.Executor, s Schema, table, column, definition string) (bool, error) {
	columns, err := s.Columns(ctx, ex, table)
	if err != nil {
		return false, err
	}

	if slices.Contains(columns, column) {
		return false, nil
	}

	return run(ctx, ex, s.AddColumn(table, column, definition))
}

func DropColumnIfPresent(ctx context.Context, ex driver.Executor, s Schema, table, column string) (bool, error) {
	columns, err := s.Columns(ctx, ex, table)
	if err != nil {
		return false, err
	}

	if !slices.Contains(columns, column) {
		return false, nil
	}

	return run(ctx, ex, s.DropColumn(table, column))
}

func CreateIndexIfAbsent(
	ctx context.Context, ex driver.Executor, s Schema, index, table string, columns []string, unique bool,
) (bool, error) {
	present, err := hasIndex(ctx, ex, s, index)
	if err != nil || present {
		return false, err
	}

	return run(ctx, ex, s.CreateIndex(index, table, columns, unique))
}

func DropIndexIfPresent(ctx context.Context, ex driver.Executor, s Schema, index, table string) (bool, error) {
	present, err := hasIndex(ctx, ex, s, index)
	if err != nil || !present {
		return false, err
	}

	return run(ctx, ex, s.DropIndex(index, table))
}

// RenameTableIfPresent renames from to to when from exists and to does not.
func RenameTableIfPresent(ctx context.Context, ex driver.Executor, s Schema, from, to string) (bool, error) {
	tables, err := s.Tables(ctx, ex)
	if err != nil {
		return false, err
	}

	if !slices.Contains(tables, from) || slices.Contains(tables, to) {
		return false, nil
	}

	return run(ctx, ex, s.RenameTable(from, to))
}

func DropTableIfPresent(ctx context.Context, ex driver.Executor, s Schema, table string) (bool, error) {
	present, err := driver.HasTable(ctx, s, ex, table)
	if err != nil || !present {
		return false, err
	}

	return run(ctx, ex, s.DropTable(table))
}

// MergeTable folds the rows of source into destination. Rows are matched on
// keys; a destination row is overwritten only by a source row with a strictly
// greater tieBreak value, and source rows with new keys are inserted, one per
// key. Destination rows are never deleted. Only columns present in both
// tables are copied. When source does not exist the merge is a no-op.
func MergeTable(
	ctx context.Context, ex driver.Executor, s Schema, source, destination string, keys []string, tieBreak string,
) (bool, error) {
	present, err := driver.HasTable(ctx, s, ex, source)
	if err != nil || !present {
		return false, err
	}

	sourceColumns, err := s.Columns(ctx, ex, source)
	if err != nil {
		return false, err
	}

	destinationColumns, err := s.Columns(ctx, ex, destination)
	if err != nil {
		return false, err
	}

	shared := make([]string, 0, len(destinationColumns))
	for _, column := range destinationColumns {
		if slices.Contains(sourceColumns, column) {
			shared = append(shared, column)
		}
	}

	for _, column := range append(slices.Clone(keys), tieBreak) {
		if !slices.Contains(shared, column) {
			return false, fmt.Errorf("failed to merge %s into %s: column %s is not present in both tables",
				source, destination, column)
		}
	}

	if _, err := run(ctx, ex, s.MergeUpdate(source, destination, keys, driver.NonKeys(shared, keys), tieBreak)); err != nil {
		return false, err
	}

	return run(ctx, ex, s.MergeInsert(source, destination, keys, shared, tieBreak))
}

// ---

func hasIndex(ctx context.Context, ex driver.Executor, s Schema, index string) (bool, error) {
	indexes, err := s.Indexes(ctx, ex)
	if err != nil {
		return false, err
	}

	return slices.ContainsFunc(indexes, func(i driver.Index) bool { return i.Name == index }), nil
}

func run(ctx context.Context, ex driver.Executor, query string) (bool, error) {
	if _, err := ex.ExecContext(ctx, query); err != nil {
		return false, fmt.Errorf("failed to execute %q: %w", query, err)
	}
	return true, nil
}
