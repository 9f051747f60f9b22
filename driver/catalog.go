package driver

import (
	"context"
	"fmt"
	"slices"
)

// QueryStrings runs a query returning a single text column.
func QueryStrings(ctx context.Context, ex Executor, query string, args ...any) ([]string, error) {
	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog: %w", err)
	}
	defer rows.Close()

	result := make([]string, 0)
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("failed to read catalog row: %w", err)
		}
		result = append(result, value)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read catalog rows: %w", err)
	}

	return result, nil
}

// QueryPairs runs a query returning two text columns.
func QueryPairs(ctx context.Context, ex Executor, query string, args ...any) ([][2]string, error) {
	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog: %w", err)
	}
	defer rows.Close()

	result := make([][2]string, 0)
	for rows.Next() {
		var pair [2]string
		if err := rows.Scan(&pair[0], &pair[1]); err != nil {
			return nil, fmt.Errorf("failed to read catalog row: %w", err)
		}
		result = append(result, pair)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read catalog rows: %w", err)
	}

	return result, nil
}

func QueryIndexes(ctx context.Context, ex Executor, query string, args ...any) ([]Index, error) {
	pairs, err := QueryPairs(ctx, ex, query, args...)
	if err != nil {
		return nil, err
	}

	result := make([]Index, len(pairs))
	for i, pair := range pairs {
		result[i] = Index{Name: pair[0], Table: pair[1]}
	}
	return result, nil
}

func QueryForeignKeys(ctx context.Context, ex Executor, query string, args ...any) ([]ForeignKey, error) {
	pairs, err := QueryPairs(ctx, ex, query, args...)
	if err != nil {
		return nil, err
	}

	result := make([]ForeignKey, len(pairs))
	for i, pair := range pairs {
		result[i] = ForeignKey{Name: pair[0], Table: pair[1]}
	}
	return result, nil
}

// HasTable reports whether table is present, comparing names exactly.
func HasTable(ctx context.Context, c Catalog, ex Executor, table string) (bool, error) {
	tables, err := c.Tables(ctx, ex)
	if err != nil {
		return false, err
	}
	return slices.Contains(tables, table), nil
}
