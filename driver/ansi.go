package driver

import (
	"fmt"
	"slices"
	"strings"
)

// ANSI renders the SQL shared by PostgreSQL and SQLite. Stores that differ
// embed it and override the statements they spell differently.
type ANSI struct {
	Quote              string // identifier quote character
	NumberedParameters bool   // $1, $2... instead of ?
	Transactional      bool
}

func (d ANSI) Placeholder(n int) string {
	if d.NumberedParameters {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (d ANSI) QuoteIdent(name string) string {
	q := d.Quote
	if q == "" {
		q = `"`
	}
	return q + strings.ReplaceAll(name, q, q+q) + q
}

func (d ANSI) TransactionalDDL() bool {
	return d.Transactional
}

func (d ANSI) quoteAll(names []string) []string {
	result := make([]string, len(names))
	for i, name := range names {
		result[i] = d.QuoteIdent(name)
	}
	return result
}

func (d ANSI) placeholders(n int) string {
	result := make([]string, n)
	for i := range result {
		result[i] = d.Placeholder(i + 1)
	}
	return strings.Join(result, ", ")
}

// ---

func (d ANSI) CreateLedgerTable(table string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s ("+
		"version           VARCHAR(14) NOT NULL PRIMARY KEY, "+
		"description       VARCHAR(255) NOT NULL DEFAULT '', "+
		"checksum          VARCHAR(64) NOT NULL, "+
		"execution_time_ms BIGINT NULL, "+
		"success           BOOLEAN NOT NULL DEFAULT FALSE, "+
		"executed_at       BIGINT NOT NULL, "+ // epoch milliseconds
		"error_message     TEXT NULL"+
		")",
		d.QuoteIdent(table),
	)
}

func (d ANSI) CreateMetadataTable(table string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s ("+
		"%s        VARCHAR(255) NOT NULL PRIMARY KEY, "+
		"value      TEXT NOT NULL, "+
		"updated_at BIGINT NOT NULL"+
		")",
		d.QuoteIdent(table),
		d.QuoteIdent("key"),
	)
}

func (d ANSI) Upsert(table string, columns []string, keys []string) string {
	updates := make([]string, 0, len(columns))
	for _, column := range NonKeys(columns, keys) {
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", d.QuoteIdent(column), d.QuoteIdent(column)))
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		d.QuoteIdent(table),
		strings.Join(d.quoteAll(columns), ", "),
		d.placeholders(len(columns)),
		strings.Join(d.quoteAll(keys), ", "),
		strings.Join(updates, ", "),
	)
}

// ---

func (d ANSI) RenameColumn(table, from, to string) string {
	return fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s", d.QuoteIdent(table), d.QuoteIdent(from), d.QuoteIdent(to))
}

func (d ANSI) AddColumn(table, column, definition string) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", d.QuoteIdent(table), d.QuoteIdent(column), definition)
}

func (d ANSI) DropColumn(table, column string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", d.QuoteIdent(table), d.QuoteIdent(column))
}

func (d ANSI) CreateIndex(index, table string, columns []string, unique bool) string {
	kind := "INDEX"
	if unique {
		kind = "UNIQUE INDEX"
	}
	return fmt.Sprintf("CREATE %s %s ON %s (%s)",
		kind, d.QuoteIdent(index), d.QuoteIdent(table), strings.Join(d.quoteAll(columns), ", "))
}

func (d ANSI) DropIndex(index, _ string) string {
	return "DROP INDEX " + d.QuoteIdent(index)
}

func (d ANSI) RenameTable(from, to string) string {
	return fmt.Sprintf("ALTER TABLE %s RENAME TO %s", d.QuoteIdent(from), d.QuoteIdent(to))
}

func (d ANSI) DropTable(table string) string {
	return "DROP TABLE " + d.QuoteIdent(table)
}

// ---

func (d ANSI) MergeUpdate(source, destination string, keys, columns []string, tieBreak string) string {
	sets := make([]string, len(columns))
	for i, column := range columns {
		sets[i] = fmt.Sprintf("%s = s.%s", d.QuoteIdent(column), d.QuoteIdent(column))
	}

	return fmt.Sprintf("UPDATE %s AS d SET %s FROM %s AS s WHERE %s AND s.%s > d.%s AND %s",
		d.QuoteIdent(destination),
		strings.Join(sets, ", "),
		d.QuoteIdent(source),
		d.JoinKeys("d", "s", keys),
		d.QuoteIdent(tieBreak), d.QuoteIdent(tieBreak),
		d.NewestInSource(source, keys, tieBreak),
	)
}

func (d ANSI) MergeInsert(source, destination string, keys, columns []string, tieBreak string) string {
	selected := make([]string, len(columns))
	for i, column := range columns {
		selected[i] = "s." + d.QuoteIdent(column)
	}

	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s AS s "+
		"WHERE NOT EXISTS (SELECT 1 FROM %s AS d WHERE %s) AND %s",
		d.QuoteIdent(destination),
		strings.Join(d.quoteAll(columns), ", "),
		strings.Join(selected, ", "),
		d.QuoteIdent(source),
		d.QuoteIdent(destination),
		d.JoinKeys("d", "s", keys),
		d.NewestInSource(source, keys, tieBreak),
	)
}

// JoinKeys renders "left.k1 = right.k1 AND left.k2 = right.k2".
func (d ANSI) JoinKeys(left, right string, keys []string) string {
	parts := make([]string, len(keys))
	for i, key := range keys {
		q := d.QuoteIdent(key)
		parts[i] = fmt.Sprintf("%s.%s = %s.%s", left, q, right, q)
	}
	return strings.Join(parts, " AND ")
}

// NewestInSource keeps only the source row (aliased s) with the greatest
// tieBreak value among the rows sharing its keys.
func (d ANSI) NewestInSource(source string, keys []string, tieBreak string) string {
	return fmt.Sprintf("NOT EXISTS (SELECT 1 FROM %s AS s2 WHERE %s AND s2.%s > s.%s)",
		d.QuoteIdent(source),
		d.JoinKeys("s2", "s", keys),
		d.QuoteIdent(tieBreak), d.QuoteIdent(tieBreak),
	)
}

// NonKeys returns columns without the ones listed in keys.
func NonKeys(columns, keys []string) []string {
	result := make([]string, 0, len(columns))
	for _, column := range columns {
		if !slices.Contains(keys, column) {
			result = append(result, column)
		}
	}
	return result
}
