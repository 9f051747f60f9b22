// Package verify checks the live schema against declared expectations. It
// reports what is missing and never changes the schema.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/root-talis/shinka/driver"
	"github.com/root-talis/shinka/migration"
)

type FindingKind string

const (
	MissingTable      FindingKind = "missing table"
	MissingColumn     FindingKind = "missing column"
	MissingForeignKey FindingKind = "missing foreign key"
	MissingIndex      FindingKind = "missing index"
	InvalidPattern    FindingKind = "invalid index pattern"
)

type Finding struct {
	Kind   FindingKind
	Name   string
	Detail string
}

func (f Finding) String() string {
	if f.Detail == "" {
		return fmt.Sprintf("%s %s", f.Kind, f.Name)
	}
	return fmt.Sprintf("%s %s (%s)", f.Kind, f.Name, f.Detail)
}

type Report struct {
	Findings []Finding
	// Skipped is set when there were no expectations to check.
	Skipped bool
}

func (r *Report) OK() bool {
	return len(r.Findings) == 0
}

// Err returns an error wrapping migration.ErrIntegrity that lists every
// finding, or nil when the schema meets all expectations.
func (r *Report) Err() error {
	if r.OK() {
		return nil
	}

	parts := make([]string, len(r.Findings))
	for i, f := range r.Findings {
		parts[i] = f.String()
	}

	return fmt.Errorf("%w: %s", migration.ErrIntegrity, strings.Join(parts, "; "))
}

// ---

type Verifier struct {
	ex      driver.Executor
	catalog driver.Catalog
	logger  *slog.Logger
}

func New(ex driver.Executor, catalog driver.Catalog, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &Verifier{
		ex:      ex,
		catalog: catalog,
		logger:  logger,
	}
}

type snapshot struct {
	tables      []string
	columns     map[string][]string
	indexes     []driver.Index
	foreignKeys []driver.ForeignKey
}

// Verify compares the catalog with e. The error is non-nil only when the
// catalog could not be read; unmet expectations are in the report.
func (v *Verifier) Verify(ctx context.Context, e Expectations) (*Report, error) {
	if e.IsEmpty() {
		return &Report{Skipped: true}, nil
	}

	snap, err := v.load(ctx, e)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	add := func(kind FindingKind, name, detail string) {
		report.Findings = append(report.Findings, Finding{Kind: kind, Name: name, Detail: detail})
	}

	for _, table := range e.Tables {
		if !slices.Contains(snap.tables, table) {
			add(MissingTable, table, "")
		}
	}

	tables := make([]string, 0, len(e.Columns))
	for table := range e.Columns {
		tables = append(tables, table)
	}
	slices.Sort(tables)

	for _, table := range tables {
		for _, column := range e.Columns[table] {
			if !slices.Contains(snap.columns[table], column) {
				add(MissingColumn, table+"."+column, "")
			}
		}
	}

	for _, name := range e.ForeignKeys {
		if !slices.ContainsFunc(snap.foreignKeys, func(fk driver.ForeignKey) bool { return fk.Name == name }) {
			add(MissingForeignKey, name, "")
		}
	}

	for _, expected := range e.Indexes {
		matches := 0
		for _, index := range snap.indexes {
			ok, err := path.Match(expected.Pattern, index.Name)
			if err != nil {
				add(InvalidPattern, expected.Pattern, err.Error())
				matches = -1
				break
			}
			if ok {
				matches++
			}
		}

		minMatches := max(expected.Min, defaultMinMatches)
		if matches >= 0 && matches < minMatches {
			add(MissingIndex, expected.Pattern, fmt.Sprintf("%d of %d found", matches, minMatches))
		}
	}

	if report.OK() {
		v.logger.Info("schema verified")
	} else {
		v.logger.Warn("schema verification failed", "findings", len(report.Findings))
	}

	return report, nil
}

func (v *Verifier) load(ctx context.Context, e Expectations) (*snapshot, error) {
	snap := &snapshot{columns: make(map[string][]string, len(e.Columns))}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)

	if len(e.Tables) > 0 {
		g.Go(func() (err error) {
			snap.tables, err = v.catalog.Tables(gctx, v.ex)
			return err
		})
	}

	if len(e.Indexes) > 0 {
		g.Go(func() (err error) {
			snap.indexes, err = v.catalog.Indexes(gctx, v.ex)
			return err
		})
	}

	if len(e.ForeignKeys) > 0 {
		g.Go(func() (err error) {
			snap.foreignKeys, err = v.catalog.ForeignKeys(gctx, v.ex)
			return err
		})
	}

	for table := range e.Columns {
		g.Go(func() error {
			columns, err := v.catalog.Columns(gctx, v.ex, table)
			if err != nil {
				return err
			}

			mu.Lock()
			snap.columns[table] = columns
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to read schema catalog: %w", err)
	}

	return snap, nil
}
