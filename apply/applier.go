// Package apply runs migration units against a database and records their
// outcome in the ledger.
package apply

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/root-talis/shinka/driver"
	"github.com/root-talis/shinka/ledger"
	"github.com/root-talis/shinka/migration"
)

const DefaultStatementTimeout = 5 * time.Minute

type Option func(*Applier)

func WithLogger(logger *slog.Logger) Option {
	return func(a *Applier) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithStatementTimeout bounds the run time of every single statement.
func WithStatementTimeout(timeout time.Duration) Option {
	return func(a *Applier) {
		if timeout > 0 {
			a.statementTimeout = timeout
		}
	}
}

// FinishFunc runs after the last statement of a script, on the same executor
// (the transaction, for atomic scripts).
type FinishFunc func(ctx context.Context, ex driver.Executor) error

type Applier struct {
	db               *sql.DB
	schema           Schema
	ledger           *ledger.Ledger
	logger           *slog.Logger
	statementTimeout time.Duration
}

func New(db *sql.DB, schema Schema, l *ledger.Ledger, opts ...Option) *Applier {
	a := &Applier{
		db:               db,
		schema:           schema,
		ledger:           l,
		logger:           slog.Default(),
		statementTimeout: DefaultStatementTimeout,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Apply runs unit and records the attempt. The returned error is non-nil
// whenever the result is not successful.
func (a *Applier) Apply(ctx context.Context, unit migration.Unit) (migration.ApplyResult, error) {
	logger := a.logger.With("version", unit.Version, "description", unit.Description)

	if err := a.ledger.RecordStart(ctx, unit.Version, unit.Description, unit.Checksum); err != nil {
		return migration.ApplyResult{}, err
	}

	logger.Info("applying migration", "statements", len(unit.Statements), "atomic", unit.Atomic)
	startedAt := time.Now()

	err := a.Execute(ctx, unit.Version, unit.Script, func(ctx context.Context, ex driver.Executor) error {
		l := a.ledger.With(ex)
		if err := l.RecordResult(ctx, unit.Version, migration.ApplyResult{
			Success:  true,
			Duration: time.Since(startedAt),
		}); err != nil {
			return err
		}

		if err := recordRollbackChecksum(ctx, l, unit); err != nil {
			return err
		}

		_, err := l.RefreshSchemaVersion(ctx)
		return err
	})

	result := migration.ApplyResult{Duration: time.Since(startedAt)}

	if err != nil {
		result.ErrorMessage = err.Error()
		logger.Error("migration failed", "duration", result.Duration, "error", err)

		// The unit's own context may be cancelled already; the failure must
		// still reach the ledger.
		if recordErr := a.ledger.RecordResult(context.WithoutCancel(ctx), unit.Version, result); recordErr != nil {
			return result, errors.Join(err, recordErr)
		}

		return result, err
	}

	result.Success = true
	logger.Info("migration applied", "duration", result.Duration)

	return result, nil
}

// recordRollbackChecksum stores the checksum of the rollback script of unit,
// or clears it when unit has none.
func recordRollbackChecksum(ctx context.Context, l *ledger.Ledger, unit migration.Unit) error {
	key := ledger.RollbackChecksumKey(unit.Version)
	if unit.Rollback == nil {
		return l.DeleteMetadata(ctx, key)
	}

	return l.SetMetadata(ctx, key, unit.Rollback.Checksum)
}

// Execute runs the statements of script. Atomic scripts run in a single
// transaction that also covers finish; other scripts run statement by
// statement and stop at the first failure, keeping what already ran.
//
// Statements are not interrupted by cancellation of ctx; cancellation is
// observed between statements and reported as migration.ErrAborted.
func (a *Applier) Execute(ctx context.Context, version migration.Version, script migration.Script, finish FinishFunc) error {
	if !script.Atomic {
		for _, stmt := range script.Statements {
			if err := a.executeStatement(ctx, a.db, version, stmt); err != nil {
				return err
			}
		}

		return finish(context.WithoutCancel(ctx), a.db)
	}

	if !a.schema.TransactionalDDL() {
		a.logger.Warn("store commits DDL implicitly, an atomic migration may be applied partially on failure",
			"version", version, "driver", a.schema.Name())
	}

	tx, err := a.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for migration %s: %w", version, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				a.logger.Error("failed to roll back transaction", "version", version, "error", err)
			}
		}
	}()

	for _, stmt := range script.Statements {
		if err := a.executeStatement(ctx, tx, version, stmt); err != nil {
			return err
		}
	}

	if err := finish(context.WithoutCancel(ctx), tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %s: %w", version, err)
	}
	committed = true

	return nil
}

func (a *Applier) executeStatement(
	ctx context.Context, ex driver.Executor, version migration.Version, stmt migration.Statement,
) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: migration %s stopped before statement %d: %w", migration.ErrAborted, version, stmt.Index, err)
	}

	stmtCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.statementTimeout)
	defer cancel()

	var err error
	if stmt.IsGuarded() {
		var ran bool
		ran, err = RunOperation(stmtCtx, ex, a.schema, *stmt.Op)
		a.logger.Debug("guarded operation", "version", version, "index", stmt.Index, "operation", stmt.Op.Kind, "ran", ran)
	} else {
		_, err = ex.ExecContext(stmtCtx, stmt.SQL)
		a.logger.Debug("statement", "version", version, "index", stmt.Index, "line", stmt.Line)
	}

	if err != nil {
		return &migration.StatementError{
			Version: version,
			Index:   stmt.Index,
			Line:    stmt.Line,
			Err:     err,
		}
	}

	return nil
}
