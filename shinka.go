// Package shinka converges a relational database to the schema described by
// a directory of versioned migration scripts.
//
// An Engine loads the scripts, orders them by version and declared
// dependencies, applies the pending ones exactly once under a database lock
// and records every attempt in the ledger table.
package shinka

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/root-talis/shinka/apply"
	"github.com/root-talis/shinka/driver"
	"github.com/root-talis/shinka/ledger"
	"github.com/root-talis/shinka/migration"
	"github.com/root-talis/shinka/resolve"
	"github.com/root-talis/shinka/rollback"
	"github.com/root-talis/shinka/source"
	"github.com/root-talis/shinka/telemetry"
	"github.com/root-talis/shinka/verify"
)

const (
	DefaultLockName    = "shinka"
	DefaultLockTimeout = 30 * time.Second
)

// ---

type StatusReport struct {
	Migrations    []migration.State
	SchemaVersion migration.Version

	AppliedCount  uint
	PendingCount  uint
	FailedCount   uint
	ApplyingCount uint
	MissingCount  uint
}

// ---

type settings struct {
	logger           *slog.Logger
	ledgerTable      string
	metadataTable    string
	lockName         string
	lockTimeout      time.Duration
	statementTimeout time.Duration
	retryFailed      bool
	expectations     verify.Expectations
	metrics          *telemetry.Metrics
	tracer           *telemetry.Tracer
}

type Option func(*settings)

func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithLedgerTables(ledgerTable, metadataTable string) Option {
	return func(s *settings) {
		if ledgerTable != "" {
			s.ledgerTable = ledgerTable
		}
		if metadataTable != "" {
			s.metadataTable = metadataTable
		}
	}
}

func WithLock(name string, timeout time.Duration) Option {
	return func(s *settings) {
		if name != "" {
			s.lockName = name
		}
		if timeout > 0 {
			s.lockTimeout = timeout
		}
	}
}

func WithStatementTimeout(timeout time.Duration) Option {
	return func(s *settings) {
		s.statementTimeout = timeout
	}
}

// WithRetryFailed controls whether a unit whose last attempt failed is run
// again. When disabled such a unit stops Upgrade with
// migration.ErrManualIntervention.
func WithRetryFailed(retry bool) Option {
	return func(s *settings) {
		s.retryFailed = retry
	}
}

// WithExpectations makes Upgrade verify the schema after a successful batch.
func WithExpectations(e verify.Expectations) Option {
	return func(s *settings) {
		s.expectations = e
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *settings) {
		s.metrics = m
	}
}

func WithTracer(t *telemetry.Tracer) Option {
	return func(s *settings) {
		if t != nil {
			s.tracer = t
		}
	}
}

// ---

type Engine struct {
	source   source.Source
	db       *sql.DB
	driver   driver.Driver
	ledger   *ledger.Ledger
	applier  *apply.Applier
	rollback *rollback.Engine
	verifier *verify.Verifier
	settings settings
}

func New(src source.Source, db *sql.DB, drv driver.Driver, opts ...Option) *Engine {
	s := settings{
		logger:           slog.Default(),
		ledgerTable:      ledger.DefaultTable,
		metadataTable:    ledger.DefaultMetadataTable,
		lockName:         DefaultLockName,
		lockTimeout:      DefaultLockTimeout,
		statementTimeout: apply.DefaultStatementTimeout,
		retryFailed:      true,
		tracer:           telemetry.NewTracer(nil),
	}

	for _, opt := range opts {
		opt(&s)
	}

	l := ledger.New(db, drv, ledger.WithTable(s.ledgerTable), ledger.WithMetadataTable(s.metadataTable))
	applier := apply.New(db, drv, l, apply.WithLogger(s.logger), apply.WithStatementTimeout(s.statementTimeout))

	reverter := rollback.New(applier, l, s.logger)
	reverter.Observe(func(_ migration.Unit, duration time.Duration, err error) {
		s.metrics.ObserveUnit("rollback", duration, err)
	})

	return &Engine{
		source:   src,
		db:       db,
		driver:   drv,
		ledger:   l,
		applier:  applier,
		rollback: reverter,
		verifier: verify.New(db, drv, s.logger),
		settings: s,
	}
}

// ---

// Status reports every loaded unit and every ledger row without a loaded
// unit. It neither takes the lock nor creates the ledger tables.
func (e *Engine) Status(ctx context.Context) (*StatusReport, error) {
	units, err := e.source.Scan()
	if err != nil {
		return nil, fmt.Errorf("failed to get the list of available migrations: %w", err)
	}

	entries, err := e.existingEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get the list of applied migrations: %w", err)
	}

	report := summarize(units, entries, e.settings.retryFailed)

	if len(entries) > 0 {
		if report.SchemaVersion, err = e.ledger.SchemaVersion(ctx); err != nil {
			return nil, err
		}
	}

	e.settings.metrics.SetPending(int(report.PendingCount + report.FailedCount + report.ApplyingCount))
	e.settings.metrics.SetSchemaVersion(report.SchemaVersion)

	return report, nil
}

func summarize(units []migration.Unit, entries []migration.LedgerEntry, retryFailed bool) *StatusReport {
	byVersion := make(map[migration.Version]migration.LedgerEntry, len(entries))
	for _, entry := range entries {
		byVersion[entry.Version] = entry
	}

	report := StatusReport{
		Migrations: make([]migration.State, 0, len(units)),
	}
	loaded := make(map[migration.Version]bool, len(units))

	for _, unit := range units {
		loaded[unit.Version] = true

		state := migration.State{
			Description: migration.Describe(unit),
			Status:      migration.Pending,
		}

		if entry, ok := byVersion[unit.Version]; ok {
			state.Status = entry.Status()
			state.AppliedAt = entry.ExecutedAt
			state.Error = entry.ErrorMessage

			if state.Status == migration.Applied && entry.Checksum != unit.Checksum {
				state.Error = (&migration.ChecksumError{
					Version:  unit.Version,
					Recorded: entry.Checksum,
					Current:  unit.Checksum,
				}).Error()
			}
		}

		switch state.Status {
		case migration.Applied:
			report.AppliedCount++
		case migration.Failed:
			report.FailedCount++
			if !retryFailed {
				state.Status = migration.ManualIntervention
			}
		case migration.Applying:
			report.ApplyingCount++
		default:
			report.PendingCount++
		}

		report.Migrations = append(report.Migrations, state)
	}

	for _, entry := range entries {
		if loaded[entry.Version] {
			continue
		}

		report.Migrations = append(report.Migrations, migration.State{
			Description: migration.Description{
				Version:     entry.Version,
				Description: entry.Description,
				Checksum:    entry.Checksum,
			},
			Status:    migration.Missing,
			AppliedAt: entry.ExecutedAt,
			Error:     entry.ErrorMessage,
		})
		report.MissingCount++
	}

	sort.Slice(report.Migrations, func(i, j int) bool {
		return report.Migrations[i].Version < report.Migrations[j].Version
	})

	return &report
}

// ---

// Upgrade applies every pending unit up to and including to, or all of them
// when to is empty, and returns the versions it applied. It stops at the
// first unit that fails.
func (e *Engine) Upgrade(ctx context.Context, to migration.Version) (applied []migration.Version, err error) {
	ctx, logger, finish := e.startRun(ctx, "up")
	defer func() { finish(err) }()

	err = e.withLock(ctx, logger, func(ctx context.Context) error {
		units, entries, err := e.prepare(ctx)
		if err != nil {
			return err
		}

		plan, err := e.plan(units, entries, to)
		if err != nil {
			return err
		}

		logger.Info("upgrade planned", "pending", len(plan), "target", to)

		for _, unit := range plan {
			unitCtx, span := e.settings.tracer.StartUnit(ctx, "apply", unit)
			result, err := e.applier.Apply(unitCtx, unit)
			e.settings.tracer.End(span, err)
			e.settings.metrics.ObserveUnit("apply", result.Duration, err)

			if err != nil {
				e.settings.metrics.SetPending(len(plan) - len(applied))
				return fmt.Errorf("failed to apply migration %s: %w", unit.Version, err)
			}

			applied = append(applied, unit.Version)
		}

		e.settings.metrics.SetPending(len(plan) - len(applied))

		version, err := e.ledger.SchemaVersion(ctx)
		if err != nil {
			return err
		}
		e.settings.metrics.SetSchemaVersion(version)

		logger.Info("upgrade finished", "applied", len(applied), "schema_version", version)

		if e.settings.expectations.IsEmpty() {
			return nil
		}

		return e.check(ctx, logger)
	})

	return applied, err
}

// Downgrade reverts every applied unit above to, newest first, and returns
// the versions it reverted.
func (e *Engine) Downgrade(ctx context.Context, to migration.Version) (reverted []migration.Version, err error) {
	ctx, logger, finish := e.startRun(ctx, "down")
	defer func() { finish(err) }()

	err = e.withLock(ctx, logger, func(ctx context.Context) error {
		units, _, err := e.prepare(ctx)
		if err != nil {
			return err
		}

		reverted, err = e.rollback.Rollback(ctx, units, to)
		if err != nil {
			return err
		}

		version, err := e.ledger.SchemaVersion(ctx)
		if err != nil {
			return err
		}
		e.settings.metrics.SetSchemaVersion(version)

		logger.Info("downgrade finished", "reverted", len(reverted), "schema_version", version)

		return nil
	})

	return reverted, err
}

// Verify checks the live schema against the configured expectations. The
// returned error is non-nil only when the check itself could not run; unmet
// expectations are listed in the report.
func (e *Engine) Verify(ctx context.Context) (report *verify.Report, err error) {
	ctx, logger, finish := e.startRun(ctx, "verify")
	defer func() { finish(err) }()

	if e.settings.expectations.IsEmpty() {
		logger.Warn("no schema expectations configured, nothing to verify")
	}

	return e.verifier.Verify(ctx, e.settings.expectations)
}

// Unlock clears a lock left behind by a run that died. It is a no-op for
// drivers whose locks end with the database session.
func (e *Engine) Unlock(ctx context.Context) error {
	if err := e.driver.ForceUnlock(ctx, e.db, e.settings.lockName); err != nil {
		return fmt.Errorf("failed to release migration lock %q: %w", e.settings.lockName, err)
	}

	e.settings.logger.Warn("migration lock released", "lock", e.settings.lockName, "driver", e.driver.Name())

	return nil
}

// ---

func (e *Engine) startRun(ctx context.Context, command string) (context.Context, *slog.Logger, func(error)) {
	runID := uuid.NewString()
	ctx, span := e.settings.tracer.StartRun(ctx, command, runID)
	logger := e.settings.logger.With("run_id", runID, "command", command)

	return ctx, logger, func(err error) {
		e.settings.tracer.End(span, err)
		e.settings.metrics.MarkRun(time.Now())
	}
}

func (e *Engine) withLock(ctx context.Context, logger *slog.Logger, fn func(ctx context.Context) error) (err error) {
	startedAt := time.Now()

	release, err := e.driver.Lock(ctx, e.db, e.settings.lockName, e.settings.lockTimeout)
	e.settings.metrics.ObserveLockWait(time.Since(startedAt))
	if err != nil {
		return fmt.Errorf("failed to acquire migration lock %q: %w", e.settings.lockName, err)
	}

	logger.Debug("migration lock acquired", "lock", e.settings.lockName, "wait", time.Since(startedAt))

	defer func() {
		if releaseErr := release(context.WithoutCancel(ctx)); releaseErr != nil {
			logger.Error("failed to release migration lock", "lock", e.settings.lockName, "error", releaseErr)
			err = errors.Join(err, fmt.Errorf("failed to release migration lock %q: %w", e.settings.lockName, releaseErr))
		}
	}()

	return fn(ctx)
}

// prepare loads and orders the units, makes sure the ledger exists and
// checks that no applied unit has changed since it was applied.
func (e *Engine) prepare(ctx context.Context) ([]migration.Unit, []migration.LedgerEntry, error) {
	scanned, err := e.source.Scan()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load migrations: %w", err)
	}

	units, err := resolve.Order(scanned)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to order migrations: %w", err)
	}

	if err := e.ledger.Init(ctx); err != nil {
		return nil, nil, err
	}

	entries, err := e.ledger.Entries(ctx)
	if err != nil {
		return nil, nil, err
	}

	if err := checkChecksums(units, entries); err != nil {
		return nil, nil, err
	}

	return units, entries, nil
}

func checkChecksums(units []migration.Unit, entries []migration.LedgerEntry) error {
	checksums := make(map[migration.Version]string, len(units))
	for _, unit := range units {
		checksums[unit.Version] = unit.Checksum
	}

	for _, entry := range entries {
		current, loaded := checksums[entry.Version]
		if !entry.Success || !loaded || current == entry.Checksum {
			continue
		}

		return &migration.ChecksumError{
			Version:  entry.Version,
			Recorded: entry.Checksum,
			Current:  current,
		}
	}

	return nil
}

// plan picks the units to apply, keeping the order of units.
func (e *Engine) plan(units []migration.Unit, entries []migration.LedgerEntry, to migration.Version) ([]migration.Unit, error) {
	byVersion := make(map[migration.Version]migration.LedgerEntry, len(entries))
	for _, entry := range entries {
		byVersion[entry.Version] = entry
	}

	held := make(map[migration.Version]bool)
	plan := make([]migration.Unit, 0, len(units))

	for _, unit := range units {
		entry, recorded := byVersion[unit.Version]
		if recorded && entry.Success {
			continue
		}

		if to != "" && unit.Version > to {
			held[unit.Version] = true
			continue
		}

		if recorded && !e.settings.retryFailed {
			return nil, fmt.Errorf("%w: migration %s did not finish successfully: %s",
				migration.ErrManualIntervention, unit.Version, entry.ErrorMessage)
		}

		plan = append(plan, unit)
	}

	for _, unit := range plan {
		for _, dep := range unit.DependsOn {
			if held[dep] {
				return nil, fmt.Errorf("%w: %s depends on %s which is above target version %s",
					migration.ErrMissingDependency, unit.Version, dep, to)
			}
		}
	}

	return plan, nil
}

func (e *Engine) check(ctx context.Context, logger *slog.Logger) error {
	report, err := e.verifier.Verify(ctx, e.settings.expectations)
	if err != nil {
		return err
	}

	for _, finding := range report.Findings {
		logger.Error("schema expectation not met", "finding", finding.String())
	}

	return report.Err()
}

func (e *Engine) existingEntries(ctx context.Context) ([]migration.LedgerEntry, error) {
	exists, err := driver.HasTable(ctx, e.driver, e.db, e.ledger.Table())
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	return e.ledger.Entries(ctx)
}
