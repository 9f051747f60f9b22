// Package rollback reverts applied migration units down to a target version
// using their rollback scripts.
//
// Rollback restores structure. Values removed by a forward script (a dropped
// column, a merged table) come back only if that script kept a copy.
package rollback

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/root-talis/shinka/apply"
	"github.com/root-talis/shinka/driver"
	"github.com/root-talis/shinka/ledger"
	"github.com/root-talis/shinka/migration"
)

// Observer is told about every reverted unit, successful or not.
type Observer func(unit migration.Unit, duration time.Duration, err error)

type Engine struct {
	applier *apply.Applier
	ledger  *ledger.Ledger
	logger  *slog.Logger
	now     func() time.Time
	observe Observer
}

func New(applier *apply.Applier, l *ledger.Ledger, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		applier: applier,
		ledger:  l,
		logger:  logger,
		now:     time.Now,
		observe: func(migration.Unit, time.Duration, error) {},
	}
}

func (e *Engine) Observe(fn Observer) {
	if fn != nil {
		e.observe = fn
	}
}

// Plan returns the units to revert to reach target, in the order they must
// be reverted. units must be in apply order. Plan reads the ledger but
// changes nothing.
func (e *Engine) Plan(ctx context.Context, units []migration.Unit, target migration.Version) ([]migration.Unit, error) {
	applied, err := e.ledger.ListApplied(ctx)
	if err != nil {
		return nil, err
	}

	position := make(map[migration.Version]int, len(units))
	for i, u := range units {
		position[u.Version] = i
	}

	var (
		plan      []migration.Unit
		offenders []string
		reverting = make(map[migration.Version]bool)
	)

	for _, entry := range applied {
		if entry.Version <= target {
			continue
		}

		reverting[entry.Version] = true

		i, loaded := position[entry.Version]
		switch {
		case !loaded:
			offenders = append(offenders, string(entry.Version)+" (not loaded)")
		case !units[i].CanUndo():
			offenders = append(offenders, string(entry.Version))
		default:
			plan = append(plan, units[i])
		}
	}

	if len(offenders) > 0 {
		return nil, fmt.Errorf("%w: %s", migration.ErrMissingRollbackScript, strings.Join(offenders, ", "))
	}

	for _, unit := range plan {
		if err := e.checkRollbackChecksum(ctx, unit); err != nil {
			return nil, err
		}
	}

	for _, entry := range applied {
		if reverting[entry.Version] {
			continue
		}

		i, loaded := position[entry.Version]
		if !loaded {
			continue
		}

		for _, dep := range units[i].DependsOn {
			if reverting[dep] {
				return nil, fmt.Errorf("%w: %s depends on %s", migration.ErrRollbackDependency, entry.Version, dep)
			}
		}
	}

	slices.SortFunc(plan, func(a, b migration.Unit) int {
		return position[b.Version] - position[a.Version]
	})

	return plan, nil
}

// checkRollbackChecksum refuses a rollback script that changed after its unit
// was applied. Units applied without a recorded checksum pass.
func (e *Engine) checkRollbackChecksum(ctx context.Context, unit migration.Unit) error {
	recorded, ok, err := e.ledger.Metadata(ctx, ledger.RollbackChecksumKey(unit.Version))
	if err != nil {
		return err
	}

	if ok && recorded != unit.Rollback.Checksum {
		return &migration.ChecksumError{
			Version:  unit.Version,
			Recorded: recorded,
			Current:  unit.Rollback.Checksum,
			Rollback: true,
		}
	}

	return nil
}

// Rollback reverts every applied unit above target, newest first, and
// returns the versions it reverted. It stops at the first failure.
func (e *Engine) Rollback(ctx context.Context, units []migration.Unit, target migration.Version) ([]migration.Version, error) {
	plan, err := e.Plan(ctx, units, target)
	if err != nil {
		return nil, err
	}

	reverted := make([]migration.Version, 0, len(plan))

	for _, unit := range plan {
		logger := e.logger.With("version", unit.Version, "description", unit.Description)
		logger.Info("reverting migration", "statements", len(unit.Rollback.Statements), "atomic", unit.Rollback.Atomic)
		startedAt := time.Now()

		err := e.applier.Execute(ctx, unit.Version, *unit.Rollback, func(ctx context.Context, ex driver.Executor) error {
			l := e.ledger.With(ex)
			if err := l.Delete(ctx, unit.Version); err != nil {
				return err
			}
			if err := l.DeleteMetadata(ctx, ledger.RollbackChecksumKey(unit.Version)); err != nil {
				return err
			}
			_, err := l.RefreshSchemaVersion(ctx)
			return err
		})
		e.observe(unit, time.Since(startedAt), err)
		if err != nil {
			logger.Error("failed to revert migration", "error", err)
			return reverted, fmt.Errorf("failed to revert migration %s: %w", unit.Version, err)
		}

		logger.Info("migration reverted", "duration", time.Since(startedAt))
		reverted = append(reverted, unit.Version)
	}

	if len(reverted) == 0 {
		return reverted, nil
	}

	record := fmt.Sprintf("%s..%s at %s", reverted[0], target, e.now().UTC().Format(time.RFC3339))
	if err := e.ledger.SetMetadata(context.WithoutCancel(ctx), ledger.LastRollbackKey, record); err != nil {
		return reverted, err
	}

	e.logger.Warn("schema rolled back",
		"from", reverted[0],
		"to", target,
		"reverted", len(reverted),
	)

	return reverted, nil
}
