package migration

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidVersion        = errors.New("invalid migration version")
	ErrInvalidScript         = errors.New("invalid migration script")
	ErrDuplicateVersion      = errors.New("migration version already exists with different content")
	ErrChecksumMismatch      = errors.New("checksum of an applied migration has changed")
	ErrDependencyCycle       = errors.New("migration dependency cycle")
	ErrMissingDependency     = errors.New("migration depends on an unknown version")
	ErrLockTimeout           = errors.New("timed out waiting for the migration lock")
	ErrStatementFailure      = errors.New("migration statement failed")
	ErrIntegrity             = errors.New("schema does not match expectations")
	ErrMissingRollbackScript = errors.New("migration has no rollback script")
	ErrRollbackDependency    = errors.New("rollback would orphan a dependent migration")
	ErrNoStartRecord         = errors.New("ledger has no start record for migration")
	ErrAborted               = errors.New("migration run aborted")
	ErrManualIntervention    = errors.New("failed migration requires manual intervention")
)

// ---

// StatementError reports the statement of a unit that the store rejected.
type StatementError struct {
	Version Version
	Index   int
	Line    int
	Err     error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("migration %s: statement %d (line %d) failed: %v", e.Version, e.Index, e.Line, e.Err)
}

func (e *StatementError) Unwrap() []error {
	return []error{ErrStatementFailure, e.Err}
}

// ---

type ChecksumError struct {
	Version  Version
	Recorded string
	Current  string
	// Rollback is set when the changed file is the unit's rollback script.
	Rollback bool
}

func (e *ChecksumError) Error() string {
	subject := "migration " + string(e.Version)
	if e.Rollback {
		subject = "rollback script of migration " + string(e.Version)
	}

	return fmt.Sprintf("%s: %s was applied with checksum %s, current content has %s",
		ErrChecksumMismatch, subject, e.Recorded, e.Current)
}

func (e *ChecksumError) Unwrap() error {
	return ErrChecksumMismatch
}

// ---

type CycleError struct {
	Path []Version
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, v := range e.Path {
		parts[i] = string(v)
	}

	return fmt.Sprintf("%s: %s", ErrDependencyCycle, strings.Join(parts, " -> "))
}

func (e *CycleError) Unwrap() error {
	return ErrDependencyCycle
}

// IsLoadError reports whether err was raised before any statement could run.
func IsLoadError(err error) bool {
	for _, target := range []error{
		ErrInvalidVersion,
		ErrInvalidScript,
		ErrDuplicateVersion,
		ErrChecksumMismatch,
		ErrDependencyCycle,
		ErrMissingDependency,
		ErrMissingRollbackScript,
		ErrRollbackDependency,
	} {
		if errors.Is(err, target) {
			return true
		}
	}

	return false
}
