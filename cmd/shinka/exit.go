package main

import (
	"errors"

	"github.com/root-talis/shinka/migration"
)

const (
	exitOK = iota
	exitIntegrity
	exitLoad
	exitLockTimeout
	exitExecution
	exitSetup
)

// setupError marks failures that happen before the engine runs: bad usage,
// configuration or an unreachable database.
type setupError struct {
	err error
}

func (e *setupError) Error() string {
	return e.err.Error()
}

func (e *setupError) Unwrap() error {
	return e.err
}

func setup(err error) error {
	if err == nil {
		return nil
	}
	return &setupError{err: err}
}

func exitCode(err error) int {
	var se *setupError

	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &se):
		return exitSetup
	case migration.IsLoadError(err):
		return exitLoad
	case errors.Is(err, migration.ErrLockTimeout):
		return exitLockTimeout
	case errors.Is(err, migration.ErrIntegrity):
		return exitIntegrity
	default:
		return exitExecution
	}
}
