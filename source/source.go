package source

import (
	"fmt"

	"github.com/root-talis/shinka/migration"
)

// Source discovers migration units. Scan either returns the complete set of
// units sorted by version, or an error and no units.
type Source interface {
	Scan() ([]migration.Unit, error)
}

var (
	ErrMalformedName  = fmt.Errorf("%w: file name is malformed", migration.ErrInvalidScript)
	ErrOrphanRollback = fmt.Errorf("%w: rollback script has no forward migration", migration.ErrInvalidScript)
)
