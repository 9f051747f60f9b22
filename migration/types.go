package migration

import "time"

// ---

// Statement is a single unit of work inside a script: either raw SQL or a
// guarded operation.
type Statement struct {
	Index int // 1-based position inside the script
	Line  int // line of the script where the statement starts
	SQL   string
	Op    *Operation
}

func (s Statement) IsGuarded() bool {
	return s.Op != nil
}

// ---

type OperationKind string

const (
	RenameColumnIfPresent OperationKind = "rename-column-if-present"
	AddColumnIfAbsent     OperationKind = "add-column-if-absent"
	DropColumnIfPresent   OperationKind = "drop-column-if-present"
	CreateIndexIfAbsent   OperationKind = "create-index-if-absent"
	DropIndexIfPresent    OperationKind = "drop-index-if-present"
	RenameTableIfPresent  OperationKind = "rename-table-if-present"
	DropTableIfPresent    OperationKind = "drop-table-if-present"
	MergeTable            OperationKind = "merge-table"
)

// Operation is the parsed form of a guarded operation directive.
// Field usage depends on Kind:
//
//	rename-column-if-present  Table, Column -> NewName
//	add-column-if-absent      Table, Column, Definition
//	drop-column-if-present    Table, Column
//	create-index-if-absent    Index, Table, Columns, Unique
//	drop-index-if-present     Index, Table
//	rename-table-if-present   Table -> NewName
//	drop-table-if-present     Table
//	merge-table               Source -> Table, Columns (keys), TieBreak
type Operation struct {
	Kind       OperationKind
	Table      string
	Column     string
	NewName    string
	Definition string
	Index      string
	Columns    []string
	Unique     bool
	Source     string
	TieBreak   string
}

// ---

type Script struct {
	Name       string // file name the script was read from
	Atomic     bool
	Statements []Statement
	Checksum   string
}

// Unit is one versioned migration. It is immutable once loaded.
type Unit struct {
	Script
	Version     Version
	Description string
	DependsOn   []Version
	Rollback    *Script
}

func (u Unit) CanUndo() bool {
	return u.Rollback != nil
}

// ---

type Status uint

const (
	Discovered Status = iota
	Pending
	Applying
	Applied
	Failed
	RolledBack
	ManualIntervention
	Missing
)

func (s Status) String() string {
	switch s {
	case Discovered:
		return "discovered"
	case Pending:
		return "pending"
	case Applying:
		return "applying"
	case Applied:
		return "applied"
	case Failed:
		return "failed"
	case RolledBack:
		return "rolled back"
	case ManualIntervention:
		return "manual intervention"
	case Missing:
		return "missing"
	}

	return "unknown"
}

// ---

// LedgerEntry is one row of the ledger table.
type LedgerEntry struct {
	Version      Version
	Description  string
	Checksum     string
	Success      bool
	Duration     time.Duration
	ErrorMessage string
	ExecutedAt   time.Time
	Finished     bool // false while the attempt has no recorded result
}

// Status derives the state machine position of a ledger row.
func (e LedgerEntry) Status() Status {
	switch {
	case e.Success:
		return Applied
	case !e.Finished:
		return Applying
	default:
		return Failed
	}
}

// ApplyResult is the outcome of a single unit execution.
type ApplyResult struct {
	Success      bool
	Duration     time.Duration
	ErrorMessage string
}

// ---

type Description struct {
	Version     Version
	Name        string
	Description string
	Checksum    string
	CanUndo     bool
}

func Describe(u Unit) Description {
	return Description{
		Version:     u.Version,
		Name:        u.Name,
		Description: u.Description,
		Checksum:    u.Checksum,
		CanUndo:     u.CanUndo(),
	}
}

type State struct {
	Description
	Status    Status
	AppliedAt time.Time
	Error     string
}
