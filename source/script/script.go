// Package script turns the text of a migration file into an ordered list of
// statements and the directives that describe the unit.
//
// Directives are SQL line comments starting with "-- +migrate", so scripts
// stay valid SQL for other tools:
//
//	-- +migrate description Rename the users.deactivated flag
//	-- +migrate depends-on 20240101000000
//	-- +migrate no-transaction
//	-- +migrate rename-column-if-present users deactivated is_deactivated
//	-- +migrate StatementBegin
//	CREATE FUNCTION ... ;
//	-- +migrate StatementEnd
//
// A semicolon ends a statement unless it is quoted, commented out, inside
// parentheses or inside a StatementBegin/StatementEnd block.
package script

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/root-talis/shinka/migration"
)

const directivePrefix = "+migrate"

type Result struct {
	Description string
	DependsOn   []migration.Version
	Atomic      bool
	Statements  []migration.Statement
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ---

type state int

const (
	normal state = iota
	singleQuote
	doubleQuote
	backtick
	dollarQuote
	blockComment
)

type parser struct {
	src  []rune
	pos  int
	line int

	state      state
	dollarTag  string
	parenDepth int

	current     strings.Builder
	currentLine int

	inBlock   bool
	blockLine int

	atomicSet bool
	result    Result
}

// Parse splits content into statements and applies its directives.
// Units are atomic unless they declare "no-transaction".
func Parse(content string) (Result, error) {
	p := &parser{
		src:    []rune(content),
		line:   1,
		result: Result{Atomic: true},
	}

	if err := p.run(); err != nil {
		return Result{}, err
	}

	if len(p.result.Statements) == 0 {
		return Result{}, fmt.Errorf("%w: no statements found", migration.ErrInvalidScript)
	}

	return p.result, nil
}

func (p *parser) run() error {
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		next := p.peek(1)

		switch p.state {
		case normal:
			if err := p.normal(c, next); err != nil {
				return err
			}
			continue

		case singleQuote:
			p.write(c)
			if c == '\'' {
				if next == '\'' {
					p.advance()
					p.write(next)
				} else {
					p.state = normal
				}
			}

		case doubleQuote:
			p.write(c)
			if c == '"' {
				p.state = normal
			}

		case backtick:
			p.write(c)
			if c == '`' {
				p.state = normal
			}

		case dollarQuote:
			if p.hasPrefix(p.dollarTag) {
				p.writeString(p.dollarTag)
				p.advanceBy(len([]rune(p.dollarTag)))
				p.state = normal
				continue
			}
			p.write(c)

		case blockComment:
			if c == '*' && next == '/' {
				p.advance()
				p.state = normal
				p.write(' ')
			}
		}

		p.advance()
	}

	switch {
	case p.state == blockComment:
		return fmt.Errorf("%w: unterminated block comment", migration.ErrInvalidScript)
	case p.state != normal:
		return fmt.Errorf("%w: unterminated quoted text starting before line %d", migration.ErrInvalidScript, p.line)
	case p.inBlock:
		return fmt.Errorf("%w: StatementBegin on line %d has no StatementEnd", migration.ErrInvalidScript, p.blockLine)
	}

	p.flush()

	return nil
}

func (p *parser) normal(c, next rune) error {
	switch {
	case c == '-' && next == '-':
		return p.lineComment()

	case c == '/' && next == '*':
		p.state = blockComment
		p.advanceBy(2)
		return nil

	case c == '\'':
		p.state = singleQuote

	case c == '"':
		p.state = doubleQuote

	case c == '`':
		p.state = backtick

	case c == '$':
		if tag, ok := p.dollarTagAt(); ok {
			p.state = dollarQuote
			p.dollarTag = tag
			p.writeString(tag)
			p.advanceBy(len([]rune(tag)))
			return nil
		}

	case c == '(':
		p.parenDepth++

	case c == ')':
		if p.parenDepth > 0 {
			p.parenDepth--
		}

	case c == ';' && !p.inBlock && p.parenDepth == 0:
		p.advance()
		p.flush()
		return nil
	}

	p.write(c)
	p.advance()

	return nil
}

func (p *parser) lineComment() error {
	line := p.line
	start := p.pos + 2
	end := start

	for end < len(p.src) && p.src[end] != '\n' {
		end++
	}

	text := strings.TrimSpace(string(p.src[start:end]))
	p.advanceBy(end - p.pos)

	if !strings.HasPrefix(text, directivePrefix) {
		return nil
	}

	return p.directive(strings.TrimSpace(strings.TrimPrefix(text, directivePrefix)), line)
}

func (p *parser) dollarTagAt() (string, bool) {
	i := p.pos + 1
	for i < len(p.src) {
		c := p.src[i]
		if c == '$' {
			tag := string(p.src[p.pos : i+1])
			if len(tag) > 2 && unicode.IsDigit([]rune(tag)[1]) {
				return "", false // positional parameter like $1
			}
			return tag, true
		}
		if !(c == '_' || unicode.IsLetter(c) || unicode.IsDigit(c)) {
			return "", false
		}
		i++
	}

	return "", false
}

// ---

func (p *parser) directive(text string, line int) error {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return fmt.Errorf("%w: empty directive on line %d", migration.ErrInvalidScript, line)
	}

	name, args := fields[0], fields[1:]

	switch strings.ToLower(name) {
	case "statementbegin":
		if p.inBlock {
			return fmt.Errorf("%w: nested StatementBegin on line %d", migration.ErrInvalidScript, line)
		}
		p.flush()
		p.inBlock = true
		p.blockLine = line
		return nil

	case "statementend":
		if !p.inBlock {
			return fmt.Errorf("%w: StatementEnd without StatementBegin on line %d", migration.ErrInvalidScript, line)
		}
		p.inBlock = false
		p.flush()
		return nil

	case "description":
		p.result.Description = strings.TrimSpace(strings.TrimPrefix(text, name))
		return nil

	case "depends-on":
		return p.dependsOn(args, line)

	case "transaction", "no-transaction":
		atomic := strings.ToLower(name) == "transaction"
		if p.atomicSet && p.result.Atomic != atomic {
			return fmt.Errorf("%w: conflicting transaction directives on line %d", migration.ErrInvalidScript, line)
		}
		p.atomicSet = true
		p.result.Atomic = atomic
		return nil
	}

	op, err := ParseOperation(text)
	if err != nil {
		return fmt.Errorf("line %d: %w", line, err)
	}

	if p.inBlock || strings.TrimSpace(p.current.String()) != "" {
		return fmt.Errorf("%w: operation %s on line %d interrupts an unterminated statement",
			migration.ErrInvalidScript, op.Kind, line)
	}

	p.appendStatement(migration.Statement{Line: line, Op: op})

	return nil
}

func (p *parser) dependsOn(args []string, line int) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: depends-on without versions on line %d", migration.ErrInvalidScript, line)
	}

	for _, arg := range args {
		for _, raw := range strings.Split(arg, ",") {
			if raw == "" {
				continue
			}
			v, err := migration.ParseVersion(raw)
			if err != nil {
				return fmt.Errorf("%w: line %d: %w", migration.ErrInvalidScript, line, err)
			}
			p.result.DependsOn = append(p.result.DependsOn, v)
		}
	}

	return nil
}

// ParseOperation parses the text of a guarded operation directive, without
// the "-- +migrate" prefix.
func ParseOperation(text string) (*migration.Operation, error) { //nolint:cyclop
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty operation", migration.ErrInvalidScript)
	}

	kind := migration.OperationKind(strings.ToLower(fields[0]))
	args := fields[1:]
	op := &migration.Operation{Kind: kind}

	switch kind {
	case migration.RenameColumnIfPresent:
		if err := expectArgs(kind, args, 3); err != nil {
			return nil, err
		}
		op.Table, op.Column, op.NewName = args[0], args[1], args[2]

	case migration.AddColumnIfAbsent:
		if len(args) < 3 {
			return nil, fmt.Errorf("%w: %s expects <table> <column> <definition>", migration.ErrInvalidScript, kind)
		}
		op.Table, op.Column = args[0], args[1]
		op.Definition = strings.Join(args[2:], " ")

	case migration.DropColumnIfPresent:
		if err := expectArgs(kind, args, 2); err != nil {
			return nil, err
		}
		op.Table, op.Column = args[0], args[1]

	case migration.CreateIndexIfAbsent:
		if len(args) != 3 && len(args) != 4 {
			return nil, fmt.Errorf("%w: %s expects <index> <table> <columns> [unique]", migration.ErrInvalidScript, kind)
		}
		op.Index, op.Table, op.Columns = args[0], args[1], splitList(args[2])
		if len(args) == 4 {
			if !strings.EqualFold(args[3], "unique") {
				return nil, fmt.Errorf("%w: unexpected %q in %s", migration.ErrInvalidScript, args[3], kind)
			}
			op.Unique = true
		}

	case migration.DropIndexIfPresent:
		if err := expectArgs(kind, args, 2); err != nil {
			return nil, err
		}
		op.Index, op.Table = args[0], args[1]

	case migration.RenameTableIfPresent:
		if err := expectArgs(kind, args, 2); err != nil {
			return nil, err
		}
		op.Table, op.NewName = args[0], args[1]

	case migration.DropTableIfPresent:
		if err := expectArgs(kind, args, 1); err != nil {
			return nil, err
		}
		op.Table = args[0]

	case migration.MergeTable:
		if err := expectArgs(kind, args, 4); err != nil {
			return nil, err
		}
		op.Source, op.Table, op.Columns, op.TieBreak = args[0], args[1], splitList(args[2]), args[3]

	default:
		return nil, fmt.Errorf("%w: unknown directive %q", migration.ErrInvalidScript, fields[0])
	}

	if err := validateIdentifiers(op); err != nil {
		return nil, err
	}

	return op, nil
}

func expectArgs(kind migration.OperationKind, args []string, n int) error {
	if len(args) != n {
		return fmt.Errorf("%w: %s expects %d arguments, %d given", migration.ErrInvalidScript, kind, n, len(args))
	}
	return nil
}

func splitList(s string) []string {
	var result []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}

func validateIdentifiers(op *migration.Operation) error {
	names := append([]string{}, op.Columns...)
	for _, name := range []string{op.Table, op.Column, op.NewName, op.Index, op.Source, op.TieBreak} {
		if name != "" {
			names = append(names, name)
		}
	}

	if len(op.Columns) == 0 && (op.Kind == migration.CreateIndexIfAbsent || op.Kind == migration.MergeTable) {
		return fmt.Errorf("%w: %s needs at least one column", migration.ErrInvalidScript, op.Kind)
	}

	for _, name := range names {
		if !identifier.MatchString(name) {
			return fmt.Errorf("%w: %q is not a valid identifier", migration.ErrInvalidScript, name)
		}
	}

	return nil
}

// ---

func (p *parser) flush() {
	sql := strings.TrimSpace(p.current.String())
	p.current.Reset()
	p.parenDepth = 0

	if sql == "" {
		return
	}

	p.appendStatement(migration.Statement{Line: p.currentLine, SQL: sql})
}

func (p *parser) appendStatement(stmt migration.Statement) {
	stmt.Index = len(p.result.Statements) + 1
	p.result.Statements = append(p.result.Statements, stmt)
}

func (p *parser) write(c rune) {
	if strings.TrimSpace(p.current.String()) == "" && !unicode.IsSpace(c) {
		p.currentLine = p.line
	}
	p.current.WriteRune(c)
}

func (p *parser) writeString(s string) {
	for _, c := range s {
		p.write(c)
	}
}

func (p *parser) hasPrefix(s string) bool {
	i := p.pos
	for _, c := range s {
		if i >= len(p.src) || p.src[i] != c {
			return false
		}
		i++
	}
	return true
}

func (p *parser) peek(offset int) rune {
	if p.pos+offset < len(p.src) {
		return p.src[p.pos+offset]
	}
	return 0
}

func (p *parser) advance() {
	if p.src[p.pos] == '\n' {
		p.line++
	}
	p.pos++
}

func (p *parser) advanceBy(n int) {
	for i := 0; i < n && p.pos < len(p.src); i++ {
		p.advance()
	}
}
