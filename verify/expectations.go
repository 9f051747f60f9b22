package verify

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const defaultMinMatches = 1

// Expectations describe the schema a set of migrations must produce.
//
//	tables: [users, rooms]
//	columns:
//	  users: [name, is_deactivated]
//	foreign_keys: [fk_events_room]
//	indexes:
//	  - idx_events_*            # at least one match
//	  - pattern: idx_users_*
//	    min: 2
type Expectations struct {
	Tables      []string            `yaml:"tables"`
	Columns     map[string][]string `yaml:"columns"`
	ForeignKeys []string            `yaml:"foreign_keys"`
	Indexes     []IndexExpectation  `yaml:"indexes"`
}

// IndexExpectation requires at least Min indexes whose name matches Pattern
// (path.Match syntax).
type IndexExpectation struct {
	Pattern string `yaml:"pattern"`
	Min     int    `yaml:"min"`
}

func (e *IndexExpectation) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		e.Pattern = node.Value
		e.Min = defaultMinMatches
		return nil
	}

	type plain IndexExpectation
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}

	if p.Min <= 0 {
		p.Min = defaultMinMatches
	}

	*e = IndexExpectation(p)

	return nil
}

func (e Expectations) IsEmpty() bool {
	return len(e.Tables) == 0 && len(e.Columns) == 0 && len(e.ForeignKeys) == 0 && len(e.Indexes) == 0
}

func ParseExpectations(data []byte) (Expectations, error) {
	var e Expectations
	if err := yaml.Unmarshal(data, &e); err != nil {
		return Expectations{}, fmt.Errorf("failed to parse expectations: %w", err)
	}
	return e, nil
}

func LoadExpectations(path string) (Expectations, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Expectations{}, fmt.Errorf("failed to read expectations file: %w", err)
	}
	return ParseExpectations(data)
}
