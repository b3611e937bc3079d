// Package schema declares dataset columns and validates normalized candidates
// against them.
package schema

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Kind is the value class of a column.
type Kind int

const (
	KindString Kind = iota
	KindText
	KindInt
	KindFloat
	KindBool
	KindDate
	KindDateTime
	KindBlob
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "VARCHAR"
	case KindText:
		return "TEXT"
	case KindInt:
		return "INT"
	case KindFloat:
		return "FLOAT"
	case KindBool:
		return "BOOLEAN"
	case KindDate:
		return "DATE"
	case KindDateTime:
		return "DATETIME"
	case KindBlob:
		return "BLOB"
	}
	return "UNKNOWN"
}

// Column is one declared dataset column.
type Column struct {
	Name string
	// Declared is the type as written in configuration, e.g. "VARCHAR(50)".
	Declared string
	Kind     Kind
	// Length bounds VARCHAR values in characters; 0 means unbounded.
	Length   int
	Required bool
}

// StandardColumns are present in every dataset table and may not be
// redeclared by a schema.
var StandardColumns = []string{
	"id", "created_at", "updated_at", "status", "label", "data_intent",
	"data_id", "filename", "extension", "annotation", "ingestor_id",
}

// Options configures which candidate attributes are mandatory.
type Options struct {
	// IDColumn names the source column holding the unique id. Used in error reports.
	IDColumn string
	// LabelColumn, when set, makes the label mandatory.
	LabelColumn string
	// IntentColumn names the optional per-record intent column.
	IntentColumn string
	// Required lists schema columns that must be present and non-empty.
	Required []string
}

// Schema is an immutable set of columns plus the validation options.
type Schema struct {
	columns []Column
	index   map[string]int
	opts    Options
}

var typePattern = regexp.MustCompile(`^([A-Za-z]+)\s*(?:\(\s*(\d+)\s*(?:,\s*\d+\s*)?\))?$`)

// ParseType parses a declared column type such as "VARCHAR(255)" or "int".
func ParseType(declared string) (Kind, int, error) {
	m := typePattern.FindStringSubmatch(strings.TrimSpace(declared))
	if m == nil {
		return 0, 0, fmt.Errorf("unsupported column type %q", declared)
	}
	length := 0
	if m[2] != "" {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return 0, 0, fmt.Errorf("column type %q: invalid length: %w", declared, err)
		}
		length = n
	}
	switch strings.ToUpper(m[1]) {
	case "VARCHAR", "CHAR", "STRING":
		return KindString, length, nil
	case "TEXT", "MEDIUMTEXT", "LONGTEXT":
		return KindText, 0, nil
	case "INT", "INTEGER", "BIGINT", "SMALLINT", "TINYINT":
		return KindInt, 0, nil
	case "FLOAT", "DOUBLE", "REAL", "DECIMAL", "NUMERIC":
		return KindFloat, 0, nil
	case "BOOL", "BOOLEAN":
		return KindBool, 0, nil
	case "DATE":
		return KindDate, 0, nil
	case "DATETIME", "TIMESTAMP":
		return KindDateTime, 0, nil
	case "BLOB", "LONGBLOB", "BYTEA":
		return KindBlob, 0, nil
	}
	return 0, 0, fmt.Errorf("unsupported column type %q", declared)
}

// Parse builds a Schema from a column-name to declared-type mapping.
// Columns are kept in name order so generated SQL is deterministic.
func Parse(columns map[string]string, opts Options) (*Schema, error) {
	reserved := make(map[string]bool, len(StandardColumns))
	for _, c := range StandardColumns {
		reserved[c] = true
	}

	s := &Schema{index: make(map[string]int, len(columns)), opts: opts}
	names := make([]string, 0, len(columns))
	for name := range columns {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ValidateIdentifier(name); err != nil {
			return nil, fmt.Errorf("column %q: %w", name, err)
		}
		if reserved[strings.ToLower(name)] {
			return nil, fmt.Errorf("column %q collides with a standard column", name)
		}
		kind, length, err := ParseType(columns[name])
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", name, err)
		}
		s.index[name] = len(s.columns)
		s.columns = append(s.columns, Column{
			Name:     name,
			Declared: strings.TrimSpace(columns[name]),
			Kind:     kind,
			Length:   length,
		})
	}

	for _, name := range opts.Required {
		i, ok := s.index[name]
		if !ok {
			return nil, fmt.Errorf("required column %q is not declared in the schema", name)
		}
		s.columns[i].Required = true
	}
	return s, nil
}

// Columns returns the declared columns in name order.
func (s *Schema) Columns() []Column {
	out := make([]Column, len(s.columns))
	copy(out, s.columns)
	return out
}

// Column looks up a column by name.
func (s *Schema) Column(name string) (Column, bool) {
	i, ok := s.index[name]
	if !ok {
		return Column{}, false
	}
	return s.columns[i], true
}

// Has reports whether name is a declared column.
func (s *Schema) Has(name string) bool {
	_, ok := s.index[name]
	return ok
}

// Options returns the validation options the schema was built with.
func (s *Schema) Options() Options { return s.opts }

// Declared returns the column mapping as configured, for metadata reports.
func (s *Schema) Declared() map[string]string {
	out := make(map[string]string, len(s.columns))
	for _, c := range s.columns {
		out[c.Name] = c.Declared
	}
	return out
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

var reservedWords = map[string]bool{
	"select": true, "from": true, "where": true, "insert": true, "update": true,
	"delete": true, "table": true, "create": true, "drop": true, "alter": true,
	"index": true, "order": true, "group": true, "user": true, "join": true,
}

// ValidateIdentifier checks a table or column name: letters, digits and
// underscores, not starting with a digit, at most 63 characters.
func ValidateIdentifier(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("invalid identifier %q: use letters, digits and underscores, starting with a letter or underscore", name)
	}
	return nil
}

// ValidateTableName applies ValidateIdentifier and also rejects common SQL
// keywords.
func ValidateTableName(name string) error {
	if err := ValidateIdentifier(name); err != nil {
		return err
	}
	if reservedWords[strings.ToLower(name)] {
		return fmt.Errorf("table name %q is a reserved SQL keyword", name)
	}
	return nil
}
