// Package schema describes the columns of tables registered with a pipeline
// session and the program schema reported back by the service.
package schema

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/juju/errors"
)

// Type is a SQL type tag.
type Type string

// Supported type tags.
const (
	Boolean   Type = "BOOLEAN"
	TinyInt   Type = "TINYINT"
	SmallInt  Type = "SMALLINT"
	Int       Type = "INT"
	Integer   Type = "INTEGER"
	BigInt    Type = "BIGINT"
	Real      Type = "REAL"
	Float     Type = "FLOAT"
	Double    Type = "DOUBLE"
	Decimal   Type = "DECIMAL"
	Numeric   Type = "NUMERIC"
	Char      Type = "CHAR"
	Varchar   Type = "VARCHAR"
	String    Type = "STRING"
	Text      Type = "TEXT"
	Binary    Type = "BINARY"
	Varbinary Type = "VARBINARY"
	Date      Type = "DATE"
	Time      Type = "TIME"
	Timestamp Type = "TIMESTAMP"
	Interval  Type = "INTERVAL"
	Variant   Type = "VARIANT"
)

var knownTypes = map[Type]bool{
	Boolean: true, TinyInt: true, SmallInt: true, Int: true, Integer: true, BigInt: true,
	Real: true, Float: true, Double: true, Decimal: true, Numeric: true,
	Char: true, Varchar: true, String: true, Text: true, Binary: true, Varbinary: true,
	Date: true, Time: true, Timestamp: true, Interval: true, Variant: true,
}

// IsNumeric reports whether values of the type are numbers.
func (t Type) IsNumeric() bool {
	switch t {
	case TinyInt, SmallInt, Int, Integer, BigInt, Real, Float, Double, Decimal, Numeric:
		return true
	}
	return false
}

// IsIntegral reports whether values of the type are whole numbers.
func (t Type) IsIntegral() bool {
	switch t {
	case TinyInt, SmallInt, Int, Integer, BigInt:
		return true
	}
	return false
}

// IsTemporal reports whether values of the type are dates or times.
func (t Type) IsTemporal() bool {
	return t == Date || t == Time || t == Timestamp
}

// Column is a single column definition.
type Column struct {
	Name string
	Type Type
	// Args holds the parenthesised type arguments, e.g. "10,2" for DECIMAL(10,2).
	Args       string
	NotNull    bool
	PrimaryKey bool
}

// Declaration renders the column type and its modifiers.
func (c Column) Declaration() string {
	var b strings.Builder
	b.WriteString(string(c.Type))
	if c.Args != "" {
		b.WriteString("(" + c.Args + ")")
	}
	if c.NotNull {
		b.WriteString(" NOT NULL")
	}
	if c.PrimaryKey {
		b.WriteString(" PRIMARY KEY")
	}
	return b.String()
}

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	declPattern       = regexp.MustCompile(`^(?i)([A-Z]+)\s*(?:\(\s*([0-9]+(?:\s*,\s*[0-9]+)?)\s*\))?((?:\s+[A-Z]+)*)\s*$`)
)

// ParseColumn parses a declaration such as "INT NOT NULL PRIMARY KEY".
func ParseColumn(name, decl string) (Column, error) {
	if !identifierPattern.MatchString(name) {
		return Column{}, errors.NotValidf("column name %q", name)
	}
	m := declPattern.FindStringSubmatch(strings.TrimSpace(decl))
	if m == nil {
		return Column{}, errors.NotValidf("declaration %q of column %q", decl, name)
	}
	col := Column{
		Name: name,
		Type: Type(strings.ToUpper(m[1])),
		Args: strings.ReplaceAll(m[2], " ", ""),
	}
	if !knownTypes[col.Type] {
		return Column{}, errors.NotValidf("type %q of column %q", m[1], name)
	}

	mods := strings.Fields(strings.ToUpper(m[3]))
	for i := 0; i < len(mods); i++ {
		switch {
		case mods[i] == "NULL":
		case mods[i] == "NOT" && i+1 < len(mods) && mods[i+1] == "NULL":
			col.NotNull = true
			i++
		case mods[i] == "PRIMARY" && i+1 < len(mods) && mods[i+1] == "KEY":
			col.PrimaryKey = true
			col.NotNull = true
			i++
		default:
			return Column{}, errors.NotValidf("modifier %q of column %q", mods[i], name)
		}
	}
	return col, nil
}

// Col is like ParseColumn but panics on error. It is meant for literal
// declarations in code and tests.
func Col(name, decl string) Column {
	c, err := ParseColumn(name, decl)
	if err != nil {
		panic(err)
	}
	return c
}

// Schema is an ordered, immutable set of columns.
type Schema struct {
	columns []Column
	index   map[string]int
}

// New creates a schema, rejecting empty schemas and duplicate column names.
func New(columns ...Column) (*Schema, error) {
	if len(columns) == 0 {
		return nil, errors.NotValidf("empty schema")
	}
	s := &Schema{
		columns: make([]Column, len(columns)),
		index:   make(map[string]int, len(columns)),
	}
	copy(s.columns, columns)
	for i, c := range s.columns {
		if !identifierPattern.MatchString(c.Name) {
			return nil, errors.NotValidf("column name %q", c.Name)
		}
		if !knownTypes[c.Type] {
			return nil, errors.NotValidf("type %q of column %q", c.Type, c.Name)
		}
		key := CanonicalName(c.Name)
		if _, dup := s.index[key]; dup {
			return nil, errors.NotValidf("duplicate column %q", c.Name)
		}
		s.index[key] = i
	}
	return s, nil
}

// FromDeclarations builds a schema from alternating name/declaration pairs:
//
//	schema.FromDeclarations("id", "INT NOT NULL", "name", "STRING")
func FromDeclarations(pairs ...string) (*Schema, error) {
	if len(pairs)%2 != 0 {
		return nil, errors.NotValidf("odd number of name/declaration arguments")
	}
	cols := make([]Column, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		c, err := ParseColumn(pairs[i], pairs[i+1])
		if err != nil {
			return nil, errors.Trace(err)
		}
		cols = append(cols, c)
	}
	return New(cols...)
}

// MustFromDeclarations is like FromDeclarations but panics on error.
func MustFromDeclarations(pairs ...string) *Schema {
	s, err := FromDeclarations(pairs...)
	if err != nil {
		panic(err)
	}
	return s
}

// Columns returns a copy of the column list.
func (s *Schema) Columns() []Column {
	out := make([]Column, len(s.columns))
	copy(out, s.columns)
	return out
}

// Names returns the column names in declaration order.
func (s *Schema) Names() []string {
	names := make([]string, len(s.columns))
	for i, c := range s.columns {
		names[i] = c.Name
	}
	return names
}

// Lookup finds a column by name, ignoring case.
func (s *Schema) Lookup(name string) (Column, bool) {
	i, ok := s.index[CanonicalName(name)]
	if !ok {
		return Column{}, false
	}
	return s.columns[i], true
}

// Len returns the number of columns.
func (s *Schema) Len() int {
	return len(s.columns)
}

// PrimaryKey returns the names of the primary key columns.
func (s *Schema) PrimaryKey() []string {
	var keys []string
	for _, c := range s.columns {
		if c.PrimaryKey {
			keys = append(keys, c.Name)
		}
	}
	return keys
}

// MatchColumns checks that names is exactly the column set of the schema.
func (s *Schema) MatchColumns(names []string) error {
	if len(names) == 0 {
		return errors.NotValidf("input without column labels")
	}
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		key := CanonicalName(n)
		if seen[key] {
			return errors.NotValidf("duplicate input column %q", n)
		}
		seen[key] = true
		if _, ok := s.index[key]; !ok {
			return errors.NotValidf("input column %q not in schema (%s)", n, strings.Join(s.Names(), ", "))
		}
	}
	for _, c := range s.columns {
		if !seen[CanonicalName(c.Name)] {
			return errors.NotValidf("input is missing column %q", c.Name)
		}
	}
	return nil
}

// DDL renders the CREATE TABLE statement for the schema.
func (s *Schema) DDL(table string) string {
	parts := make([]string, len(s.columns))
	for i, c := range s.columns {
		parts[i] = fmt.Sprintf("    %s %s", c.Name, c.Declaration())
	}
	return fmt.Sprintf("CREATE TABLE %s (\n%s\n);", table, strings.Join(parts, ",\n"))
}

// CanonicalName returns the identifier as the service stores it: unquoted
// identifiers are case-insensitive, quoted ones keep their case.
func CanonicalName(id string) string {
	if len(id) >= 2 && strings.HasPrefix(id, `"`) && strings.HasSuffix(id, `"`) {
		return id[1 : len(id)-1]
	}
	return strings.ToLower(id)
}

// ValidIdentifier reports whether name can be used unquoted as a table, view
// or column name.
func ValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}
