package schema

// ProgramSchema lists the input and output relations of a compiled program,
// as reported by the service.
type ProgramSchema struct {
	Inputs  []Relation `json:"inputs"`
	Outputs []Relation `json:"outputs"`
}

// Relation is a table or view with its fields.
type Relation struct {
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`
}

// Field is a column of a relation.
type Field struct {
	Name       string     `json:"name"`
	ColumnType ColumnType `json:"columntype"`
}

// ColumnType is the compiler's description of a column type.
type ColumnType struct {
	Type      string      `json:"type"`
	Nullable  bool        `json:"nullable"`
	Precision *int64      `json:"precision,omitempty"`
	Scale     *int64      `json:"scale,omitempty"`
	Component *ColumnType `json:"component,omitempty"`
}

// FieldNames returns the field names in order.
func (r Relation) FieldNames() []string {
	names := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		names[i] = f.Name
	}
	return names
}

// Output finds an output relation by name.
func (p *ProgramSchema) Output(name string) (Relation, bool) {
	return find(p.Outputs, name)
}

// Input finds an input relation by name.
func (p *ProgramSchema) Input(name string) (Relation, bool) {
	return find(p.Inputs, name)
}

func find(rels []Relation, name string) (Relation, bool) {
	key := CanonicalName(name)
	for _, r := range rels {
		if CanonicalName(r.Name) == key {
			return r, true
		}
	}
	return Relation{}, false
}
