package schema

import (
	"encoding/json"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseColumn(t *testing.T) {
	tests := []struct {
		name    string
		decl    string
		want    Column
		wantErr bool
	}{
		{name: "id", decl: "INT", want: Column{Name: "id", Type: Int}},
		{name: "id", decl: "int not null", want: Column{Name: "id", Type: Int, NotNull: true}},
		{name: "id", decl: "INT NOT NULL PRIMARY KEY", want: Column{Name: "id", Type: Int, NotNull: true, PrimaryKey: true}},
		{name: "price", decl: "DECIMAL(10, 2)", want: Column{Name: "price", Type: Decimal, Args: "10,2"}},
		{name: "name", decl: "VARCHAR(255) NULL", want: Column{Name: "name", Type: Varchar, Args: "255"}},
		{name: "ts", decl: "TIMESTAMP", want: Column{Name: "ts", Type: Timestamp}},
		{name: "bad", decl: "WIDGET", wantErr: true},
		{name: "bad", decl: "INT UNIQUE", wantErr: true},
		{name: "1bad", decl: "INT", wantErr: true},
		{name: "bad", decl: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name+" "+tt.decl, func(t *testing.T) {
			got, err := ParseColumn(tt.name, tt.decl)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, errors.NotValid))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewRejectsDuplicates(t *testing.T) {
	_, err := New(Col("id", "INT"), Col("ID", "BIGINT"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.NotValid))

	_, err = New()
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestFromDeclarations(t *testing.T) {
	s, err := FromDeclarations("student_id", "INT", "science", "INT", "maths", "INT", "art", "INT")
	require.NoError(t, err)
	assert.Equal(t, []string{"student_id", "science", "maths", "art"}, s.Names())
	assert.Equal(t, 4, s.Len())

	_, err = FromDeclarations("id")
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestDDL(t *testing.T) {
	s := MustFromDeclarations("id", "INT NOT NULL PRIMARY KEY", "name", "STRING")
	assert.Equal(t, "CREATE TABLE items (\n    id INT NOT NULL PRIMARY KEY,\n    name STRING\n);", s.DDL("items"))
	assert.Equal(t, []string{"id"}, s.PrimaryKey())
}

func TestMatchColumns(t *testing.T) {
	s := MustFromDeclarations("id", "INT", "name", "STRING")

	assert.NoError(t, s.MatchColumns([]string{"name", "id"}))
	assert.NoError(t, s.MatchColumns([]string{"ID", "Name"}))

	for _, cols := range [][]string{
		nil,
		{"id"},
		{"id", "name", "extra"},
		{"id", "nam"},
		{"id", "id"},
	} {
		err := s.MatchColumns(cols)
		assert.Truef(t, errors.Is(err, errors.NotValid), "columns %v: %v", cols, err)
	}
}

func TestLookup(t *testing.T) {
	s := MustFromDeclarations("birthdate", "TIMESTAMP")
	c, ok := s.Lookup("BirthDate")
	require.True(t, ok)
	assert.True(t, c.Type.IsTemporal())
	_, ok = s.Lookup("missing")
	assert.False(t, ok)
}

func TestCanonicalName(t *testing.T) {
	assert.Equal(t, "students", CanonicalName("Students"))
	assert.Equal(t, "Students", CanonicalName(`"Students"`))
}

func TestProgramSchemaDecode(t *testing.T) {
	raw := `{
		"inputs": [{"name": "items", "fields": [{"name": "id", "columntype": {"type": "INTEGER", "nullable": true}}]}],
		"outputs": [{"name": "S", "fields": [
			{"name": "id", "columntype": {"type": "INTEGER", "nullable": true}},
			{"name": "name", "columntype": {"type": "VARCHAR", "nullable": true, "precision": -1}}
		]}]
	}`
	var ps ProgramSchema
	require.NoError(t, json.Unmarshal([]byte(raw), &ps))

	rel, ok := ps.Output("s")
	require.True(t, ok)
	assert.Equal(t, []string{"id", "name"}, rel.FieldNames())
	require.NotNil(t, rel.Fields[1].ColumnType.Precision)
	assert.EqualValues(t, -1, *rel.Fields[1].ColumnType.Precision)

	_, ok = ps.Input("missing")
	assert.False(t, ok)
}
