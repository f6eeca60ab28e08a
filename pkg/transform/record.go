package transform

import (
	"github.com/juju/errors"

	"github.com/IEatCodeDaily/feldera-pipe/pkg/frame"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/schema"
)

// RecordMapper turns tabular input into wire records for a table.
type RecordMapper struct {
	schema *schema.Schema
}

// NewRecordMapper creates a mapper for the given table schema.
func NewRecordMapper(s *schema.Schema) *RecordMapper {
	return &RecordMapper{schema: s}
}

// MapFrame checks the frame's column set against the schema and converts
// every row. Nothing is returned unless every row converts.
func (m *RecordMapper) MapFrame(f *frame.Frame) ([]map[string]interface{}, error) {
	if !f.Labeled() {
		return nil, errors.NotValidf("frame without column labels")
	}
	if err := m.schema.MatchColumns(f.Columns()); err != nil {
		return nil, errors.Trace(err)
	}
	return m.MapRecords(f.Records())
}

// MapRecords converts records whose keys must exactly match the schema.
func (m *RecordMapper) MapRecords(records []map[string]interface{}) ([]map[string]interface{}, error) {
	out := make([]map[string]interface{}, len(records))
	for i, rec := range records {
		keys := make([]string, 0, len(rec))
		for k := range rec {
			keys = append(keys, k)
		}
		if err := m.schema.MatchColumns(keys); err != nil {
			return nil, errors.Annotatef(err, "record %d", i)
		}
		mapped, err := m.MapRecord(rec)
		if err != nil {
			return nil, errors.Annotatef(err, "record %d", i)
		}
		out[i] = mapped
	}
	return out, nil
}

// MapRecord coerces the known columns of a single record, keyed by the
// schema's column names. Unknown keys are dropped.
func (m *RecordMapper) MapRecord(rec map[string]interface{}) (map[string]interface{}, error) {
	mapped := make(map[string]interface{}, m.schema.Len())
	for k, v := range rec {
		col, ok := m.schema.Lookup(k)
		if !ok {
			continue
		}
		cv, err := Coerce(col, v)
		if err != nil {
			return nil, errors.NewNotValid(err, "column "+col.Name)
		}
		mapped[col.Name] = cv
	}
	return mapped, nil
}
