// Package frame holds tabular input: rows of values with optional column
// labels, built from records, columns, positional rows or CSV.
package frame

import (
	"encoding/csv"
	"io"
	"sort"

	"github.com/juju/errors"
)

// Frame is a row-major table. A frame built from positional rows has no
// column labels and is rejected by schema checks.
type Frame struct {
	columns []string
	rows    [][]interface{}
}

// FromRows builds a frame from positional rows. columns may be nil for an
// unlabeled frame; otherwise every row must have one value per column.
func FromRows(columns []string, rows [][]interface{}) (*Frame, error) {
	for i, r := range rows {
		if columns != nil && len(r) != len(columns) {
			return nil, errors.NotValidf("row %d has %d values for %d columns", i, len(r), len(columns))
		}
	}
	f := &Frame{rows: rows}
	if columns != nil {
		f.columns = append([]string(nil), columns...)
	}
	return f, nil
}

// FromRecords builds a frame from records that all share the same keys.
// Columns are sorted by name.
func FromRecords(records []map[string]interface{}) (*Frame, error) {
	if len(records) == 0 {
		return &Frame{columns: []string{}}, nil
	}
	columns := sortedKeys(records[0])
	rows := make([][]interface{}, len(records))
	for i, rec := range records {
		if len(rec) != len(columns) {
			return nil, errors.NotValidf("record %d has columns %v, expected %v", i, sortedKeys(rec), columns)
		}
		row := make([]interface{}, len(columns))
		for j, c := range columns {
			v, ok := rec[c]
			if !ok {
				return nil, errors.NotValidf("record %d is missing column %q", i, c)
			}
			row[j] = v
		}
		rows[i] = row
	}
	return &Frame{columns: columns, rows: rows}, nil
}

// FromColumns builds a frame from columnar data. All columns must have the
// same length. Columns are sorted by name.
func FromColumns(data map[string][]interface{}) (*Frame, error) {
	columns := make([]string, 0, len(data))
	for c := range data {
		columns = append(columns, c)
	}
	sort.Strings(columns)

	n := -1
	for _, c := range columns {
		if n >= 0 && len(data[c]) != n {
			return nil, errors.NotValidf("column %q has %d values, expected %d", c, len(data[c]), n)
		}
		n = len(data[c])
	}
	if n < 0 {
		n = 0
	}
	rows := make([][]interface{}, n)
	for i := range rows {
		row := make([]interface{}, len(columns))
		for j, c := range columns {
			row[j] = data[c][i]
		}
		rows[i] = row
	}
	return &Frame{columns: columns, rows: rows}, nil
}

// ReadCSV reads a CSV document whose first line holds the column labels.
// Values are kept as strings; callers coerce them to column types.
func ReadCSV(r io.Reader) (*Frame, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err == io.EOF {
		return nil, errors.NotValidf("empty csv")
	}
	if err != nil {
		return nil, errors.Annotate(err, "reading csv header")
	}
	var rows [][]interface{}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Annotatef(err, "reading csv row %d", len(rows)+1)
		}
		row := make([]interface{}, len(rec))
		for i, v := range rec {
			row[i] = v
		}
		rows = append(rows, row)
	}
	return FromRows(header, rows)
}

// Columns returns the column labels, or nil for an unlabeled frame.
func (f *Frame) Columns() []string {
	if f.columns == nil {
		return nil
	}
	return append([]string(nil), f.columns...)
}

// Labeled reports whether the frame has column labels.
func (f *Frame) Labeled() bool {
	return f.columns != nil
}

// Len returns the number of rows.
func (f *Frame) Len() int {
	return len(f.rows)
}

// Row returns row i.
func (f *Frame) Row(i int) []interface{} {
	return f.rows[i]
}

// Column returns the values of the named column.
func (f *Frame) Column(name string) ([]interface{}, bool) {
	for j, c := range f.columns {
		if c == name {
			out := make([]interface{}, len(f.rows))
			for i, r := range f.rows {
				out[i] = r[j]
			}
			return out, true
		}
	}
	return nil, false
}

// Records returns the rows as maps keyed by column label.
func (f *Frame) Records() []map[string]interface{} {
	out := make([]map[string]interface{}, len(f.rows))
	for i, r := range f.rows {
		rec := make(map[string]interface{}, len(f.columns))
		for j, c := range f.columns {
			if j < len(r) {
				rec[c] = r[j]
			}
		}
		out[i] = rec
	}
	return out
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
