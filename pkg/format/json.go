package format

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"strings"

	"github.com/juju/errors"
)

// JSON is the record-oriented JSON format.
type JSON struct {
	update UpdateFormat
	array  bool
	flavor string
}

var _ Codec = JSON{}

// NewJSON returns a JSON format using insert/delete updates without array
// framing.
func NewJSON() JSON {
	return JSON{update: InsertDelete}
}

// WithUpdateFormat returns a copy using the given update format.
func (f JSON) WithUpdateFormat(u UpdateFormat) JSON {
	f.update = u
	return f
}

// WithArray returns a copy that frames a batch of records as one JSON array
// when array is true, or as newline-delimited records otherwise.
func (f JSON) WithArray(array bool) JSON {
	f.array = array
	return f
}

// WithFlavor returns a copy using the named JSON flavor, e.g. "pandas" or
// "debezium_mysql". An empty flavor means the service default.
func (f JSON) WithFlavor(flavor string) JSON {
	f.flavor = flavor
	return f
}

// Name implements Format.
func (f JSON) Name() string { return "json" }

// UpdateFormat implements Format.
func (f JSON) UpdateFormat() UpdateFormat { return f.update }

// Array reports whether records are array-framed.
func (f JSON) Array() bool { return f.array }

// Config implements Format.
func (f JSON) Config() map[string]interface{} {
	cfg := map[string]interface{}{
		"update_format": string(f.update),
		"array":         f.array,
	}
	if f.flavor != "" {
		cfg["json_flavor"] = f.flavor
	}
	return cfg
}

// Validate implements Format.
func (f JSON) Validate() error {
	if !f.update.Valid() {
		return errors.NotValidf("json update format %q", f.update)
	}
	return nil
}

// Encode renders changes in the configured update format and framing.
func (f JSON) Encode(changes []Change) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	records := make([]interface{}, 0, len(changes))
	for _, c := range changes {
		recs, err := f.envelope(c)
		if err != nil {
			return nil, errors.Trace(err)
		}
		records = append(records, recs...)
	}

	if f.array {
		out, err := json.Marshal(records)
		return out, errors.Annotate(err, "encoding json array")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return nil, errors.Annotate(err, "encoding json record")
		}
	}
	return buf.Bytes(), nil
}

func (f JSON) envelope(c Change) ([]interface{}, error) {
	if c.Weight == 0 {
		return nil, nil
	}
	n := c.Weight
	if n < 0 {
		n = -n
	}

	var rec interface{}
	switch f.update {
	case InsertDelete:
		if c.Weight > 0 {
			rec = map[string]interface{}{"insert": c.Row}
		} else {
			rec = map[string]interface{}{"delete": c.Row}
		}
	case Weighted:
		return []interface{}{map[string]interface{}{"weight": c.Weight, "data": c.Row}}, nil
	case Raw:
		if c.Weight < 0 {
			return nil, errors.NotSupportedf("deletes in raw json")
		}
		rec = c.Row
	default:
		return nil, unsupportedUpdate("encoding json", f.update, "client-side")
	}

	out := make([]interface{}, n)
	for i := range out {
		out[i] = rec
	}
	return out, nil
}

// Decode parses a payload holding either one JSON array of records or a
// sequence of records, and returns the changes in order.
func (f JSON) Decode(payload []byte) ([]Change, error) {
	if err := f.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	raws, err := splitRecords(payload)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var changes []Change
	for _, raw := range raws {
		decoded, err := f.decodeRecord(raw)
		if err != nil {
			return nil, errors.Trace(err)
		}
		changes = append(changes, decoded...)
	}
	return changes, nil
}

func splitRecords(payload []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var raws []json.RawMessage
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, errors.NotValidf("json array payload (%v)", err)
		}
		return raws, nil
	}
	var raws []json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	for {
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if err == io.EOF {
			return raws, nil
		}
		if err != nil {
			return nil, errors.NotValidf("json record stream (%v)", err)
		}
		raws = append(raws, raw)
	}
}

func decodeObject(raw json.RawMessage) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		return nil, errors.NotValidf("json record %s (%v)", truncate(raw), err)
	}
	normalizeNumbers(obj)
	return obj, nil
}

func (f JSON) decodeRecord(raw json.RawMessage) ([]Change, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	switch f.update {
	case InsertDelete:
		var out []Change
		if row, ok := obj["delete"].(map[string]interface{}); ok {
			out = append(out, Delete(row))
		}
		if row, ok := obj["insert"].(map[string]interface{}); ok {
			out = append(out, Insert(row))
		}
		if len(out) == 0 {
			return nil, errors.NotValidf("insert/delete record %s", truncate(raw))
		}
		return out, nil
	case Weighted:
		row, ok := obj["data"].(map[string]interface{})
		if !ok {
			return nil, errors.NotValidf("weighted record %s", truncate(raw))
		}
		w, ok := obj["weight"].(int64)
		if !ok {
			return nil, errors.NotValidf("weight in record %s", truncate(raw))
		}
		return []Change{{Weight: w, Row: row}}, nil
	case Raw:
		return []Change{Insert(obj)}, nil
	case Debezium:
		payload, ok := obj["payload"].(map[string]interface{})
		if !ok {
			return nil, errors.NotValidf("debezium record %s", truncate(raw))
		}
		var out []Change
		if before, ok := payload["before"].(map[string]interface{}); ok {
			out = append(out, Delete(before))
		}
		if after, ok := payload["after"].(map[string]interface{}); ok {
			out = append(out, Insert(after))
		}
		return out, nil
	case Snowflake:
		action, _ := obj["__action"].(string)
		row := make(map[string]interface{}, len(obj))
		for k, v := range obj {
			if !strings.HasPrefix(k, "__") {
				row[k] = v
			}
		}
		if action == "delete" {
			return []Change{Delete(row)}, nil
		}
		return []Change{Insert(row)}, nil
	}
	return nil, unsupportedUpdate("decoding json", f.update, "client-side")
}

// normalizeNumbers replaces json.Number values with int64 when they are whole
// numbers that fit, and float64 otherwise.
func normalizeNumbers(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if fl, err := t.Float64(); err == nil && !math.IsInf(fl, 0) {
			return fl
		}
		return t.String()
	case map[string]interface{}:
		for k, e := range t {
			t[k] = normalizeNumbers(e)
		}
		return t
	case []interface{}:
		for i, e := range t {
			t[i] = normalizeNumbers(e)
		}
		return t
	}
	return v
}

func truncate(raw []byte) string {
	const max = 80
	if len(raw) <= max {
		return string(raw)
	}
	return string(raw[:max]) + "..."
}
