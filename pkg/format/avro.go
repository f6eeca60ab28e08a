package format

import (
	"encoding/json"

	"github.com/hamba/avro/v2"
	"github.com/juju/errors"
)

// Avro is the schema-carrying binary format. Each message holds one record
// encoded against the schema document.
type Avro struct {
	doc    string
	schema avro.Schema
	err    error
	update UpdateFormat
}

var _ Codec = Avro{}

// NewAvro returns an Avro format without a schema. Sinks need one; see
// WithSchema.
func NewAvro() Avro {
	return Avro{update: Raw}
}

// WithSchema returns a copy carrying the given schema document. The document
// may be a JSON string, raw bytes or any value that marshals to a schema
// (e.g. map[string]interface{}). Parse errors are reported by Validate.
func (f Avro) WithSchema(doc interface{}) Avro {
	var text string
	switch d := doc.(type) {
	case string:
		text = d
	case []byte:
		text = string(d)
	default:
		b, err := json.Marshal(d)
		if err != nil {
			f.doc, f.schema, f.err = "", nil, errors.NotValidf("avro schema document (%v)", err)
			return f
		}
		text = string(b)
	}
	s, err := avro.Parse(text)
	if err != nil {
		f.doc, f.schema, f.err = text, nil, errors.NotValidf("avro schema (%v)", err)
		return f
	}
	f.doc, f.schema, f.err = text, s, nil
	return f
}

// WithUpdateFormat returns a copy using the given update format.
func (f Avro) WithUpdateFormat(u UpdateFormat) Avro {
	f.update = u
	return f
}

// Name implements Format.
func (f Avro) Name() string { return "avro" }

// UpdateFormat implements Format.
func (f Avro) UpdateFormat() UpdateFormat { return f.update }

// HasSchema reports whether a valid schema is attached.
func (f Avro) HasSchema() bool { return f.schema != nil }

// Schema returns the parsed schema, or nil.
func (f Avro) Schema() avro.Schema { return f.schema }

// Config implements Format.
func (f Avro) Config() map[string]interface{} {
	cfg := map[string]interface{}{
		"update_format": string(f.update),
	}
	if f.doc != "" {
		cfg["schema"] = f.doc
	}
	return cfg
}

// Validate implements Format.
func (f Avro) Validate() error {
	if f.err != nil {
		return f.err
	}
	switch f.update {
	case Raw, Debezium:
	default:
		return errors.NotValidf("avro update format %q", f.update)
	}
	if f.schema != nil && f.schema.Type() != avro.Record {
		return errors.NotValidf("avro schema of type %q, expected record", f.schema.Type())
	}
	return nil
}

// EncodeRecord encodes a single row.
func (f Avro) EncodeRecord(row map[string]interface{}) ([]byte, error) {
	if f.schema == nil {
		return nil, errors.NotValidf("avro encoding without schema")
	}
	b, err := avro.Marshal(f.schema, row)
	return b, errors.Annotate(err, "encoding avro record")
}

// DecodeRecord decodes a single message into a row.
func (f Avro) DecodeRecord(data []byte) (map[string]interface{}, error) {
	if f.schema == nil {
		return nil, errors.NotValidf("avro decoding without schema")
	}
	var row map[string]interface{}
	if err := avro.Unmarshal(f.schema, data, &row); err != nil {
		return nil, errors.Annotate(err, "decoding avro record")
	}
	return row, nil
}

// Encode encodes one insert-only change as a message. Avro carries a single
// record per message, so batches must be split by the caller.
func (f Avro) Encode(changes []Change) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if f.update != Raw {
		return nil, unsupportedUpdate("encoding avro", f.update, "client-side")
	}
	if len(changes) != 1 || changes[0].Weight != 1 {
		return nil, errors.NotSupportedf("avro message with %d changes", len(changes))
	}
	return f.EncodeRecord(changes[0].Row)
}

// Decode decodes one message as an insert.
func (f Avro) Decode(payload []byte) ([]Change, error) {
	if err := f.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if f.update != Raw {
		return nil, unsupportedUpdate("decoding avro", f.update, "client-side")
	}
	row, err := f.DecodeRecord(payload)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return []Change{Insert(row)}, nil
}
