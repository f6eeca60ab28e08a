// Package format implements the wire formats used by connectors, ingress and
// egress: record-oriented JSON and schema-carrying Avro.
//
// Format values are immutable. Every With* method returns a modified copy, so a
// format can be shared between bindings and refined without side effects:
//
//	f := format.NewJSON().WithUpdateFormat(format.InsertDelete).WithArray(false)
package format

import (
	"github.com/juju/errors"
)

// UpdateFormat selects how a change is represented on the wire.
type UpdateFormat string

const (
	// InsertDelete wraps each record in {"insert": ...} or {"delete": ...}.
	InsertDelete UpdateFormat = "insert_delete"
	// Weighted wraps each record in {"weight": n, "data": ...}.
	Weighted UpdateFormat = "weighted"
	// Raw carries bare records; insert-only.
	Raw UpdateFormat = "raw"
	// Debezium is the simplified Debezium CDC envelope.
	Debezium UpdateFormat = "debezium"
	// Snowflake flattens the change into "__action" metadata fields.
	Snowflake UpdateFormat = "snowflake"
)

// Valid reports whether u is a known update format.
func (u UpdateFormat) Valid() bool {
	switch u {
	case InsertDelete, Weighted, Raw, Debezium, Snowflake:
		return true
	}
	return false
}

// Change is a single row change with a signed multiplicity: positive weights
// insert, negative weights delete.
type Change struct {
	Weight int64
	Row    map[string]interface{}
}

// Insert returns a change inserting row once.
func Insert(row map[string]interface{}) Change {
	return Change{Weight: 1, Row: row}
}

// Delete returns a change deleting row once.
func Delete(row map[string]interface{}) Change {
	return Change{Weight: -1, Row: row}
}

// Format describes a wire format as attached to a connector.
type Format interface {
	// Name is the format name understood by the service ("json", "avro").
	Name() string
	// Config is the format-specific configuration sent to the service.
	Config() map[string]interface{}
	// UpdateFormat is the change representation.
	UpdateFormat() UpdateFormat
	// Validate checks the options without talking to the service.
	Validate() error
}

// Codec is a Format the client can encode and decode itself.
type Codec interface {
	Format
	Encode(changes []Change) ([]byte, error)
	Decode(payload []byte) ([]Change, error)
}

func unsupportedUpdate(format string, u UpdateFormat, op string) error {
	return errors.NotSupportedf("%s %s with update format %q", op, format, u)
}
