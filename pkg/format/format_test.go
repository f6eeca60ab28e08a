package format

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONBuilderIsImmutable(t *testing.T) {
	base := NewJSON()
	derived := base.WithUpdateFormat(Raw).WithArray(true)

	assert.Equal(t, InsertDelete, base.UpdateFormat())
	assert.False(t, base.Array())
	assert.Equal(t, Raw, derived.UpdateFormat())
	assert.True(t, derived.Array())

	// Setting an option twice overwrites it.
	again := derived.WithArray(false).WithArray(true).WithUpdateFormat(Weighted)
	assert.Equal(t, map[string]interface{}{"update_format": "weighted", "array": true}, again.Config())
	assert.Equal(t, "pandas", NewJSON().WithFlavor("pandas").Config()["json_flavor"])
}

func TestJSONValidate(t *testing.T) {
	assert.NoError(t, NewJSON().Validate())
	err := NewJSON().WithUpdateFormat("upsert").Validate()
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestJSONEncode(t *testing.T) {
	row := map[string]interface{}{"id": 1, "name": "a"}

	tests := []struct {
		name    string
		format  JSON
		changes []Change
		want    string
		wantErr error
	}{
		{
			name:    "insert delete lines",
			format:  NewJSON(),
			changes: []Change{Insert(row), Delete(row)},
			want:    "{\"insert\":{\"id\":1,\"name\":\"a\"}}\n{\"delete\":{\"id\":1,\"name\":\"a\"}}\n",
		},
		{
			name:    "raw array",
			format:  NewJSON().WithUpdateFormat(Raw).WithArray(true),
			changes: []Change{Insert(row)},
			want:    `[{"id":1,"name":"a"}]`,
		},
		{
			name:    "raw repeats weight",
			format:  NewJSON().WithUpdateFormat(Raw).WithArray(true),
			changes: []Change{{Weight: 2, Row: map[string]interface{}{"id": 1}}},
			want:    `[{"id":1},{"id":1}]`,
		},
		{
			name:    "weighted",
			format:  NewJSON().WithUpdateFormat(Weighted).WithArray(true),
			changes: []Change{{Weight: -3, Row: map[string]interface{}{"id": 1}}},
			want:    `[{"data":{"id":1},"weight":-3}]`,
		},
		{
			name:    "raw rejects deletes",
			format:  NewJSON().WithUpdateFormat(Raw),
			changes: []Change{Delete(row)},
			wantErr: errors.NotSupported,
		},
		{
			name:    "debezium not encodable",
			format:  NewJSON().WithUpdateFormat(Debezium),
			changes: []Change{Insert(row)},
			wantErr: errors.NotSupported,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.format.Encode(tt.changes)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestJSONDecode(t *testing.T) {
	tests := []struct {
		name    string
		format  JSON
		payload string
		want    []Change
	}{
		{
			name:    "insert delete array",
			format:  NewJSON(),
			payload: `[{"insert": {"id": 1, "name": "a"}}, {"delete": {"id": 2, "name": "b"}}]`,
			want: []Change{
				Insert(map[string]interface{}{"id": int64(1), "name": "a"}),
				Delete(map[string]interface{}{"id": int64(2), "name": "b"}),
			},
		},
		{
			name:    "insert delete lines",
			format:  NewJSON(),
			payload: "{\"insert\": {\"average\": 81.5}}\n{\"insert\": {\"average\": 70}}\n",
			want: []Change{
				Insert(map[string]interface{}{"average": 81.5}),
				Insert(map[string]interface{}{"average": int64(70)}),
			},
		},
		{
			name:    "weighted",
			format:  NewJSON().WithUpdateFormat(Weighted),
			payload: `{"weight": -2, "data": {"id": 1}}`,
			want:    []Change{{Weight: -2, Row: map[string]interface{}{"id": int64(1)}}},
		},
		{
			name:    "raw",
			format:  NewJSON().WithUpdateFormat(Raw),
			payload: `[{"id": 1}]`,
			want:    []Change{Insert(map[string]interface{}{"id": int64(1)})},
		},
		{
			name:    "debezium update",
			format:  NewJSON().WithUpdateFormat(Debezium),
			payload: `{"payload": {"op": "u", "before": {"i": 1}, "after": {"i": 2}}}`,
			want: []Change{
				Delete(map[string]interface{}{"i": int64(1)}),
				Insert(map[string]interface{}{"i": int64(2)}),
			},
		},
		{
			name:    "snowflake delete",
			format:  NewJSON().WithUpdateFormat(Snowflake),
			payload: `{"PART": 1, "__action": "delete", "__stream_id": 4, "__seq_number": 1}`,
			want:    []Change{Delete(map[string]interface{}{"PART": int64(1)})},
		},
		{
			name:    "empty",
			format:  NewJSON(),
			payload: "  \n",
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.format.Decode([]byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJSONDecodeErrors(t *testing.T) {
	for _, payload := range []string{
		`[{"insert": `,
		`{"upsert": {"id": 1}}`,
		`[1, 2]`,
	} {
		_, err := NewJSON().Decode([]byte(payload))
		assert.Truef(t, errors.Is(err, errors.NotValid), "payload %s: %v", payload, err)
	}
}

const itemsSchema = `{
	"type": "record",
	"name": "items",
	"fields": [
		{"name": "id", "type": "long"},
		{"name": "name", "type": "string"}
	]
}`

func TestAvroWithSchema(t *testing.T) {
	f := NewAvro().WithSchema(map[string]interface{}{
		"type": "record",
		"name": "items",
		"fields": []interface{}{
			map[string]interface{}{"name": "id", "type": []interface{}{"null", "int"}},
			map[string]interface{}{"name": "name", "type": []interface{}{"null", "string"}},
		},
	})
	require.NoError(t, f.Validate())
	assert.True(t, f.HasSchema())
	assert.Equal(t, "avro", f.Name())
	assert.Contains(t, f.Config()["schema"], `"items"`)

	bad := NewAvro().WithSchema(`{"type": "record"}`)
	assert.True(t, errors.Is(bad.Validate(), errors.NotValid))
	assert.False(t, bad.HasSchema())

	// A later valid schema replaces the error.
	assert.NoError(t, bad.WithSchema(itemsSchema).Validate())

	notRecord := NewAvro().WithSchema(`"string"`)
	assert.True(t, errors.Is(notRecord.Validate(), errors.NotValid))
}

func TestAvroRoundTrip(t *testing.T) {
	f := NewAvro().WithSchema(itemsSchema)
	require.NoError(t, f.Validate())

	msg, err := f.Encode([]Change{Insert(map[string]interface{}{"id": int64(7), "name": "g"})})
	require.NoError(t, err)

	changes, err := f.Decode(msg)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, int64(1), changes[0].Weight)
	assert.Equal(t, int64(7), changes[0].Row["id"])
	assert.Equal(t, "g", changes[0].Row["name"])

	_, err = f.Encode([]Change{Delete(map[string]interface{}{"id": int64(7), "name": "g"})})
	assert.True(t, errors.Is(err, errors.NotSupported))

	_, err = NewAvro().EncodeRecord(map[string]interface{}{"id": 1})
	assert.True(t, errors.Is(err, errors.NotValid))
}
