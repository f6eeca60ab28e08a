package connector

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IEatCodeDaily/feldera-pipe/pkg/errs"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/format"
)

var kafkaFormat = format.NewJSON().WithUpdateFormat(format.InsertDelete).WithArray(false)

func TestBindingValidate(t *testing.T) {
	tests := []struct {
		name    string
		binding Binding
		wantErr bool
	}{
		{
			name: "kafka source",
			binding: Binding{Relation: "example", Name: "kafka_conn_in", Direction: Source, Format: kafkaFormat,
				Transport: Kafka(Source, map[string]interface{}{
					"topics":            []string{"simple_count_input"},
					"bootstrap.servers": "redpanda:9092",
					"auto.offset.reset": "earliest",
				})},
		},
		{
			name: "kafka source without topics",
			binding: Binding{Relation: "example", Name: "in", Direction: Source, Format: kafkaFormat,
				Transport: Kafka(Source, map[string]interface{}{"topics": []interface{}{}, "bootstrap.servers": "x"})},
			wantErr: true,
		},
		{
			name: "kafka sink without broker",
			binding: Binding{Relation: "v", Name: "out", Direction: Sink, Format: kafkaFormat,
				Transport: Kafka(Sink, map[string]interface{}{"topic": "out"})},
			wantErr: true,
		},
		{
			name:    "url source",
			binding: Binding{Relation: "items", Name: "part", Direction: Source, Format: kafkaFormat, Transport: URL("https://example.com/part.json")},
		},
		{
			name:    "url source without path",
			binding: Binding{Relation: "items", Name: "part", Direction: Source, Format: kafkaFormat, Transport: URL("")},
			wantErr: true,
		},
		{
			name:    "url used as sink",
			binding: Binding{Relation: "v", Name: "part", Direction: Sink, Format: kafkaFormat, Transport: URL("https://x")},
			wantErr: true,
		},
		{
			name:    "missing format",
			binding: Binding{Relation: "items", Name: "part", Direction: Source, Transport: URL("https://x")},
			wantErr: true,
		},
		{
			name: "avro sink without schema",
			binding: Binding{Relation: "s", Name: "out_avro", Direction: Sink, Format: format.NewAvro(),
				Transport: Kafka(Sink, map[string]interface{}{"topic": "t", "bootstrap.servers": "x"})},
			wantErr: true,
		},
		{
			name: "invalid json format",
			binding: Binding{Relation: "items", Name: "part", Direction: Source,
				Format: format.NewJSON().WithUpdateFormat("bogus"), Transport: URL("https://x")},
			wantErr: true,
		},
		{
			name: "unknown transport passes through",
			binding: Binding{Relation: "items", Name: "gen", Direction: Source, Format: kafkaFormat,
				Transport: Transport{Name: "datagen", Config: map[string]interface{}{}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.binding.Validate()
			if tt.wantErr {
				assert.True(t, errors.Is(err, errs.ErrConfiguration), "got %v", err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestDescriptor(t *testing.T) {
	b := Binding{Relation: "items", Name: "part", Direction: Source, Format: kafkaFormat, Transport: URL("https://x/part.json")}

	d := b.Descriptor()
	assert.Equal(t, "url_input", d.Transport.Name)
	assert.Equal(t, "https://x/part.json", d.Transport.Config["path"])
	assert.Equal(t, "json", d.Format.Name)
	assert.Equal(t, "insert_delete", d.Format.Config["update_format"])

	a := b.Attachment("ctx1")
	assert.Equal(t, Attachment{ConnectorName: "ctx1-items-part", IsInput: true, Name: "part", RelationName: "items"}, a)
	assert.NotEqual(t, b.RemoteName("ctx1"), b.RemoteName("ctx2"))
}

func TestSet(t *testing.T) {
	var s Set
	b := Binding{Relation: "items", Name: "part", Direction: Source, Format: kafkaFormat, Transport: URL("https://x")}

	require.NoError(t, s.Add(b))
	err := s.Add(b)
	assert.True(t, errors.Is(err, errors.NotValid))

	other := b
	other.Relation = "other"
	require.NoError(t, s.Add(other))
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []Binding{b, other}, s.All())

	assert.True(t, s.Remove("items", "part"))
	assert.False(t, s.Remove("items", "part"))
	assert.Equal(t, []Binding{other}, s.All())

	bad := Binding{Relation: "x", Name: "y", Direction: Source, Format: kafkaFormat, Transport: URL("")}
	assert.True(t, errors.Is(s.Add(bad), errs.ErrConfiguration))
}
