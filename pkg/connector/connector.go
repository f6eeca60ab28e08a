// Package connector binds tables and views of a pipeline to external data
// sources and sinks.
package connector

import (
	"fmt"
	"sort"

	"github.com/juju/errors"

	"github.com/IEatCodeDaily/feldera-pipe/pkg/errs"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/format"
)

// Direction says whether a connector feeds a table or drains a view.
type Direction int

const (
	// Source connectors feed a table.
	Source Direction = iota
	// Sink connectors drain a view.
	Sink
)

func (d Direction) String() string {
	if d == Sink {
		return "sink"
	}
	return "source"
}

// Transport names understood by the service.
const (
	KafkaInput  = "kafka_input"
	KafkaOutput = "kafka_output"
	URLInput    = "url_input"
	FileInput   = "file_input"
	FileOutput  = "file_output"
	HTTPInput   = "http_input"
	HTTPOutput  = "http_output"
)

// Transport is a transport name with its free-form configuration. The
// configuration is passed through to the service verbatim.
type Transport struct {
	Name   string
	Config map[string]interface{}
}

// requiredKeys lists the configuration keys checked before any network call.
var requiredKeys = map[string][]string{
	KafkaInput:  {"topics", "bootstrap.servers"},
	KafkaOutput: {"topic", "bootstrap.servers"},
	URLInput:    {"path"},
	FileInput:   {"path"},
	FileOutput:  {"path"},
}

// Kafka returns a Kafka transport for the given direction.
func Kafka(d Direction, config map[string]interface{}) Transport {
	if d == Sink {
		return Transport{Name: KafkaOutput, Config: config}
	}
	return Transport{Name: KafkaInput, Config: config}
}

// URL returns a transport pulling the document at path over HTTP(S).
func URL(path string) Transport {
	return Transport{Name: URLInput, Config: map[string]interface{}{"path": path}}
}

// File returns a file transport for the given direction.
func File(d Direction, path string) Transport {
	name := FileInput
	if d == Sink {
		name = FileOutput
	}
	return Transport{Name: name, Config: map[string]interface{}{"path": path}}
}

// Binding associates a relation with an external system.
type Binding struct {
	// Relation is the table (source) or view (sink) name.
	Relation  string
	Name      string
	Direction Direction
	Transport Transport
	Format    format.Format
}

// Key identifies the binding within a session.
func (b Binding) Key() string {
	return b.Relation + "/" + b.Name
}

// RemoteName is the connector name used on the service. It is namespaced by
// the owning session so that sessions can reuse binding names.
func (b Binding) RemoteName(session string) string {
	return fmt.Sprintf("%s-%s-%s", session, b.Relation, b.Name)
}

// Validate checks the binding before anything is sent to the service.
func (b Binding) Validate() error {
	if b.Relation == "" {
		return errs.Configurationf("connector %q without relation", b.Name)
	}
	if b.Name == "" {
		return errs.Configurationf("unnamed connector on %q", b.Relation)
	}
	if b.Transport.Name == "" {
		return errs.Configurationf("connector %q without transport", b.Name)
	}
	if b.Format == nil {
		return errs.Configurationf("connector %q without format", b.Name)
	}
	if err := b.Format.Validate(); err != nil {
		return errs.Configurationf("connector %q format: %v", b.Name, err)
	}
	if a, ok := b.Format.(format.Avro); ok && b.Direction == Sink && !a.HasSchema() {
		return errs.Configurationf("connector %q: avro sink requires a schema", b.Name)
	}

	switch b.Transport.Name {
	case KafkaInput, URLInput, FileInput, HTTPInput:
		if b.Direction != Source {
			return errs.Configurationf("connector %q: %s used as %s", b.Name, b.Transport.Name, b.Direction)
		}
	case KafkaOutput, FileOutput, HTTPOutput:
		if b.Direction != Sink {
			return errs.Configurationf("connector %q: %s used as %s", b.Name, b.Transport.Name, b.Direction)
		}
	}

	var missing []string
	for _, key := range requiredKeys[b.Transport.Name] {
		if !present(b.Transport.Config[key]) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return errs.Configurationf("connector %q (%s) missing %v", b.Name, b.Transport.Name, missing)
	}
	return nil
}

func present(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case []string:
		return len(t) > 0
	case []interface{}:
		return len(t) > 0
	}
	return true
}

// Config is the connector configuration document sent to the service.
type Config struct {
	Transport TransportConfig `json:"transport"`
	Format    FormatConfig    `json:"format"`
}

// TransportConfig is the transport part of Config.
type TransportConfig struct {
	Name   string                 `json:"name"`
	Config map[string]interface{} `json:"config"`
}

// FormatConfig is the format part of Config.
type FormatConfig struct {
	Name   string                 `json:"name"`
	Config map[string]interface{} `json:"config"`
}

// Descriptor renders the configuration document for the service.
func (b Binding) Descriptor() Config {
	cfg := b.Transport.Config
	if cfg == nil {
		cfg = map[string]interface{}{}
	}
	return Config{
		Transport: TransportConfig{Name: b.Transport.Name, Config: cfg},
		Format:    FormatConfig{Name: b.Format.Name(), Config: b.Format.Config()},
	}
}

// Attachment links a remote connector to a pipeline relation.
type Attachment struct {
	ConnectorName string `json:"connector_name"`
	IsInput       bool   `json:"is_input"`
	Name          string `json:"name"`
	RelationName  string `json:"relation_name"`
}

// Attachment renders the pipeline attachment for the binding.
func (b Binding) Attachment(session string) Attachment {
	return Attachment{
		ConnectorName: b.RemoteName(session),
		IsInput:       b.Direction == Source,
		Name:          b.Name,
		RelationName:  b.Relation,
	}
}

// ErrDuplicate is returned by Set.Add for a (relation, name) pair that is
// already bound.
var ErrDuplicate = errors.ConstError("connector already bound")

// Set is an ordered collection of bindings keyed by (relation, name).
type Set struct {
	order    []string
	bindings map[string]Binding
}

// Add validates and appends a binding.
func (s *Set) Add(b Binding) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if s.bindings == nil {
		s.bindings = make(map[string]Binding)
	}
	if _, ok := s.bindings[b.Key()]; ok {
		return errors.NewNotValid(ErrDuplicate, fmt.Sprintf("connector %q on %q", b.Name, b.Relation))
	}
	s.bindings[b.Key()] = b
	s.order = append(s.order, b.Key())
	return nil
}

// Remove drops a binding, reporting whether it existed.
func (s *Set) Remove(relation, name string) bool {
	key := Binding{Relation: relation, Name: name}.Key()
	if _, ok := s.bindings[key]; !ok {
		return false
	}
	delete(s.bindings, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// All returns the bindings in insertion order.
func (s *Set) All() []Binding {
	out := make([]Binding, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.bindings[k])
	}
	return out
}

// Len returns the number of bindings.
func (s *Set) Len() int {
	return len(s.order)
}
