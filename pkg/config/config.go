// Package config loads the configuration of a feldera-pipe process: the
// service to talk to, the session program and connectors, and the optional
// relay and metrics server.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/IEatCodeDaily/feldera-pipe/pkg/client"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/connector"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/format"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/schema"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/transform"
)

// Config represents the process configuration
type Config struct {
	Service     ServiceConfig     `json:"service" yaml:"service"`
	Pipeline    PipelineConfig    `json:"pipeline" yaml:"pipeline"`
	Source      SourceConfig      `json:"source,omitempty" yaml:"source,omitempty"`
	Sink        SinkConfig        `json:"sink,omitempty" yaml:"sink,omitempty"`
	Transformer TransformerConfig `json:"transformer,omitempty" yaml:"transformer,omitempty"`
	Metrics     MetricsConfig     `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// ServiceConfig locates the pipeline service
type ServiceConfig struct {
	URL           string `json:"url" yaml:"url"`
	APIKey        string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Timeout       string `json:"timeout,omitempty" yaml:"timeout,omitempty"` // Go duration, e.g. "30s"
	RetryAttempts uint64 `json:"retry_attempts,omitempty" yaml:"retry_attempts,omitempty"`
}

// PipelineConfig describes the session: its program, resources and
// connectors.
type PipelineConfig struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Workers     int               `json:"workers,omitempty" yaml:"workers,omitempty"`
	Resources   *client.Resources `json:"resources,omitempty" yaml:"resources,omitempty"`
	Tables      []TableConfig     `json:"tables" yaml:"tables"`
	Views       []ViewConfig      `json:"views" yaml:"views"`
	Connectors  []ConnectorConfig `json:"connectors,omitempty" yaml:"connectors,omitempty"`
	Sync        SyncConfig        `json:"sync,omitempty" yaml:"sync,omitempty"`
}

// TableConfig declares an input table
type TableConfig struct {
	Name    string         `json:"name" yaml:"name"`
	Columns []ColumnConfig `json:"columns" yaml:"columns"`
}

// ColumnConfig declares a column, e.g. {"name": "id", "type": "INT NOT NULL"}
type ColumnConfig struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// ViewConfig declares a view over the tables
type ViewConfig struct {
	Name         string `json:"name" yaml:"name"`
	SQL          string `json:"sql" yaml:"sql"`
	Materialized bool   `json:"materialized,omitempty" yaml:"materialized,omitempty"`
}

// ConnectorConfig binds a service-side connector to a table or view
type ConnectorConfig struct {
	Name      string                 `json:"name" yaml:"name"`
	Relation  string                 `json:"relation" yaml:"relation"`
	Direction string                 `json:"direction" yaml:"direction"` // source or sink
	Transport string                 `json:"transport" yaml:"transport"` // kafka_input, url_input, ...
	Config    map[string]interface{} `json:"config" yaml:"config"`
	Format    FormatConfig           `json:"format" yaml:"format"`
}

// FormatConfig selects a wire format
type FormatConfig struct {
	Name         string      `json:"name" yaml:"name"` // json (default) or avro
	UpdateFormat string      `json:"update_format,omitempty" yaml:"update_format,omitempty"`
	Array        bool        `json:"array,omitempty" yaml:"array,omitempty"`
	Schema       interface{} `json:"schema,omitempty" yaml:"schema,omitempty"` // avro schema document
}

// SyncConfig contains synchronization settings for a relay source
type SyncConfig struct {
	InitialSync      bool   `json:"initial_sync" yaml:"initial_sync"`             // Enable initial sync
	ForceInitialSync bool   `json:"force_initial_sync" yaml:"force_initial_sync"` // Force initial sync even if data exists in sink
	TimestampField   string `json:"timestamp_field" yaml:"timestamp_field"`       // Field name to use for timestamp-based sync
	BatchSize        int    `json:"batch_size" yaml:"batch_size"`                 // Batch size for initial sync (default: 1000)
}

// SourceConfig configures the relay source feeding a table
type SourceConfig struct {
	Type     string                 `json:"type" yaml:"type"` // mongodb
	Table    string                 `json:"table" yaml:"table"`
	Settings map[string]interface{} `json:"settings" yaml:"settings"`
}

// SinkConfig configures the relay sink draining a view
type SinkConfig struct {
	Type     string                 `json:"type" yaml:"type"` // postgresql
	View     string                 `json:"view" yaml:"view"`
	Settings map[string]interface{} `json:"settings" yaml:"settings"`
}

// TransformerConfig contains transformer configuration
type TransformerConfig struct {
	Type     string                 `json:"type" yaml:"type"` // passthrough, fieldmapper
	Settings map[string]interface{} `json:"settings" yaml:"settings"`
}

// MetricsConfig configures the metrics and health server
type MetricsConfig struct {
	Addr string `json:"addr" yaml:"addr"` // empty disables the server
}

// LoadFromFile loads configuration from a JSON or, by extension, YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "failed to read config file")
	}

	var config Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	default:
		err = json.Unmarshal(data, &config)
	}
	if err != nil {
		return nil, errors.NewNotValid(err, "failed to parse config file")
	}
	return &config, nil
}

// Validate reports every problem of the configuration at once.
func (c *Config) Validate() error {
	var err error
	add := func(e error) { err = multierr.Append(err, e) }

	if c.Service.URL == "" {
		add(errors.NotValidf("empty service url"))
	}
	if _, e := c.Service.TimeoutDuration(); e != nil {
		add(e)
	}
	if c.Pipeline.Name == "" {
		add(errors.NotValidf("empty pipeline name"))
	}

	tables := map[string]bool{}
	for i, t := range c.Pipeline.Tables {
		if t.Name == "" {
			add(errors.NotValidf("table %d without name", i))
			continue
		}
		tables[schema.CanonicalName(t.Name)] = true
		if _, e := t.Schema(); e != nil {
			add(e)
		}
	}
	views := map[string]bool{}
	for i, v := range c.Pipeline.Views {
		if v.Name == "" || strings.TrimSpace(v.SQL) == "" {
			add(errors.NotValidf("view %d without name or sql", i))
			continue
		}
		views[schema.CanonicalName(v.Name)] = true
	}
	for _, cc := range c.Pipeline.Connectors {
		b, e := cc.Binding()
		if e == nil {
			e = b.Validate()
		}
		if e != nil {
			add(e)
		}
	}

	if c.Source.Type != "" {
		if c.Source.Type != "mongodb" {
			add(errors.NotSupportedf("source type %q", c.Source.Type))
		}
		for _, key := range []string{"uri", "database", "collection"} {
			if c.Source.GetString(key) == "" {
				add(errors.NotValidf("source setting %q", key))
			}
		}
		if !tables[schema.CanonicalName(c.Source.Table)] {
			add(errors.NotValidf("source table %q is not declared", c.Source.Table))
		}
	}
	if c.Sink.Type != "" {
		if c.Sink.Type != "postgresql" {
			add(errors.NotSupportedf("sink type %q", c.Sink.Type))
		}
		for _, key := range []string{"connection_string", "table"} {
			if c.Sink.GetString(key) == "" {
				add(errors.NotValidf("sink setting %q", key))
			}
		}
		if !views[schema.CanonicalName(c.Sink.View)] {
			add(errors.NotValidf("sink view %q is not declared", c.Sink.View))
		}
	}
	switch c.Transformer.Type {
	case "", "passthrough":
	case "fieldmapper":
		if _, ok := c.Transformer.Settings["mappings"]; !ok {
			add(errors.NotValidf("fieldmapper transformer without mappings"))
		}
	default:
		add(errors.NotSupportedf("transformer type %q", c.Transformer.Type))
	}
	return err
}

// TimeoutDuration parses the request timeout; zero means the client default.
func (s ServiceConfig) TimeoutDuration() (time.Duration, error) {
	if s.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.Timeout)
	if err != nil {
		return 0, errors.NotValidf("service timeout %q", s.Timeout)
	}
	return d, nil
}

// Schema builds the table schema from the column declarations.
func (t TableConfig) Schema() (*schema.Schema, error) {
	cols := make([]schema.Column, 0, len(t.Columns))
	for _, c := range t.Columns {
		col, err := schema.ParseColumn(c.Name, c.Type)
		if err != nil {
			return nil, errors.Annotatef(err, "table %s", t.Name)
		}
		cols = append(cols, col)
	}
	s, err := schema.New(cols...)
	return s, errors.Annotatef(err, "table %s", t.Name)
}

// Table returns the declaration of the named table.
func (p PipelineConfig) Table(name string) (TableConfig, bool) {
	for _, t := range p.Tables {
		if schema.CanonicalName(t.Name) == schema.CanonicalName(name) {
			return t, true
		}
	}
	return TableConfig{}, false
}

// Bindings builds every configured connector binding.
func (p PipelineConfig) Bindings() ([]connector.Binding, error) {
	out := make([]connector.Binding, 0, len(p.Connectors))
	for _, c := range p.Connectors {
		b, err := c.Binding()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Binding builds the connector binding.
func (c ConnectorConfig) Binding() (connector.Binding, error) {
	var dir connector.Direction
	switch strings.ToLower(c.Direction) {
	case "source", "input", "":
		dir = connector.Source
	case "sink", "output":
		dir = connector.Sink
	default:
		return connector.Binding{}, errors.NotValidf("direction %q of connector %q", c.Direction, c.Name)
	}
	f, err := c.Format.Format()
	if err != nil {
		return connector.Binding{}, errors.Annotatef(err, "connector %s", c.Name)
	}
	return connector.Binding{
		Relation:  c.Relation,
		Name:      c.Name,
		Direction: dir,
		Transport: connector.Transport{Name: c.Transport, Config: c.Config},
		Format:    f,
	}, nil
}

// Format builds the wire format.
func (f FormatConfig) Format() (format.Format, error) {
	switch strings.ToLower(f.Name) {
	case "", "json":
		j := format.NewJSON().WithArray(f.Array)
		if f.UpdateFormat != "" {
			j = j.WithUpdateFormat(format.UpdateFormat(f.UpdateFormat))
		}
		return j, nil
	case "avro":
		a := format.NewAvro()
		if f.Schema != nil {
			a = a.WithSchema(f.Schema)
		}
		if f.UpdateFormat != "" {
			a = a.WithUpdateFormat(format.UpdateFormat(f.UpdateFormat))
		}
		return a, nil
	}
	return nil, errors.NotSupportedf("format %q", f.Name)
}

// FieldMapper decodes the fieldmapper settings.
func (t TransformerConfig) FieldMapper() (transform.FieldMapperConfig, error) {
	var cfg transform.FieldMapperConfig
	data, err := json.Marshal(t.Settings)
	if err != nil {
		return cfg, errors.Annotate(err, "failed to marshal transformer settings")
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.NewNotValid(err, "failed to parse fieldmapper configuration")
	}
	return cfg, nil
}

// GetString safely retrieves a string from settings
func (s SourceConfig) GetString(key string) string {
	return getString(s.Settings, key)
}

// GetString safely retrieves a string from settings
func (s SinkConfig) GetString(key string) string {
	return getString(s.Settings, key)
}

// GetStrings retrieves a string list such as key columns from settings
func (s SinkConfig) GetStrings(key string) []string {
	switch v := s.Settings[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return strings.Split(v, ",")
	}
	return nil
}

func getString(settings map[string]interface{}, key string) string {
	if val, ok := settings[key].(string); ok {
		return val
	}
	return ""
}
