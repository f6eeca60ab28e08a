package transform

import (
	"fmt"
	"regexp"

	"github.com/juju/loggo"

	"github.com/IEatCodeDaily/feldera-pipe/pkg/relay"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/schema"
)

var logger = loggo.GetLogger("feldera.transform")

// FieldMapping defines how a source field lands in a table column
type FieldMapping struct {
	Source      string `json:"source" yaml:"source"`           // Source field name
	Destination string `json:"destination" yaml:"destination"` // Column name, defaults to Source
	Default     string `json:"default" yaml:"default"`         // Default value if source is missing or null
	Required    bool   `json:"required" yaml:"required"`       // If true, error if field is missing
	Extract     string `json:"extract" yaml:"extract"`         // Regex pattern to extract from source value
}

// FieldMapperConfig contains field mapping configuration
type FieldMapperConfig struct {
	Mappings      []FieldMapping `json:"mappings" yaml:"mappings"`
	IncludeAll    bool           `json:"include_all" yaml:"include_all"`       // Include unmapped fields that are table columns
	ExcludeFields []string       `json:"exclude_fields" yaml:"exclude_fields"` // Fields to exclude (if include_all is true)
	StrictMode    bool           `json:"strict_mode" yaml:"strict_mode"`       // Fail on any mapping error
}

// FieldMapper maps source documents onto the columns of a table, coercing
// each value to its column type.
type FieldMapper struct {
	config     FieldMapperConfig
	table      *schema.Schema
	extractors map[string]*regexp.Regexp
	logger     loggo.Logger
}

// NewFieldMapper creates a field mapper writing into the given table schema
func NewFieldMapper(config FieldMapperConfig, table *schema.Schema) (*FieldMapper, error) {
	return NewFieldMapperWithLogger(config, table, logger)
}

// NewFieldMapperWithLogger creates a field mapper with a custom logger
func NewFieldMapperWithLogger(config FieldMapperConfig, table *schema.Schema, log loggo.Logger) (*FieldMapper, error) {
	if table == nil {
		return nil, fmt.Errorf("field mapper requires a table schema")
	}
	fm := &FieldMapper{
		config:     config,
		table:      table,
		extractors: make(map[string]*regexp.Regexp),
		logger:     log,
	}

	for _, mapping := range config.Mappings {
		dest := mapping.Destination
		if dest == "" {
			dest = mapping.Source
		}
		if _, ok := table.Lookup(dest); !ok {
			return nil, fmt.Errorf("mapping for field %s targets unknown column %s", mapping.Source, dest)
		}
		if mapping.Extract != "" {
			re, err := regexp.Compile(mapping.Extract)
			if err != nil {
				return nil, fmt.Errorf("invalid extract pattern for field %s: %w", mapping.Source, err)
			}
			fm.extractors[mapping.Source] = re
		}
	}

	return fm, nil
}

// Transform maps the event's row images onto table columns
func (f *FieldMapper) Transform(event relay.Event) (relay.Event, error) {
	data, err := f.mapRow(event.Data)
	if err != nil {
		return event, err
	}
	var before map[string]interface{}
	if event.Before != nil {
		if before, err = f.mapRow(event.Before); err != nil {
			return event, err
		}
	}
	event.Data = data
	event.Before = before
	return event, nil
}

func (f *FieldMapper) mapRow(doc map[string]interface{}) (map[string]interface{}, error) {
	if doc == nil {
		return nil, nil
	}
	row := make(map[string]interface{})
	var problems []string

	for _, mapping := range f.config.Mappings {
		value, exists := doc[mapping.Source]

		if !exists || value == nil {
			if mapping.Required {
				if f.config.StrictMode {
					return nil, fmt.Errorf("required field '%s' is missing", mapping.Source)
				}
				problems = append(problems, fmt.Sprintf("required field '%s' is missing", mapping.Source))
			}
			if mapping.Default == "" {
				continue
			}
			value = mapping.Default
		}

		if extractor, ok := f.extractors[mapping.Source]; ok {
			matches := extractor.FindStringSubmatch(fmt.Sprintf("%v", value))
			switch {
			case len(matches) > 1:
				value = matches[1] // first capture group
			case len(matches) > 0:
				value = matches[0]
			default:
				if mapping.Required && f.config.StrictMode {
					return nil, fmt.Errorf("extraction pattern failed for field '%s'", mapping.Source)
				}
				continue
			}
		}

		dest := mapping.Destination
		if dest == "" {
			dest = mapping.Source
		}
		col, _ := f.table.Lookup(dest)
		formatted, err := Coerce(col, value)
		if err != nil {
			if f.config.StrictMode {
				return nil, fmt.Errorf("formatting error for field '%s': %w", mapping.Source, err)
			}
			problems = append(problems, fmt.Sprintf("formatting error for field '%s': %v", mapping.Source, err))
			continue
		}
		row[col.Name] = formatted
	}

	if f.config.IncludeAll {
		exclude := make(map[string]bool, len(f.config.ExcludeFields))
		for _, field := range f.config.ExcludeFields {
			exclude[field] = true
		}
		mapped := make(map[string]bool, len(f.config.Mappings))
		for _, mapping := range f.config.Mappings {
			mapped[mapping.Source] = true
		}
		for key, value := range doc {
			if mapped[key] || exclude[key] {
				continue
			}
			col, ok := f.table.Lookup(key)
			if !ok {
				continue
			}
			formatted, err := Coerce(col, value)
			if err != nil {
				problems = append(problems, fmt.Sprintf("formatting error for field '%s': %v", key, err))
				continue
			}
			row[col.Name] = formatted
		}
	}

	for _, p := range problems {
		f.logger.Warningf("field mapping: %s", p)
	}
	return row, nil
}
