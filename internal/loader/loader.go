// Package loader reads graph configuration files. JSON and YAML files hold a
// single graph or a list of graphs; HCL files hold one or more graph blocks.
// Every graph is validated before it is returned.
package loader

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/control/internal/validation"
	"github.com/rendis/control/pkg/schema"
)

// Format is the encoding of a graph file.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatHCL  Format = "hcl"
)

// FormatOf infers the format from the file extension.
func FormatOf(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, true
	case ".yaml", ".yml":
		return FormatYAML, true
	case ".hcl":
		return FormatHCL, true
	}
	return "", false
}

// Loader decodes and validates graph files. It is safe for concurrent use.
type Loader struct {
	validator validation.Validator
}

// New returns a loader validating with v. A nil v uses the JSON Schema validator.
func New(v validation.Validator) (*Loader, error) {
	if v == nil {
		jv, err := validation.NewJSONSchemaValidator()
		if err != nil {
			return nil, err
		}
		v = jv
	}
	return &Loader{validator: v}, nil
}

// LoadFiles loads every file in order and concatenates their graphs.
func (l *Loader) LoadFiles(paths ...string) ([]schema.GraphConfig, error) {
	var out []schema.GraphConfig
	for _, p := range paths {
		graphs, err := l.LoadFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, graphs...)
	}
	return out, nil
}

// LoadFile reads the graphs declared in path.
func (l *Loader) LoadFile(path string) ([]schema.GraphConfig, error) {
	format, ok := FormatOf(path)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported graph file extension: %s", path).
			WithDetails(map[string]any{"file": path})
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "cannot read graph file %s", path).WithCause(err)
	}
	return l.Parse(path, data, format)
}

// Parse decodes data in the given format. name identifies the source in errors.
func (l *Loader) Parse(name string, data []byte, format Format) ([]schema.GraphConfig, error) {
	var (
		graphs []schema.GraphConfig
		err    error
	)
	switch format {
	case FormatJSON:
		graphs, err = l.parseDocument(name, data, json.Unmarshal)
	case FormatYAML:
		graphs, err = l.parseDocument(name, data, yaml.Unmarshal)
	case FormatHCL:
		graphs, err = l.parseHCL(name, data)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown graph format %q", format)
	}
	if err != nil {
		return nil, err
	}
	if len(graphs) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s declares no graph", name).
			WithDetails(map[string]any{"file": name})
	}
	return graphs, nil
}

type unmarshalFunc func([]byte, any) error

// parseDocument validates the generic document first, so unknown keys are
// reported, then decodes it again into typed configurations.
func (l *Loader) parseDocument(name string, data []byte, unmarshal unmarshalFunc) ([]schema.GraphConfig, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s is empty", name).
			WithDetails(map[string]any{"file": name})
	}

	var doc any
	if err := unmarshal(data, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "cannot parse %s", name).WithCause(err)
	}

	if list, ok := doc.([]any); ok {
		for i, item := range list {
			if err := l.validator.ValidateDocument(item); err != nil {
				return nil, located(err, name, i)
			}
		}
		var graphs []schema.GraphConfig
		if err := unmarshal(data, &graphs); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "cannot decode %s", name).WithCause(err)
		}
		return l.checkAll(name, graphs)
	}

	if err := l.validator.ValidateDocument(doc); err != nil {
		return nil, located(err, name, -1)
	}
	var g schema.GraphConfig
	if err := unmarshal(data, &g); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "cannot decode %s", name).WithCause(err)
	}
	return l.checkAll(name, []schema.GraphConfig{g})
}

// checkAll runs the typed validation, which also compiles input schemas.
func (l *Loader) checkAll(name string, graphs []schema.GraphConfig) ([]schema.GraphConfig, error) {
	for i := range graphs {
		if err := l.validator.ValidateGraph(&graphs[i]); err != nil {
			idx := i
			if len(graphs) == 1 {
				idx = -1
			}
			return nil, located(err, name, idx)
		}
	}
	return graphs, nil
}

// located attaches the file, and the list index when there is one, to err.
func located(err error, name string, index int) error {
	details := map[string]any{"file": name}
	if index >= 0 {
		details["index"] = index
	}
	var ce *schema.ControlError
	if errors.As(err, &ce) {
		for k, v := range ce.Details {
			details[k] = v
		}
		return schema.NewErrorf(ce.Code, "%s: %s", name, ce.Message).
			WithDetails(details).
			WithCause(ce)
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: invalid graph", name).
		WithDetails(details).
		WithCause(err)
}
