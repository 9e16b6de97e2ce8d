package validation

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/control/pkg/schema"
)

func newValidator(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func requireValidation(t *testing.T, err error) *schema.ControlError {
	t.Helper()
	require.Error(t, err)
	var ce *schema.ControlError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, schema.ErrCodeValidation, ce.Code)
	return ce
}

func TestNewJSONSchemaValidator(t *testing.T) {
	v := newValidator(t)
	assert.NotNil(t, v.graphSchema)
}

// --- ValidateDocument ---

func TestValidateDocument(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name    string
		doc     any
		wantErr string
	}{
		{
			name: "minimal",
			doc: map[string]any{
				"id":    "g",
				"nodes": []any{map[string]any{"id": "a", "type": "noop"}},
			},
		},
		{
			name: "full",
			doc: map[string]any{
				"id":   "g",
				"name": "Graph",
				"nodes": []any{
					map[string]any{"id": "a", "type": "noop", "name": "A", "description": "first", "config": map[string]any{"x": 1}},
					map[string]any{"id": "b", "type": "expr", "config": nil},
				},
				"edges":        []any{map[string]any{"from": "a", "to": "b", "label": "next"}},
				"context":      map[string]any{"counter": 0},
				"inputs":       map[string]any{"who": "world"},
				"input_schema": map[string]any{"type": "object"},
			},
		},
		{name: "nil document", doc: nil, wantErr: "empty"},
		{name: "missing id", doc: map[string]any{"nodes": []any{map[string]any{"id": "a", "type": "noop"}}}, wantErr: "id"},
		{name: "no nodes", doc: map[string]any{"id": "g", "nodes": []any{}}, wantErr: "nodes"},
		{
			name:    "node without type",
			doc:     map[string]any{"id": "g", "nodes": []any{map[string]any{"id": "a"}}},
			wantErr: "/nodes/0",
		},
		{
			name:    "unknown top-level key",
			doc:     map[string]any{"id": "g", "steps": []any{}, "nodes": []any{map[string]any{"id": "a", "type": "noop"}}},
			wantErr: "steps",
		},
		{
			name: "edge without target",
			doc: map[string]any{
				"id":    "g",
				"nodes": []any{map[string]any{"id": "a", "type": "noop"}},
				"edges": []any{map[string]any{"from": "a"}},
			},
			wantErr: "/edges/0",
		},
		{
			name:    "config not an object",
			doc:     map[string]any{"id": "g", "nodes": []any{map[string]any{"id": "a", "type": "noop", "config": "x"}}},
			wantErr: "/nodes/0/config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateDocument(tt.doc)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			ce := requireValidation(t, err)
			assert.Contains(t, ce.Error()+" "+violations(ce), tt.wantErr)
		})
	}
}

func violations(ce *schema.ControlError) string {
	out := ""
	if list, ok := ce.Details["violations"].([]string); ok {
		for _, v := range list {
			out += v + "\n"
		}
	}
	return out
}

func TestValidateDocument_MultipleViolations(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateDocument(map[string]any{
		"id":    "",
		"nodes": []any{map[string]any{"id": "", "type": ""}},
	})
	ce := requireValidation(t, err)
	list, ok := ce.Details["violations"].([]string)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(list), 2)
	assert.Contains(t, ce.Message, "validation failed with")
}

// --- ValidateGraph ---

func TestValidateGraph(t *testing.T) {
	v := newValidator(t)

	requireValidation(t, v.ValidateGraph(nil))

	cfg := &schema.GraphConfig{
		ID:    "g",
		Nodes: []schema.NodeConfig{{ID: "a", Type: "noop"}},
	}
	assert.NoError(t, v.ValidateGraph(cfg))

	cfg.InputSchema = map[string]any{"type": 12}
	ce := requireValidation(t, v.ValidateGraph(cfg))
	assert.Contains(t, ce.Message, "input_schema")

	requireValidation(t, v.ValidateGraph(&schema.GraphConfig{ID: "empty"}))
}

// --- ValidateInput ---

func TestValidateInput_EmptySchema(t *testing.T) {
	v := newValidator(t)
	assert.NoError(t, v.ValidateInput(map[string]any{"foo": "bar"}, nil))
	assert.NoError(t, v.ValidateInput(nil, map[string]any{}))
}

func TestValidateInput(t *testing.T) {
	v := newValidator(t)
	inputSchema := map[string]any{
		"type":     "object",
		"required": []any{"name", "count"},
		"properties": map[string]any{
			"name":  map[string]any{"type": "string"},
			"count": map[string]any{"type": "integer", "minimum": 1},
			"code":  map[string]any{"type": "string", "pattern": "^[A-Z]{3}$"},
		},
	}

	tests := []struct {
		name  string
		input any
		ok    bool
	}{
		{"valid", map[string]any{"name": "x", "count": 5}, true},
		{"valid float integer", map[string]any{"name": "x", "count": float64(2)}, true},
		{"missing required", map[string]any{"name": "x"}, false},
		{"wrong type", map[string]any{"name": "x", "count": "5"}, false},
		{"minimum", map[string]any{"name": "x", "count": 0}, false},
		{"pattern", map[string]any{"name": "x", "count": 1, "code": "abc"}, false},
		{"not an object", "scalar", false},
		{"nil input", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateInput(tt.input, inputSchema)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				requireValidation(t, err)
			}
		})
	}
}

func TestValidateInput_InvalidSchema(t *testing.T) {
	v := newValidator(t)
	ce := requireValidation(t, v.ValidateInput(map[string]any{}, map[string]any{"type": 12}))
	assert.Contains(t, ce.Message, "invalid input schema")
}

func TestValidateInput_SchemaCaching(t *testing.T) {
	v := newValidator(t)
	inputSchema := map[string]any{"type": "object", "properties": map[string]any{"x": map[string]any{"type": "integer"}}}

	require.NoError(t, v.ValidateInput(map[string]any{"x": 1}, inputSchema))
	require.NoError(t, v.ValidateInput(map[string]any{"x": 2}, inputSchema))

	v.mu.RLock()
	defer v.mu.RUnlock()
	assert.Len(t, v.cache, 1)
}

func TestValidateInput_Concurrent(t *testing.T) {
	v := newValidator(t)
	schemaA := map[string]any{"type": "object", "properties": map[string]any{"a": map[string]any{"type": "string"}}}
	schemaB := map[string]any{"type": "object", "properties": map[string]any{"b": map[string]any{"type": "integer"}}}

	var wg sync.WaitGroup
	errs := make([]error, 100)
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				errs[i] = v.ValidateInput(map[string]any{"a": "hello"}, schemaA)
			} else {
				errs[i] = v.ValidateInput(map[string]any{"b": 42}, schemaB)
			}
		}()
	}
	wg.Wait()

	for i, e := range errs {
		assert.NoError(t, e, "goroutine %d", i)
	}
}
