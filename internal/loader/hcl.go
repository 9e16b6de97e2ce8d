package loader

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/rendis/control/pkg/schema"
)

// hclFile is the top-level structure of an HCL graph file:
//
//	graph "id" {
//	  name   = "Display name"
//	  inputs = { who = "world" }
//
//	  node "hello" {
//	    type   = "expr"
//	    config = { expression = "'hi ' + inputs.who" }
//	  }
//
//	  edge {
//	    from = "hello"
//	    to   = "next"
//	  }
//	}
//
// Template placeholders must escape the dollar sign: "$${{ inputs.who }}".
type hclFile struct {
	Graphs []*hclGraph `hcl:"graph,block"`
}

type hclGraph struct {
	ID          string     `hcl:"id,label"`
	Name        *string    `hcl:"name,optional"`
	Context     cty.Value  `hcl:"context,optional"`
	Inputs      cty.Value  `hcl:"inputs,optional"`
	InputSchema cty.Value  `hcl:"input_schema,optional"`
	Nodes       []*hclNode `hcl:"node,block"`
	Edges       []*hclEdge `hcl:"edge,block"`
}

type hclNode struct {
	ID          string    `hcl:"id,label"`
	Type        string    `hcl:"type"`
	Name        *string   `hcl:"name,optional"`
	Description *string   `hcl:"description,optional"`
	Config      cty.Value `hcl:"config,optional"`
}

type hclEdge struct {
	From  string  `hcl:"from"`
	To    string  `hcl:"to"`
	Label *string `hcl:"label,optional"`
}

func (l *Loader) parseHCL(name string, data []byte) ([]schema.GraphConfig, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCL(data, name)
	if diags.HasErrors() {
		return nil, diagnosticsError(name, "cannot parse", diags)
	}

	var parsed hclFile
	if diags := gohcl.DecodeBody(f.Body, nil, &parsed); diags.HasErrors() {
		return nil, diagnosticsError(name, "cannot decode", diags)
	}

	graphs := make([]schema.GraphConfig, 0, len(parsed.Graphs))
	for _, hg := range parsed.Graphs {
		g, err := hg.toConfig()
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: graph %s: %v", name, hg.ID, err).
				WithDetails(map[string]any{"file": name, "graph_id": hg.ID}).
				WithCause(err)
		}
		graphs = append(graphs, g)
	}
	return l.checkAll(name, graphs)
}

func (g *hclGraph) toConfig() (schema.GraphConfig, error) {
	cfg := schema.GraphConfig{ID: g.ID, Name: deref(g.Name)}

	var err error
	if cfg.Context, err = objectOf("context", g.Context); err != nil {
		return cfg, err
	}
	if cfg.Inputs, err = objectOf("inputs", g.Inputs); err != nil {
		return cfg, err
	}
	if cfg.InputSchema, err = objectOf("input_schema", g.InputSchema); err != nil {
		return cfg, err
	}

	for _, n := range g.Nodes {
		conf, err := objectOf("config", n.Config)
		if err != nil {
			return cfg, fmt.Errorf("node %s: %w", n.ID, err)
		}
		cfg.Nodes = append(cfg.Nodes, schema.NodeConfig{
			ID:          n.ID,
			Type:        n.Type,
			Name:        deref(n.Name),
			Description: deref(n.Description),
			Config:      conf,
		})
	}
	for _, e := range g.Edges {
		cfg.Edges = append(cfg.Edges, schema.EdgeConfig{From: e.From, To: e.To, Label: deref(e.Label)})
	}
	return cfg, nil
}

// objectOf converts an optional object attribute. An absent or null
// attribute yields nil.
func objectOf(attr string, v cty.Value) (map[string]any, error) {
	if v.IsNull() {
		return nil, nil
	}
	native, err := ctyToNative(v)
	if err != nil {
		return nil, fmt.Errorf("attribute %s: %w", attr, err)
	}
	m, ok := native.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("attribute %s must be an object, got %s", attr, v.Type().FriendlyName())
	}
	return m, nil
}

// ctyToNative converts a cty value to the values a decoded JSON document holds.
func ctyToNative(v cty.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	if !v.IsKnown() {
		return nil, fmt.Errorf("value is not known")
	}

	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil
	case ty == cty.Number:
		f, _ := v.AsBigFloat().Float64()
		return f, nil
	case ty == cty.Bool:
		return v.True(), nil
	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		out := make([]any, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			native, err := ctyToNative(ev)
			if err != nil {
				return nil, err
			}
			out = append(out, native)
		}
		return out, nil
	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			k, ev := it.Element()
			native, err := ctyToNative(ev)
			if err != nil {
				return nil, fmt.Errorf("in attribute %q: %w", k.AsString(), err)
			}
			out[k.AsString()] = native
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported value type %s", ty.FriendlyName())
}

func diagnosticsError(name, what string, diags hcl.Diagnostics) error {
	msgs := make([]string, 0, len(diags))
	for _, d := range diags {
		if d.Severity == hcl.DiagError {
			msgs = append(msgs, d.Error())
		}
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "%s %s", what, name).
		WithDetails(map[string]any{"file": name, "violations": msgs}).
		WithCause(diags)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
