package engine

import (
	"log/slog"

	"github.com/rendis/control/pkg/schema"
)

// TypeResolver looks node types up by tag.
type TypeResolver interface {
	Lookup(tag string) (NodeType, bool)
}

// Option adjusts the BuildOptions derived from a graph configuration.
type Option func(*BuildOptions)

// WithEnv overrides the environment layer.
func WithEnv(env map[string]any) Option {
	return func(o *BuildOptions) { o.Env = env }
}

// WithLogger sets the graph logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *BuildOptions) { o.Logger = l }
}

// WithContext overrides the initial shared context declared in the configuration.
func WithContext(c map[string]any) Option {
	return func(o *BuildOptions) { o.Context = c }
}

// FromConfig instantiates every node of cfg through resolver and builds the graph.
func FromConfig(resolver TypeResolver, cfg schema.GraphConfig, opts ...Option) (*Graph, error) {
	if cfg.ID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph id is mandatory")
	}
	if len(cfg.Nodes) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "graph %s has no nodes", cfg.ID)
	}

	nodes := make([]*Node, 0, len(cfg.Nodes))
	for _, nc := range cfg.Nodes {
		t, ok := resolver.Lookup(nc.Type)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "unknown node type %q", nc.Type).
				WithNode(nc.ID).
				WithDetails(map[string]any{"graph_id": cfg.ID, "type": nc.Type})
		}
		n, err := NewNode(t, Spec{
			ID:          nc.ID,
			Name:        nc.Name,
			Description: nc.Description,
			Config:      nc.Config,
		})
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}

	edges := make([]Edge, 0, len(cfg.Edges))
	for _, e := range cfg.Edges {
		edges = append(edges, Edge{From: e.From, To: e.To, Label: e.Label})
	}

	bo := BuildOptions{
		ID:      cfg.ID,
		Name:    cfg.Name,
		Nodes:   nodes,
		Edges:   edges,
		Context: cfg.Context,
	}
	for _, opt := range opts {
		opt(&bo)
	}
	return Build(bo)
}
