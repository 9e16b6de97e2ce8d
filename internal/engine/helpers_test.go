package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rendis/control/internal/logging"
)

// --- Test node implementations ---

// funcNode is an Immediate node whose phases are plain functions.
type funcNode struct {
	pre  func(ctx context.Context, in *Input) (bool, error)
	run  func(ctx context.Context, in *Input) (any, error)
	post func(ctx context.Context, in *Input) error
}

func (f *funcNode) PreRun(ctx context.Context, in *Input) (bool, error) {
	if f.pre == nil {
		return true, nil
	}
	return f.pre(ctx, in)
}

func (f *funcNode) Run(ctx context.Context, in *Input) (any, error) {
	if f.run == nil {
		return in.Inputs, nil
	}
	return f.run(ctx, in)
}

func (f *funcNode) PostRun(ctx context.Context, in *Input) error {
	if f.post == nil {
		return nil
	}
	return f.post(ctx, in)
}

// deferredNode hands its completion to onRun.
type deferredNode struct {
	onRun func(ctx context.Context, in *Input, done *Completion) (any, error)
}

func (d *deferredNode) RunDeferred(ctx context.Context, in *Input, done *Completion) (any, error) {
	return d.onRun(ctx, in, done)
}

func immediate(t *testing.T, id string, f *funcNode) *Node {
	t.Helper()
	if f == nil {
		f = &funcNode{}
	}
	n, err := newNode("func", Immediate, Spec{ID: id}, f)
	require.NoError(t, err)
	return n
}

func immediateWithConfig(t *testing.T, id string, config map[string]any, f *funcNode) *Node {
	t.Helper()
	n, err := newNode("func", Immediate, Spec{ID: id, Config: config}, f)
	require.NoError(t, err)
	return n
}

func deferred(t *testing.T, id string, d *deferredNode) *Node {
	t.Helper()
	n, err := newNode("deferred", Deferred, Spec{ID: id}, d)
	require.NoError(t, err)
	return n
}

func edges(pairs ...string) []Edge {
	out := make([]Edge, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, Edge{From: pairs[i], To: pairs[i+1]})
	}
	return out
}

func build(t *testing.T, nodes []*Node, e []Edge) *Graph {
	t.Helper()
	g, err := Build(BuildOptions{
		ID:     "g",
		Nodes:  nodes,
		Edges:  e,
		Env:    map[string]any{},
		Logger: logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(g.Close)
	return g
}

// mapResolver is a TypeResolver backed by a map.
type mapResolver map[string]NodeType

func (m mapResolver) Lookup(tag string) (NodeType, bool) {
	t, ok := m[tag]
	return t, ok
}
