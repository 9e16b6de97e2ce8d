package engine

import (
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/rendis/control/internal/fsm"
	"github.com/rendis/control/pkg/schema"
)

// Edge is a directed dependency between two node IDs.
type Edge struct {
	From  string
	To    string
	Label string
}

// BuildOptions describes a graph to Build.
type BuildOptions struct {
	ID      string
	Name    string
	Nodes   []*Node
	Edges   []Edge
	Context map[string]any
	// Env is the lowest template layer. Nil means a snapshot of the process environment.
	Env    map[string]any
	Logger *slog.Logger
}

// Build validates the topology and returns a ready-to-run Graph. It fails
// with STRUCTURAL_ERROR on an empty node list, duplicate node IDs, edges
// touching undeclared nodes, self edges, cycles, or anything but exactly one root.
func Build(opts BuildOptions) (*Graph, error) {
	if len(opts.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeStructural, "graph has no nodes")
	}

	nodes := make(map[string]*Node, len(opts.Nodes))
	order := make([]string, 0, len(opts.Nodes))
	for i, n := range opts.Nodes {
		if n == nil || n.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeStructural, "node at index %d has empty ID", i)
		}
		if _, exists := nodes[n.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeStructural, "found two nodes with the same id: %s", n.ID)
		}
		nodes[n.ID] = n
		order = append(order, n.ID)
	}

	children := make(map[string][]string, len(nodes))
	inDegree := make(map[string]int, len(nodes))
	seen := make(map[[2]string]bool, len(opts.Edges))
	for _, e := range opts.Edges {
		if _, ok := nodes[e.From]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeStructural, "edge references missing node: %s", e.From)
		}
		if _, ok := nodes[e.To]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeStructural, "edge references missing node: %s", e.To)
		}
		if e.From == e.To {
			return nil, schema.NewErrorf(schema.ErrCodeStructural, "node %s has an edge to itself", e.From)
		}
		key := [2]string{e.From, e.To}
		if seen[key] {
			return nil, schema.NewErrorf(schema.ErrCodeStructural, "duplicate edge %s -> %s", e.From, e.To)
		}
		seen[key] = true
		children[e.From] = append(children[e.From], e.To)
		inDegree[e.To]++
	}

	var roots []string
	for _, id := range order {
		if inDegree[id] == 0 {
			roots = append(roots, id)
		}
	}
	switch {
	case len(roots) == 0:
		return nil, schema.NewError(schema.ErrCodeStructural, "no root node found, cannot build graph tree")
	case len(roots) > 1:
		return nil, schema.NewErrorf(schema.ErrCodeStructural,
			"multiple root nodes found, cannot build graph tree: %s", strings.Join(roots, ", ")).
			WithDetails(map[string]any{"roots": roots})
	}

	sorted, err := topoSort(order, children, inDegree)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	env := opts.Env
	if env == nil {
		env = EnvSnapshot()
	}

	g := &Graph{
		ID:       opts.ID,
		Name:     opts.Name,
		root:     nodes[roots[0]],
		nodes:    nodes,
		order:    sorted,
		children: children,
		original: opts.Context,
		context:  NewSharedContext(opts.Context),
		env:      env,
		logger:   logger,
		Emitter:  fsm.NewEmitter[Event](graphEvents...),
	}
	g.applyNodeListeners()
	return g, nil
}

// topoSort orders node IDs with Kahn's algorithm, keeping declaration order
// among ready nodes. Any node left over sits on a cycle.
func topoSort(order []string, children map[string][]string, inDegree map[string]int) ([]string, error) {
	remaining := make(map[string]int, len(inDegree))
	for id, d := range inDegree {
		remaining[id] = d
	}

	queue := make([]string, 0, len(order))
	for _, id := range order {
		if remaining[id] == 0 {
			queue = append(queue, id)
		}
	}

	sorted := make([]string, 0, len(order))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)
		for _, child := range children[id] {
			remaining[child]--
			if remaining[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if len(sorted) != len(order) {
		var cyclic []string
		for _, id := range order {
			if !slices.Contains(sorted, id) {
				cyclic = append(cyclic, id)
			}
		}
		return nil, schema.NewErrorf(schema.ErrCodeStructural,
			"cycle detected among nodes: %s", strings.Join(cyclic, ", ")).
			WithDetails(map[string]any{"nodes": cyclic})
	}
	return sorted, nil
}

// EnvSnapshot returns the process environment as a template layer.
func EnvSnapshot() map[string]any {
	environ := os.Environ()
	env := make(map[string]any, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		env[k] = v
	}
	return env
}
