// Package diagram draws graph configurations as Mermaid flowcharts or ASCII
// boxes, optionally coloured with the node states of a finished run.
package diagram

import (
	"strings"

	"github.com/rendis/control/internal/engine"
	"github.com/rendis/control/pkg/schema"
)

// Model is the layout shared by every renderer.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
	// Levels groups node IDs by their longest distance from the root.
	Levels [][]string
}

// Node is one box of the diagram.
type Node struct {
	ID       string
	Label    string
	Type     string
	Deferred bool
	State    schema.NodeState // empty when no run is overlaid
}

// Edge links a parent to a child.
type Edge struct {
	From  string
	To    string
	Label string
}

// Build lays out g. cfg supplies the edge labels the built graph drops;
// states, when non-nil, overlays a run.
func Build(cfg schema.GraphConfig, g *engine.Graph, states map[string]schema.NodeState) *Model {
	m := &Model{Title: cfg.DisplayName()}

	level := make(map[string]int, len(cfg.Nodes))
	for _, n := range g.Nodes() {
		node := &Node{
			ID:       n.ID,
			Label:    label(n),
			Type:     n.Type,
			Deferred: n.Mode == engine.Deferred,
			State:    states[n.ID],
		}
		m.Nodes = append(m.Nodes, node)

		// Nodes come in topological order, so every parent is placed already.
		for _, child := range g.Children(n.ID) {
			level[child] = max(level[child], level[n.ID]+1)
		}
		for len(m.Levels) <= level[n.ID] {
			m.Levels = append(m.Levels, nil)
		}
		m.Levels[level[n.ID]] = append(m.Levels[level[n.ID]], n.ID)
	}

	for _, e := range cfg.Edges {
		m.Edges = append(m.Edges, Edge{From: e.From, To: e.To, Label: e.Label})
	}
	return m
}

func label(n *engine.Node) string {
	name := n.Name
	if name == "" {
		name = n.ID
	}
	if i := strings.IndexByte(name, '\n'); i >= 0 {
		name = name[:i]
	}
	return name + " (" + n.Type + ")"
}

// node returns the node with the given ID.
func (m *Model) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Render draws m in format: "mermaid" or "ascii".
func Render(m *Model, format string) (string, error) {
	switch format {
	case "", FormatMermaid:
		return Mermaid(m), nil
	case FormatASCII:
		return ASCII(m), nil
	}
	return "", schema.NewErrorf(schema.ErrCodeValidation, "unknown diagram format %q (want %s or %s)", format, FormatMermaid, FormatASCII)
}

// Formats accepted by Render.
const (
	FormatMermaid = "mermaid"
	FormatASCII   = "ascii"
)
