package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/control/pkg/schema"
)

// ASCII renders m level by level, each node in a box, siblings side by side.
func ASCII(m *Model) string {
	var b strings.Builder
	if m.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", m.Title)
	}

	for i, ids := range m.Levels {
		var row []box
		for _, id := range ids {
			if n := m.node(id); n != nil {
				row = append(row, boxOf(n))
			}
		}
		writeRow(&b, row)
		if i < len(m.Levels)-1 {
			b.WriteString("       │\n       ▼\n")
		}
	}

	labelled := false
	for _, e := range m.Edges {
		if e.Label == "" {
			continue
		}
		if !labelled {
			b.WriteString("\nedges:\n")
			labelled = true
		}
		fmt.Fprintf(&b, "  %s ─%s→ %s\n", e.From, e.Label, e.To)
	}
	return b.String()
}

type box struct {
	lines []string
	width int
}

func boxOf(n *Node) box {
	content := []string{n.Label}
	if tag := stateTag(n.State); tag != "" {
		content = append(content, tag)
	}

	inner := 0
	for _, c := range content {
		inner = max(inner, len([]rune(c)))
	}
	bx := box{width: inner + 4}
	bx.lines = append(bx.lines, "┌"+strings.Repeat("─", inner+2)+"┐")
	for _, c := range content {
		bx.lines = append(bx.lines, "│ "+c+strings.Repeat(" ", inner-len([]rune(c)))+" │")
	}
	bx.lines = append(bx.lines, "└"+strings.Repeat("─", inner+2)+"┘")
	return bx
}

func writeRow(b *strings.Builder, row []box) {
	height := 0
	for _, bx := range row {
		height = max(height, len(bx.lines))
	}
	for line := range height {
		for i, bx := range row {
			if i > 0 {
				b.WriteString("  ")
			}
			if line < len(bx.lines) {
				b.WriteString(bx.lines[line])
			} else {
				b.WriteString(strings.Repeat(" ", bx.width))
			}
		}
		b.WriteByte('\n')
	}
}

func stateTag(s schema.NodeState) string {
	switch s {
	case schema.NodeSuccess:
		return "[OK]"
	case schema.NodeError, schema.NodeBackpropagationError:
		return "[FAIL]"
	case schema.NodeDidNotRun:
		return "[SKIP]"
	case "":
		return ""
	}
	return "[RUN]"
}
