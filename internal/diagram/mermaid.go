package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/control/pkg/schema"
)

var mermaidID = strings.NewReplacer(".", "_", "-", "_", " ", "_")

// Mermaid renders m as a top-down Mermaid flowchart. Deferred nodes are
// drawn as stadiums, the others as rectangles.
func Mermaid(m *Model) string {
	var b strings.Builder
	b.WriteString("graph TD\n")
	if m.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", m.Title)
	}

	for _, n := range m.Nodes {
		id := mermaidID.Replace(n.ID)
		if n.Deferred {
			fmt.Fprintf(&b, "    %s([%q])\n", id, n.Label)
		} else {
			fmt.Fprintf(&b, "    %s[%q]\n", id, n.Label)
		}
	}
	for _, e := range m.Edges {
		arrow := "-->"
		if e.Label != "" {
			arrow = "-->|" + e.Label + "|"
		}
		fmt.Fprintf(&b, "    %s %s %s\n", mermaidID.Replace(e.From), arrow, mermaidID.Replace(e.To))
	}

	var classes []string
	for _, n := range m.Nodes {
		if cls := stateClass(n.State); cls != "" {
			classes = append(classes, fmt.Sprintf("    class %s %s\n", mermaidID.Replace(n.ID), cls))
		}
	}
	if len(classes) > 0 {
		b.WriteString("\n")
		b.WriteString("    classDef success fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
		b.WriteString("    classDef error fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
		b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")
		b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
		for _, c := range classes {
			b.WriteString(c)
		}
	}
	return b.String()
}

func stateClass(s schema.NodeState) string {
	switch s {
	case schema.NodeSuccess:
		return "success"
	case schema.NodeError, schema.NodeBackpropagationError:
		return "error"
	case schema.NodeDidNotRun:
		return "skipped"
	case schema.NodePreExecuting, schema.NodeExecuting, schema.NodePostExecuting, schema.NodeWaitingForDone:
		return "running"
	}
	return ""
}
