package schema

// GraphConfig is the serializable graph definition consumed from graph files.
// One GraphConfig may be multiplied into several independent runs.
type GraphConfig struct {
	ID      string         `json:"id" yaml:"id"`
	Name    string         `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes   []NodeConfig   `json:"nodes" yaml:"nodes"`
	Edges   []EdgeConfig   `json:"edges" yaml:"edges"`
	Context map[string]any `json:"context,omitempty" yaml:"context,omitempty"`
	Inputs  map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	// InputSchema is an optional JSON Schema the run inputs must satisfy.
	InputSchema map[string]any `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
}

// NodeConfig describes one node instance of a registered node type.
type NodeConfig struct {
	ID          string         `json:"id" yaml:"id"`
	Type        string         `json:"type" yaml:"type"`
	Name        string         `json:"name,omitempty" yaml:"name,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Config      map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// EdgeConfig is a directed dependency between two node IDs.
type EdgeConfig struct {
	From  string `json:"from" yaml:"from"`
	To    string `json:"to" yaml:"to"`
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
}

// DisplayName returns the graph name, falling back to its ID.
func (g GraphConfig) DisplayName() string {
	if g.Name != "" {
		return g.Name
	}
	return g.ID
}
