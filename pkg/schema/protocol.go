package schema

// MessageType tags every record crossing the worker boundary.
type MessageType string

const (
	MessageTaskStart        MessageType = "task_start"
	MessageTaskDone         MessageType = "task_done"
	MessageTaskError        MessageType = "task_error"
	MessageNodeStateChanged MessageType = "node_state_changed"
)

// Valid reports whether t is one of the protocol message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTaskStart, MessageTaskDone, MessageTaskError, MessageNodeStateChanged:
		return true
	}
	return false
}

// Request is sent by the pool to a worker to start a task.
type Request struct {
	TaskID  string      `json:"task_id"`
	Payload TaskPayload `json:"payload"`
}

// TaskPayload is the unit of work run by a worker: one graph and its initial inputs.
type TaskPayload struct {
	Graph  *GraphConfig   `json:"graph_config"`
	Inputs map[string]any `json:"inputs,omitempty"`
}

// Message is sent by a worker to the pool.
type Message struct {
	Type      MessageType `json:"type"`
	TaskID    string      `json:"task_id"`
	GraphID   string      `json:"graph_id,omitempty"`
	GraphName string      `json:"graph_name,omitempty"`

	// node_state_changed
	NodeID string `json:"node_id,omitempty"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`

	// task_done
	FinalOutputs map[string]any `json:"final_outputs,omitempty"`
	OutputStack  map[string]any `json:"output_stack,omitempty"`
	FinalNodes   []string       `json:"final_nodes,omitempty"`

	// task_error
	Error *ErrorPayload `json:"error,omitempty"`
}

// WorkerData is handed to every worker at spawn time.
type WorkerData struct {
	NodeDirs []string `json:"nodes_dir,omitempty"`
	Plugins  []string `json:"plugins,omitempty"`
}
