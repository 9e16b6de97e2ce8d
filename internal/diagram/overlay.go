package diagram

import "github.com/rendis/control/pkg/schema"

// Outcome is the part of a finished task the overlay needs.
type Outcome struct {
	OutputStack map[string]any
	Error       *schema.ErrorPayload
}

// Overlay derives node states from a finished task: nodes with a stacked
// output succeeded, nodes named by the error failed, every other node of
// nodeIDs did not run.
func Overlay(nodeIDs []string, o Outcome) map[string]schema.NodeState {
	states := make(map[string]schema.NodeState, len(nodeIDs))
	for _, id := range nodeIDs {
		states[id] = schema.NodeDidNotRun
	}
	for id := range o.OutputStack {
		states[id] = schema.NodeSuccess
	}
	if o.Error != nil {
		for _, ne := range o.Error.Errors {
			states[ne.NodeID] = schema.NodeError
		}
	}
	return states
}
