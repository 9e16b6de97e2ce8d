package validation

import "github.com/rendis/control/pkg/schema"

// Validator checks graph documents before they are built and inputs before a run.
// Uses JSON Schema Draft 2020-12.
type Validator interface {
	ValidateDocument(doc any) error
	ValidateGraph(cfg *schema.GraphConfig) error
	ValidateInput(input any, inputSchema map[string]any) error
}
