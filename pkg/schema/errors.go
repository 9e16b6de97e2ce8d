package schema

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeStructural         = "STRUCTURAL_ERROR"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeTransitionRejected = "TRANSITION_REJECTED"
	ErrCodeUnknownEvent       = "UNKNOWN_EVENT"
	ErrCodeNodeExecution      = "NODE_EXECUTION_ERROR"
	ErrCodeGraph              = "GRAPH_ERROR"
	ErrCodeStartupTimeout     = "STARTUP_TIMEOUT"
	ErrCodeWorkerCrash        = "WORKER_CRASH"
	ErrCodeDoubleCompletion   = "DOUBLE_COMPLETION"
	ErrCodeMissingEntryPoint  = "MISSING_ENTRY_POINT"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeDiscovery          = "DISCOVERY_ERROR"
	ErrCodeExpression         = "EXPRESSION_ERROR"
	ErrCodePoolClosed         = "POOL_CLOSED"
	ErrCodePathDenied         = "PATH_DENIED"
)

// ControlError is the structured error type for all control operations.
type ControlError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ControlError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ControlError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ControlError.
func NewError(code, message string) *ControlError {
	return &ControlError{Code: code, Message: message}
}

// NewErrorf creates a new ControlError with a formatted message.
func NewErrorf(code, format string, args ...any) *ControlError {
	return &ControlError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *ControlError) WithNode(nodeID string) *ControlError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *ControlError) WithCause(err error) *ControlError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ControlError) WithDetails(details map[string]any) *ControlError {
	e.Details = details
	return e
}

// HasCode reports whether err, or any error it wraps, is a ControlError with the given code.
func HasCode(err error, code string) bool {
	var ce *ControlError
	for err != nil {
		if !errors.As(err, &ce) {
			return false
		}
		if ce.Code == code {
			return true
		}
		err = ce.Cause
	}
	return false
}

// NodeFailure pairs a failing node with the error it produced.
type NodeFailure struct {
	NodeID string
	Err    error
}

func (e NodeFailure) Error() string {
	return fmt.Sprintf("node %s: %v", e.NodeID, e.Err)
}

func (e NodeFailure) Unwrap() error {
	return e.Err
}

// GraphError aggregates every node failure recorded during one graph run.
// Callers should enumerate Errors for per-node diagnostics.
type GraphError struct {
	GraphID string
	Errors  []NodeFailure
}

func (e *GraphError) Error() string {
	ids := make([]string, 0, len(e.Errors))
	for _, ne := range e.Errors {
		ids = append(ids, ne.NodeID)
	}
	return fmt.Sprintf("[%s] graph %s: %d node(s) errored during execution: %s",
		ErrCodeGraph, e.GraphID, len(e.Errors), strings.Join(ids, ", "))
}

// Unwrap exposes the per-node errors to errors.Is and errors.As.
func (e *GraphError) Unwrap() []error {
	errs := make([]error, 0, len(e.Errors))
	for _, ne := range e.Errors {
		errs = append(errs, ne)
	}
	return errs
}

// NodeIDs returns the failing node IDs in the order they were recorded.
func (e *GraphError) NodeIDs() []string {
	ids := make([]string, 0, len(e.Errors))
	for _, ne := range e.Errors {
		ids = append(ids, ne.NodeID)
	}
	return ids
}

// ErrorPayload is the serializable form of an error crossing the worker boundary.
type ErrorPayload struct {
	Code    string             `json:"code,omitempty"`
	Message string             `json:"message"`
	Errors  []NodeErrorPayload `json:"errors,omitempty"`
}

// NodeErrorPayload is one per-node entry of an ErrorPayload.
type NodeErrorPayload struct {
	NodeID  string `json:"node_id"`
	Message string `json:"message"`
}

// ToPayload flattens err into an ErrorPayload, keeping the per-node list of a GraphError.
func ToPayload(err error) *ErrorPayload {
	if err == nil {
		return nil
	}
	p := &ErrorPayload{Message: err.Error()}
	var ge *GraphError
	if errors.As(err, &ge) {
		p.Code = ErrCodeGraph
		for _, ne := range ge.Errors {
			p.Errors = append(p.Errors, NodeErrorPayload{NodeID: ne.NodeID, Message: ne.Err.Error()})
		}
		return p
	}
	var ce *ControlError
	if errors.As(err, &ce) {
		p.Code = ce.Code
	}
	return p
}

func (p *ErrorPayload) Error() string {
	return p.Message
}
