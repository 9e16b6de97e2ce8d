package nodes

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/control/internal/engine"
	"github.com/rendis/control/internal/expressions"
	"github.com/rendis/control/pkg/schema"
)

// Built-in node type tags.
const (
	TagNoop   = "noop"
	TagScript = "script"
	TagAssert = "assert"
	TagError  = "error"
	TagExpr   = "expr"
	TagJQ     = "jq"
	TagWait   = "wait"
)

// Builtins returns every built-in node type.
func Builtins() []engine.NodeType {
	return []engine.NodeType{
		{Tag: TagNoop, Description: "Passes its inputs through unchanged", New: newNoop},
		{Tag: TagScript, Description: "Runs a command and captures stdout, stderr and exit code", New: newScript},
		{Tag: TagAssert, Description: "Fails unless a CEL condition holds", New: newAssert},
		{Tag: TagError, Description: "Always fails with config.error_message", New: newErrorNode},
		{Tag: TagExpr, Description: "Outputs the value of an expr-lang expression", New: newExpr},
		{Tag: TagJQ, Description: "Transforms its inputs with a jq query", New: newJQ},
		{Tag: TagWait, Mode: engine.Deferred, Description: "Completes after config.duration", New: newWait},
	}
}

// RegisterBuiltins registers all built-in node types in reg.
func RegisterBuiltins(reg *Registry) error {
	return reg.RegisterAll(Builtins()...)
}

// --- noop ---

type noopNode struct{ when }

func newNoop(engine.Spec) (engine.Behavior, error) {
	return &noopNode{}, nil
}

func (n *noopNode) Run(_ context.Context, in *engine.Input) (any, error) {
	return in.Inputs, nil
}

// --- error ---

type errorNode struct{ when }

func newErrorNode(engine.Spec) (engine.Behavior, error) {
	return &errorNode{}, nil
}

func (n *errorNode) Run(_ context.Context, in *engine.Input) (any, error) {
	msg := stringParam(in.Config, "error_message", "error node reached")
	return nil, errors.New(msg)
}

// --- assert ---

type assertNode struct{ when }

func newAssert(spec engine.Spec) (engine.Behavior, error) {
	if stringParam(spec.Config, "condition", "") == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "assert node requires config.condition")
	}
	return &assertNode{}, nil
}

func (n *assertNode) Run(ctx context.Context, in *engine.Input) (any, error) {
	cond := stringParam(in.Config, "condition", "")
	eng, err := celEngine()
	if err != nil {
		return nil, err
	}
	ok, err := eng.EvaluateBool(ctx, cond, activation(in))
	if err != nil {
		return nil, err
	}
	if !ok {
		msg := stringParam(in.Config, "message", "assertion failed: "+cond)
		return nil, schema.NewError(schema.ErrCodeNodeExecution, msg).
			WithDetails(map[string]any{"condition": cond})
	}
	return in.Inputs, nil
}

// --- expr ---

type exprNode struct{ when }

func newExpr(spec engine.Spec) (engine.Behavior, error) {
	expression := stringParam(spec.Config, "expression", "")
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "expr node requires config.expression")
	}
	// Templated expressions are only known once the config is resolved.
	if !expressions.HasPlaceholder(expression) {
		if err := exprEngine().Compile(expression); err != nil {
			return nil, err
		}
	}
	return &exprNode{}, nil
}

func (n *exprNode) Run(ctx context.Context, in *engine.Input) (any, error) {
	return exprEngine().Run(ctx, stringParam(in.Config, "expression", ""), exprActivation(in))
}

// --- jq ---

type jqNode struct{ when }

func newJQ(spec engine.Spec) (engine.Behavior, error) {
	if stringParam(spec.Config, "query", "") == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "jq node requires config.query")
	}
	return &jqNode{}, nil
}

// Run applies config.query to the inputs, or to every layer at once when
// config.scope is "all". With config.collect every result is returned as a
// list, even when the query yields one value or none.
func (n *jqNode) Run(ctx context.Context, in *engine.Input) (any, error) {
	var input any = in.Inputs
	if stringParam(in.Config, "scope", "inputs") == "all" {
		input = activation(in)
	}
	query := stringParam(in.Config, "query", "")
	if boolParam(in.Config, "collect", false) {
		out, err := jqEngine().EvaluateAll(ctx, query, input)
		if out == nil && err == nil {
			out = []any{}
		}
		return out, err
	}
	return jqEngine().EvaluateValue(ctx, query, input)
}

// --- wait ---

type waitNode struct{ when }

func newWait(engine.Spec) (engine.Behavior, error) {
	return &waitNode{}, nil
}

// RunDeferred outputs the inputs right away and completes the node once
// config.duration elapsed.
func (n *waitNode) RunDeferred(ctx context.Context, in *engine.Input, done *engine.Completion) (any, error) {
	d := durationParam(in.Config, "duration", 0)
	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			_ = done.Done(nil)
		case <-ctx.Done():
			_ = done.Done(ctx.Err())
		}
	}()
	return in.Inputs, nil
}
