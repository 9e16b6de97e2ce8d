package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/control/pkg/schema"
)

// Activation is what an expr program sees: one variable per layer of a node
// invocation. Names outside these layers, or the expr builtins, do not compile.
type Activation struct {
	Inputs        any            `expr:"inputs"`
	InitialInputs any            `expr:"initial_inputs"`
	Outputs       map[string]any `expr:"outputs"`
	Context       map[string]any `expr:"context"`
	Config        map[string]any `expr:"config"`
	Env           map[string]any `expr:"env"`
}

// ActivationFrom picks the layers out of a flat data map.
func ActivationFrom(data map[string]any) Activation {
	layer := func(name string) map[string]any {
		m, _ := data[name].(map[string]any)
		return m
	}
	return Activation{
		Inputs:        data[LayerInputs],
		InitialInputs: data[LayerInitialInputs],
		Outputs:       layer(LayerOutputs),
		Context:       layer(LayerContext),
		Config:        layer(LayerConfig),
		Env:           layer(LayerEnv),
	}
}

// ExprEngine evaluates expr-lang expressions for the expr node. Programs are
// compiled once per expression against Activation and cached.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates an ExprEngine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: make(map[string]*vm.Program)}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Compile checks expression without running it, so a node can reject a bad
// expression when it is built.
func (e *ExprEngine) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

// Run evaluates expression against act.
func (e *ExprEngine) Run(ctx context.Context, expression string, act Activation) (any, error) {
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, act)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

// Evaluate implements Engine over a flat map of layers.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.Run(ctx, expression, ActivationFrom(data))
}

func (e *ExprEngine) program(expression string) (*vm.Program, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}

	e.mu.RLock()
	prg, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression, expr.Env(Activation{}))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.mu.Lock()
	e.cache[expression] = prg
	e.mu.Unlock()
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
