package nodes

import (
	"context"
	"sync"

	"github.com/rendis/control/internal/engine"
	"github.com/rendis/control/internal/expressions"
)

// Shared expression engines. Each caches compiled programs and is safe for
// concurrent use.
var (
	celEngine  = sync.OnceValues(expressions.NewCELEngine)
	exprEngine = sync.OnceValue(expressions.NewExprEngine)
	jqEngine   = sync.OnceValue(expressions.NewGoJQEngine)
)

// when is embedded by every built-in node. A "when" CEL condition in the
// resolved config that evaluates to false makes the node DID_NOT_RUN.
type when struct{}

func (when) PreRun(ctx context.Context, in *engine.Input) (bool, error) {
	cond := stringParam(in.Config, "when", "")
	if cond == "" {
		return true, nil
	}
	eng, err := celEngine()
	if err != nil {
		return false, err
	}
	return eng.EvaluateBool(ctx, cond, activation(in))
}

// activation exposes an invocation to expression engines under the template
// layer names.
func activation(in *engine.Input) map[string]any {
	var ctxData map[string]any
	if in.Context != nil {
		ctxData = in.Context.Snapshot()
	}
	return map[string]any{
		expressions.LayerInputs:        in.Inputs,
		expressions.LayerInitialInputs: in.InitialInputs,
		expressions.LayerOutputs:       in.Outputs,
		expressions.LayerContext:       ctxData,
		expressions.LayerConfig:        in.Config,
		expressions.LayerEnv:           in.Env,
	}
}

func exprActivation(in *engine.Input) expressions.Activation {
	act := expressions.Activation{
		Inputs:        in.Inputs,
		InitialInputs: in.InitialInputs,
		Outputs:       in.Outputs,
		Config:        in.Config,
		Env:           in.Env,
	}
	if in.Context != nil {
		act.Context = in.Context.Snapshot()
	}
	return act
}
