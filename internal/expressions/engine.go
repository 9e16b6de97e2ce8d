package expressions

import "context"

// Engine evaluates expressions used by built-in nodes.
// Three implementations: CEL (conditions), GoJQ (transforms), Expr (computed values).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
