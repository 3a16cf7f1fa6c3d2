package expressions

import "context"

// Engine evaluates expressions inside a workflow run.
// Three implementations: Expr (branch conditions), CEL (profile filters), GoJQ (path selection).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
