package expressions

import "context"

// Engine evaluates expressions against instance variables and event payloads.
// Three implementations: Expr (compiled rule trees), CEL (free-form condition
// expressions), GoJQ (payload path lookups and webhook output extraction).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
