// Package expressions evaluates the deterministic parts of a program:
// assign expressions, judge conditions and ${{ }} template references, all
// scoped to the frame's variable pool.
package expressions

import "context"

// Engine evaluates expressions against the variable pool.
// Three implementations: Expr (assign logic), CEL (judge conditions),
// GoJQ (assign transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error)
}
