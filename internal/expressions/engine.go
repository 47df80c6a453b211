package expressions

import (
	"context"

	"github.com/rendis/graphrun/internal/variables"
)

// Engine evaluates expressions against pool data.
// Three implementations: CEL (if-else cases), Expr (loop conditions), GoJQ
// (list filters).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Activation keys.
const (
	KeyNodes = "nodes"
	KeySys   = "sys"
	KeyEnv   = "env"
	KeyLoop  = "loop"
)

// Activation builds evaluation data from a pool: every namespace under
// "nodes", with "sys" and "env" also exposed at top level. extra entries (for
// example the current loop frame) are merged in last.
func Activation(pool *variables.Pool, extra map[string]any) map[string]any {
	nodes := pool.AsMap()
	data := map[string]any{
		KeyNodes: nodes,
		KeySys:   namespaceOrEmpty(nodes, variables.SystemNamespace),
		KeyEnv:   namespaceOrEmpty(nodes, variables.EnvironmentNamespace),
		KeyLoop:  map[string]any{},
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}

func namespaceOrEmpty(nodes map[string]any, ns string) map[string]any {
	if m, ok := nodes[ns].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}
