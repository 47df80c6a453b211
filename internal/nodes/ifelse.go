package nodes

import (
	"context"

	"github.com/rendis/graphrun/internal/expressions"
	"github.com/rendis/graphrun/internal/variables"
	"github.com/rendis/graphrun/pkg/schema"
)

// Branch handles of an if-else node.
const (
	HandleTrue  = "true"
	HandleFalse = "false"
)

type ifElseCase struct {
	id         string
	logical    string
	conditions []condition
	expression string
}

// ifElseNode takes the handle of the first matching case, or "false".
// A case matches through its condition list or a CEL expression.
type ifElseNode struct {
	base
	cases []ifElseCase
	cel   *expressions.CELEngine
}

func newIfElse(b base, f *Factory) (Node, error) {
	n := &ifElseNode{base: b, cel: f.deps.CEL}

	rawCases := listParam(b.data, "cases")
	if len(rawCases) == 0 {
		// Single-case form: conditions at the top level, handle "true".
		if _, ok := b.data["conditions"]; ok {
			rawCases = []map[string]any{{
				"case_id":          HandleTrue,
				"logical_operator": b.data["logical_operator"],
				"conditions":       b.data["conditions"],
			}}
		}
	}
	if len(rawCases) == 0 {
		return nil, schema.ConfigurationError("if-else needs at least one case").WithNode(b.id)
	}

	for _, rc := range rawCases {
		id, err := requireString(b.id, rc, "case_id")
		if err != nil {
			return nil, err
		}
		if id == HandleFalse {
			return nil, schema.ConfigurationError("case id %q is reserved", HandleFalse).WithNode(b.id)
		}
		c := ifElseCase{
			id:         id,
			logical:    stringParam(rc, "logical_operator", "and"),
			expression: stringParam(rc, "expression", ""),
		}
		if c.conditions, err = parseConditions(b.id, listParam(rc, "conditions")); err != nil {
			return nil, err
		}
		if c.expression == "" && len(c.conditions) == 0 {
			return nil, schema.ConfigurationError("case %q has neither conditions nor expression", id).WithNode(b.id)
		}
		n.cases = append(n.cases, c)
	}
	return n, nil
}

func (n *ifElseNode) Run(ctx context.Context, rc RunContext) *Result {
	pool := rc.Variables()
	results := make(map[string]any, len(n.cases))
	for _, c := range n.cases {
		ok, err := n.match(ctx, c, pool)
		if err != nil {
			return Failed(schema.AsGraphError(err, schema.ErrCodeExecution).WithNode(n.id))
		}
		results[c.id] = ok
		if ok {
			return Succeeded(map[string]any{"result": true, "selected_case_id": c.id}).
				WithInputs(results).WithHandle(c.id)
		}
	}
	return Succeeded(map[string]any{"result": false, "selected_case_id": HandleFalse}).
		WithInputs(results).WithHandle(HandleFalse)
}

func (n *ifElseNode) match(ctx context.Context, c ifElseCase, pool *variables.Pool) (bool, error) {
	if c.expression != "" {
		return n.cel.EvaluateBool(ctx, c.expression, expressions.Activation(pool, nil))
	}
	return evalConditions(c.conditions, c.logical, pool.GetValue, pool)
}
