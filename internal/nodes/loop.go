package nodes

import (
	"context"

	"github.com/rendis/graphrun/internal/expressions"
	"github.com/rendis/graphrun/internal/variables"
	"github.com/rendis/graphrun/pkg/schema"
)

const defaultLoopCount = 10

type loopVariable struct {
	name   string
	value  any
	sel    variables.Selector
	update string
}

// loopNode repeats its child graph until a loop-end node runs, a break
// condition holds, or loop_count rounds have passed. Loop variables are
// visible as [id, name] inside a round and as loop.name in expressions; an
// update expression recomputes a variable after each round.
type loopNode struct {
	base
	maxRounds  int
	conditions []condition
	logical    string
	breakExpr  string
	vars       []loopVariable
	expr       *expressions.ExprEngine
}

func newLoop(b base, f *Factory) (Node, error) {
	n := &loopNode{
		base:      b,
		maxRounds: intParam(b.data, "loop_count", defaultLoopCount),
		logical:   stringParam(b.data, "logical_operator", "and"),
		breakExpr: stringParam(b.data, "break_condition", ""),
		expr:      f.deps.Expr,
	}
	if n.maxRounds < 1 {
		return nil, schema.ConfigurationError("loop_count must be at least 1").WithNode(b.id)
	}
	conds, err := parseConditions(b.id, listParam(b.data, "break_conditions"))
	if err != nil {
		return nil, err
	}
	n.conditions = conds

	for _, v := range listParam(b.data, "loop_variables") {
		name, err := requireString(b.id, v, "label")
		if err != nil {
			return nil, err
		}
		if name == "index" {
			return nil, schema.ConfigurationError("loop variable name %q is reserved", name).WithNode(b.id)
		}
		lv := loopVariable{name: name, update: stringParam(v, "update", "")}
		if stringParam(v, "value_type", "constant") == "variable" {
			sel, ok := variables.ParseSelector(v["value"])
			if !ok {
				return nil, schema.ConfigurationError("loop variable %q needs a selector", name).WithNode(b.id)
			}
			lv.sel = sel
		} else {
			lv.value = v["value"]
		}
		n.vars = append(n.vars, lv)
	}
	return n, nil
}

func (n *loopNode) Run(ctx context.Context, rc RunContext) *Result {
	vals := make(map[string]any, len(n.vars))
	for _, v := range n.vars {
		if v.sel != nil {
			val, err := resolve(rc.Variables(), v.sel)
			if err != nil {
				return Failed(schema.AsGraphError(err, schema.ErrCodeExecution).WithNode(n.id))
			}
			vals[v.name] = val
			continue
		}
		vals[v.name] = v.value
	}

	var usage schema.Usage
	rounds := 0
	for i := 0; i < n.maxRounds; i++ {
		seed := copyMap(vals)
		seed["index"] = i
		res, err := rc.Subgraph(ctx, SubgraphRequest{Index: i, Seed: seed})
		if err != nil {
			return Failed(schema.AsGraphError(err, schema.ErrCodeExecution)).WithUsage(&usage)
		}
		usage.Add(&res.Usage)
		if res.Err != nil {
			return Failed(res.Err).WithUsage(&usage)
		}
		rounds = i + 1

		act := expressions.Activation(res.Pool, map[string]any{expressions.KeyLoop: loopScope(i, vals)})
		next := copyMap(vals)
		for _, v := range n.vars {
			if v.update == "" {
				continue
			}
			out, err := n.expr.Evaluate(ctx, v.update, act)
			if err != nil {
				return Failed(schema.AsGraphError(err, schema.ErrCodeExecution).WithNode(n.id)).WithUsage(&usage)
			}
			norm, err := variables.Normalize(out)
			if err != nil {
				return Failed(schema.NewErrorf(schema.ErrCodeExecution, "loop variable %q: %v", v.name, err).WithNode(n.id)).WithUsage(&usage)
			}
			next[v.name] = norm
		}
		vals = next

		if res.Broken {
			break
		}
		stop, err := n.shouldBreak(ctx, i, vals, res.Pool)
		if err != nil {
			return Failed(schema.AsGraphError(err, schema.ErrCodeExecution).WithNode(n.id)).WithUsage(&usage)
		}
		if stop {
			break
		}
	}

	outputs := copyMap(vals)
	outputs["loop_round"] = rounds
	return Succeeded(outputs).WithUsage(&usage)
}

func (n *loopNode) shouldBreak(ctx context.Context, index int, vals map[string]any, pool *variables.Pool) (bool, error) {
	if n.breakExpr != "" {
		act := expressions.Activation(pool, map[string]any{expressions.KeyLoop: loopScope(index, vals)})
		stop, err := n.expr.EvaluateBool(ctx, n.breakExpr, act)
		if err != nil || stop {
			return stop, err
		}
	}
	if len(n.conditions) == 0 {
		return false, nil
	}
	lookup := func(sel variables.Selector) (any, bool) {
		if sel[0] != n.id {
			return pool.GetValue(sel)
		}
		v, ok := vals[sel[1]]
		if !ok || len(sel) == 2 {
			return v, ok
		}
		seg, err := variables.NewSegment(v)
		if err != nil {
			return nil, false
		}
		inner, ok := seg.Lookup(sel[2:])
		return inner.Value, ok
	}
	return evalConditions(n.conditions, n.logical, lookup, pool)
}

func loopScope(index int, vals map[string]any) map[string]any {
	scope := copyMap(vals)
	scope["index"] = index
	return scope
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
