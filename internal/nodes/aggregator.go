package nodes

import (
	"context"

	"github.com/rendis/graphrun/internal/variables"
	"github.com/rendis/graphrun/pkg/schema"
)

type aggregateGroup struct {
	name string
	sels []variables.Selector
}

// aggregatorNode outputs the first selector that resolves to a value, so
// mutually exclusive branches can feed one downstream variable. With groups
// enabled each group yields {group: {output}}.
type aggregatorNode struct {
	base
	sels   []variables.Selector
	groups []aggregateGroup
}

func parseSelectorList(id string, raw any) ([]variables.Selector, error) {
	list, _ := raw.([]any)
	out := make([]variables.Selector, 0, len(list))
	for _, item := range list {
		sel, ok := variables.ParseSelector(item)
		if !ok {
			return nil, schema.ConfigurationError("invalid selector %v", item).WithNode(id)
		}
		out = append(out, sel)
	}
	return out, nil
}

func newAggregator(b base, _ *Factory) (Node, error) {
	n := &aggregatorNode{base: b}
	adv := mapParam(b.data, "advanced_settings")
	if adv != nil && boolParam(adv, "group_enabled", false) {
		for _, g := range listParam(adv, "groups") {
			name, err := requireString(b.id, g, "group_name")
			if err != nil {
				return nil, err
			}
			sels, err := parseSelectorList(b.id, g["variables"])
			if err != nil {
				return nil, err
			}
			n.groups = append(n.groups, aggregateGroup{name: name, sels: sels})
		}
		return n, nil
	}
	sels, err := parseSelectorList(b.id, b.data["variables"])
	if err != nil {
		return nil, err
	}
	if len(sels) == 0 {
		return nil, schema.ConfigurationError("variable-aggregator needs at least one variable").WithNode(b.id)
	}
	n.sels = sels
	return n, nil
}

func firstValue(pool *variables.Pool, sels []variables.Selector) any {
	for _, sel := range sels {
		if v, ok := pool.GetValue(sel); ok && v != nil {
			return v
		}
	}
	return nil
}

func (n *aggregatorNode) Run(_ context.Context, rc RunContext) *Result {
	pool := rc.Variables()
	if len(n.groups) == 0 {
		return Succeeded(map[string]any{"output": firstValue(pool, n.sels)})
	}
	out := make(map[string]any, len(n.groups))
	for _, g := range n.groups {
		out[g.name] = map[string]any{"output": firstValue(pool, g.sels)}
	}
	return Succeeded(out)
}
