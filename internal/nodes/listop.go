package nodes

import (
	"context"
	"sort"
	"strings"

	"github.com/rendis/graphrun/internal/expressions"
	"github.com/rendis/graphrun/internal/variables"
	"github.com/rendis/graphrun/pkg/schema"
)

type itemCondition struct {
	key   string
	op    string
	value any
}

// listOperatorNode filters, sorts and slices an array variable. Filtering
// uses a jq program, per-item conditions, or both.
type listOperatorNode struct {
	base
	source     variables.Selector
	jq         string
	conditions []itemCondition
	orderKey   string
	orderDesc  bool
	ordered    bool
	limit      int
	extract    int
	jqEngine   *expressions.GoJQEngine
}

func newListOperator(b base, f *Factory) (Node, error) {
	src, err := requireSelector(b.id, b.data, "variable")
	if err != nil {
		return nil, err
	}
	n := &listOperatorNode{base: b, source: src, jqEngine: f.deps.JQ}

	if fb := mapParam(b.data, "filter_by"); fb != nil && boolParam(fb, "enabled", false) {
		n.jq = stringParam(fb, "jq", "")
		for _, c := range listParam(fb, "conditions") {
			op := stringParam(c, "comparison_operator", "")
			if !comparisonOperators[op] {
				return nil, schema.ConfigurationError("unknown comparison operator %q", op).WithNode(b.id)
			}
			n.conditions = append(n.conditions, itemCondition{key: stringParam(c, "key", ""), op: op, value: c["value"]})
		}
	}
	if ob := mapParam(b.data, "order_by"); ob != nil && boolParam(ob, "enabled", false) {
		n.ordered = true
		n.orderKey = stringParam(ob, "key", "")
		n.orderDesc = stringParam(ob, "value", "asc") == "desc"
	}
	if lim := mapParam(b.data, "limit"); lim != nil && boolParam(lim, "enabled", false) {
		n.limit = intParam(lim, "size", 0)
		if n.limit < 0 {
			return nil, schema.ConfigurationError("limit size must be non-negative").WithNode(b.id)
		}
	}
	if ex := mapParam(b.data, "extract_by"); ex != nil && boolParam(ex, "enabled", false) {
		n.extract = intParam(ex, "serial", 0)
		if n.extract < 1 {
			return nil, schema.ConfigurationError("extract_by serial starts at 1").WithNode(b.id)
		}
	}
	return n, nil
}

func (n *listOperatorNode) Run(ctx context.Context, rc RunContext) *Result {
	raw, err := resolve(rc.Variables(), n.source)
	if err != nil {
		return Failed(schema.AsGraphError(err, schema.ErrCodeExecution).WithNode(n.id))
	}
	items, ok := raw.([]any)
	if !ok {
		return Failed(schema.NewErrorf(schema.ErrCodeExecution, "variable %s is not an array", n.source.String()).WithNode(n.id))
	}
	items = append([]any(nil), items...)

	if n.jq != "" {
		results, err := n.jqEngine.Run(ctx, n.jq, items)
		if err != nil {
			return Failed(schema.AsGraphError(err, schema.ErrCodeExecution).WithNode(n.id))
		}
		// A program like "map(select(...))" yields one array; a stream
		// program like ".[] | select(...)" yields the items themselves.
		if len(results) == 1 {
			if arr, ok := results[0].([]any); ok {
				results = arr
			}
		}
		items = results
	}

	if len(n.conditions) > 0 {
		kept := items[:0:0]
		for _, item := range items {
			match, err := n.matches(item)
			if err != nil {
				return Failed(schema.AsGraphError(err, schema.ErrCodeExecution).WithNode(n.id))
			}
			if match {
				kept = append(kept, item)
			}
		}
		items = kept
	}

	if n.ordered {
		sort.SliceStable(items, func(i, j int) bool {
			a, b := field(items[i], n.orderKey), field(items[j], n.orderKey)
			if n.orderDesc {
				return lessValue(b, a)
			}
			return lessValue(a, b)
		})
	}
	if n.extract > 0 {
		if n.extract > len(items) {
			return Failed(schema.NewErrorf(schema.ErrCodeExecution, "extract serial %d out of range (%d items)", n.extract, len(items)).WithNode(n.id))
		}
		items = []any{items[n.extract-1]}
	}
	if n.limit > 0 && len(items) > n.limit {
		items = items[:n.limit]
	}

	var first, last any
	if len(items) > 0 {
		first, last = items[0], items[len(items)-1]
	}
	return Succeeded(map[string]any{"result": items, "first_record": first, "last_record": last})
}

func (n *listOperatorNode) matches(item any) (bool, error) {
	for _, c := range n.conditions {
		ok, err := compare(field(item, c.key), c.op, c.value)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// field reads a dotted key from an object item; an empty key is the item.
func field(item any, key string) any {
	if key == "" {
		return item
	}
	cur := item
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func lessValue(a, b any) bool {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		return af < bf
	}
	if a == nil {
		return b != nil
	}
	if b == nil {
		return false
	}
	return textOf(a) < textOf(b)
}
