package nodes

import (
	"strconv"
	"strings"

	"github.com/rendis/graphrun/internal/variables"
	"github.com/rendis/graphrun/pkg/schema"
)

var comparisonOperators = map[string]bool{
	"contains": true, "not contains": true, "start with": true, "end with": true,
	"is": true, "is not": true, "empty": true, "not empty": true,
	"in": true, "not in": true, "all of": true,
	"=": true, "≠": true, "!=": true, ">": true, "<": true,
	"≥": true, ">=": true, "≤": true, "<=": true,
	"null": true, "not null": true, "exists": true, "not exists": true,
}

type condition struct {
	sel   variables.Selector
	op    string
	value any
}

// lookupFunc resolves a selector; the loop node overrides its own namespace.
type lookupFunc func(variables.Selector) (any, bool)

func parseConditions(id string, raw []map[string]any) ([]condition, error) {
	out := make([]condition, 0, len(raw))
	for _, c := range raw {
		sel, err := requireSelector(id, c, "variable_selector")
		if err != nil {
			return nil, err
		}
		op := stringParam(c, "comparison_operator", "")
		if !comparisonOperators[op] {
			return nil, schema.ConfigurationError("unknown comparison operator %q", op).WithNode(id)
		}
		out = append(out, condition{sel: sel, op: op, value: c["value"]})
	}
	return out, nil
}

// evalConditions combines conditions with "and" (default) or "or".
func evalConditions(conds []condition, logical string, lookup lookupFunc, pool *variables.Pool) (bool, error) {
	if len(conds) == 0 {
		return false, nil
	}
	or := logical == "or"
	for _, c := range conds {
		actual, _ := lookup(c.sel)
		expected := c.value
		if s, ok := expected.(string); ok {
			expected = variables.Render(s, pool)
		}
		ok, err := compare(actual, c.op, expected)
		if err != nil {
			return false, err
		}
		if or && ok {
			return true, nil
		}
		if !or && !ok {
			return false, nil
		}
	}
	return !or, nil
}

func compare(actual any, op string, expected any) (bool, error) {
	switch op {
	case "contains":
		return contains(actual, expected), nil
	case "not contains":
		return !contains(actual, expected), nil
	case "start with":
		return strings.HasPrefix(textOf(actual), textOf(expected)), nil
	case "end with":
		return strings.HasSuffix(textOf(actual), textOf(expected)), nil
	case "is":
		return actual != nil && textOf(actual) == textOf(expected), nil
	case "is not":
		return actual == nil || textOf(actual) != textOf(expected), nil
	case "empty":
		return isEmpty(actual), nil
	case "not empty":
		return !isEmpty(actual), nil
	case "in":
		return contains(expectedList(expected), actual), nil
	case "not in":
		return !contains(expectedList(expected), actual), nil
	case "all of":
		for _, want := range expectedList(expected) {
			if !contains(actual, want) {
				return false, nil
			}
		}
		return true, nil
	case "null", "not exists":
		return actual == nil, nil
	case "not null", "exists":
		return actual != nil, nil
	}

	if actual == nil {
		return false, nil
	}
	a, aok := toNumber(actual)
	b, bok := toNumber(expected)
	if !aok || !bok {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"operator %q needs numbers, got %v and %v", op, actual, expected)
	}
	switch op {
	case "=":
		return a == b, nil
	case "≠", "!=":
		return a != b, nil
	case ">":
		return a > b, nil
	case "<":
		return a < b, nil
	case "≥", ">=":
		return a >= b, nil
	case "≤", "<=":
		return a <= b, nil
	}
	return false, schema.NewErrorf(schema.ErrCodeExecution, "unknown operator %q", op)
}

func contains(container, item any) bool {
	switch c := container.(type) {
	case nil:
		return false
	case string:
		return strings.Contains(c, textOf(item))
	case []any:
		want := textOf(item)
		for _, el := range c {
			if textOf(el) == want {
				return true
			}
		}
		return false
	case []string:
		want := textOf(item)
		for _, el := range c {
			if el == want {
				return true
			}
		}
		return false
	case map[string]any:
		_, ok := c[textOf(item)]
		return ok
	}
	return strings.Contains(textOf(container), textOf(item))
}

func expectedList(v any) []any {
	switch x := v.(type) {
	case []any:
		return x
	case string:
		parts := strings.Split(x, ",")
		out := make([]any, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.TrimSpace(p))
		}
		return out
	case nil:
		return nil
	}
	return []any{v}
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}

func toNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}
