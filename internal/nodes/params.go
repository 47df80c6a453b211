package nodes

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/graphrun/internal/variables"
	"github.com/rendis/graphrun/pkg/schema"
)

// Param helpers shared by every node constructor.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

func mapParam(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

// listParam returns the object entries of a list value, skipping anything
// that is not an object.
func listParam(m map[string]any, key string) []map[string]any {
	raw, _ := m[key].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if obj, ok := item.(map[string]any); ok {
			out = append(out, obj)
		}
	}
	return out
}

func requireString(id string, m map[string]any, key string) (string, error) {
	s := stringParam(m, key, "")
	if s == "" {
		return "", schema.ConfigurationError("missing required field %q", key).WithNode(id)
	}
	return s, nil
}

func requireSelector(id string, m map[string]any, key string) (variables.Selector, error) {
	sel, ok := variables.ParseSelector(m[key])
	if !ok {
		return nil, schema.ConfigurationError("field %q must be a selector [node, variable, ...]", key).WithNode(id)
	}
	return sel, nil
}

// resolve reads sel from the pool; a missing selector is an execution error.
func resolve(pool *variables.Pool, sel variables.Selector) (any, error) {
	v, ok := pool.GetValue(sel)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "variable %s not found", sel.String())
	}
	return v, nil
}

// parsePolicy reads retry_config, error_strategy and default_value.
// default_value accepts either an object or a list of {key, value} entries.
func parsePolicy(id string, data map[string]any) (Policy, error) {
	var p Policy
	if rc := mapParam(data, "retry_config"); rc != nil {
		p.Retry = schema.RetryPolicy{
			Enabled:       boolParam(rc, "retry_enabled", false),
			MaxRetries:    intParam(rc, "max_retries", 0),
			RetryInterval: intParam(rc, "retry_interval", 0),
			Backoff:       stringParam(rc, "backoff", ""),
			MaxInterval:   intParam(rc, "max_interval", 0),
		}
		if p.Retry.MaxRetries < 0 || p.Retry.RetryInterval < 0 {
			return p, schema.ConfigurationError("retry_config values must be non-negative").WithNode(id)
		}
	}

	switch s := schema.ErrorStrategy(stringParam(data, "error_strategy", "")); s {
	case schema.ErrorStrategyAbort, schema.ErrorStrategyFailBranch:
		p.ErrorStrategy = s
	case schema.ErrorStrategyDefaultValue:
		p.ErrorStrategy = s
		p.DefaultValue = defaultValues(data["default_value"])
	default:
		return p, schema.ConfigurationError("unknown error_strategy %q", s).WithNode(id)
	}
	return p, nil
}

func defaultValues(raw any) map[string]any {
	out := map[string]any{}
	switch v := raw.(type) {
	case map[string]any:
		for k, val := range v {
			out[k] = val
		}
	case []any:
		for _, item := range v {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if k := stringParam(entry, "key", ""); k != "" {
				out[k] = entry["value"]
			}
		}
	}
	return out
}

// textOf renders a value for prompts and templates.
func textOf(v any) string {
	seg, err := variables.NewSegment(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return seg.Text()
}
