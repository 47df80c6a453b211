package nodes

import (
	"context"
	"strconv"

	"github.com/rendis/graphrun/pkg/schema"
)

type startVariable struct {
	name     string
	typ      string
	required bool
	def      any
	hasDef   bool
	options  []string
}

// startNode publishes the run inputs it declares. With no declarations every
// input passes through.
type startNode struct {
	base
	vars []startVariable
	f    *Factory
}

func newStart(b base, f *Factory) (Node, error) {
	n := &startNode{base: b, f: f}
	for _, v := range listParam(b.data, "variables") {
		name, err := requireString(b.id, v, "variable")
		if err != nil {
			return nil, err
		}
		sv := startVariable{
			name:     name,
			typ:      stringParam(v, "type", "text-input"),
			required: boolParam(v, "required", false),
		}
		sv.def, sv.hasDef = v["default"]
		if opts, ok := v["options"].([]any); ok {
			for _, o := range opts {
				if s, ok := o.(string); ok {
					sv.options = append(sv.options, s)
				}
			}
		}
		n.vars = append(n.vars, sv)
	}
	return n, nil
}

func (n *startNode) Run(_ context.Context, _ RunContext) *Result {
	inputs := map[string]any{}
	if n.f.state != nil && n.f.state.Inputs != nil {
		inputs = n.f.state.Inputs
	}
	if len(n.vars) == 0 {
		out := make(map[string]any, len(inputs))
		for k, v := range inputs {
			out[k] = v
		}
		return Succeeded(out).WithInputs(inputs)
	}

	out := make(map[string]any, len(n.vars))
	for _, v := range n.vars {
		val, ok := inputs[v.name]
		if !ok || val == nil || val == "" {
			switch {
			case v.hasDef:
				val = v.def
			case v.required:
				return Failed(schema.NewErrorf(schema.ErrCodeValidation, "input %q is required", v.name).WithNode(n.id))
			default:
				continue
			}
		}
		coerced, err := coerceInput(v, val)
		if err != nil {
			return Failed(schema.NewErrorf(schema.ErrCodeValidation, "input %q: %v", v.name, err).WithNode(n.id))
		}
		out[v.name] = coerced
	}
	return Succeeded(out).WithInputs(inputs)
}

func coerceInput(v startVariable, val any) (any, error) {
	switch v.typ {
	case "number":
		switch x := val.(type) {
		case float64, int, int64:
			return x, nil
		case string:
			f, err := strconv.ParseFloat(x, 64)
			if err != nil {
				return nil, err
			}
			return f, nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "expected a number, got %T", val)
	case "select":
		s, ok := val.(string)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "expected one of %v", v.options)
		}
		for _, o := range v.options {
			if o == s {
				return s, nil
			}
		}
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%q is not one of %v", s, v.options)
	case "text-input", "paragraph":
		s, ok := val.(string)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "expected a string, got %T", val)
		}
		return s, nil
	}
	return val, nil
}

// passthroughNode marks a sub-graph entry or a loop exit. It produces no
// outputs; the engine reacts to loop-end by ending the current round.
type passthroughNode struct{ base }

func newPassthrough(b base, _ *Factory) (Node, error) {
	return &passthroughNode{base: b}, nil
}

func (n *passthroughNode) Run(context.Context, RunContext) *Result {
	return Succeeded(nil)
}
