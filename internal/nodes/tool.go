package nodes

import (
	"context"

	"github.com/rendis/graphrun/internal/tools"
	"github.com/rendis/graphrun/internal/variables"
	"github.com/rendis/graphrun/pkg/schema"
)

type toolParam struct {
	kind  string // constant | variable | mixed
	value any
}

// toolNode calls one tool on a configured MCP server.
type toolNode struct {
	base
	server string
	tool   string
	params map[string]toolParam
	tools  tools.Invoker
}

func newTool(b base, f *Factory) (Node, error) {
	if f.deps.Tools == nil {
		return nil, schema.ConfigurationError("tool node needs a tool invoker").WithNode(b.id)
	}
	server, err := requireString(b.id, b.data, "provider_id")
	if err != nil {
		return nil, err
	}
	tool, err := requireString(b.id, b.data, "tool_name")
	if err != nil {
		return nil, err
	}
	n := &toolNode{base: b, server: server, tool: tool, params: map[string]toolParam{}, tools: f.deps.Tools}
	for name, raw := range mapParam(b.data, "tool_parameters") {
		spec, ok := raw.(map[string]any)
		if !ok {
			n.params[name] = toolParam{kind: "constant", value: raw}
			continue
		}
		p := toolParam{kind: stringParam(spec, "type", "constant"), value: spec["value"]}
		switch p.kind {
		case "constant", "mixed":
		case "variable":
			if _, ok := variables.ParseSelector(p.value); !ok {
				return nil, schema.ConfigurationError("tool parameter %q needs a selector", name).WithNode(b.id)
			}
		default:
			return nil, schema.ConfigurationError("tool parameter %q has unknown type %q", name, p.kind).WithNode(b.id)
		}
		n.params[name] = p
	}
	return n, nil
}

func (n *toolNode) Run(ctx context.Context, rc RunContext) *Result {
	pool := rc.Variables()
	args := make(map[string]any, len(n.params))
	for name, p := range n.params {
		switch p.kind {
		case "variable":
			sel, _ := variables.ParseSelector(p.value)
			v, err := resolve(pool, sel)
			if err != nil {
				return Failed(schema.AsGraphError(err, schema.ErrCodeExecution).WithNode(n.id))
			}
			args[name] = v
		case "mixed":
			args[name] = variables.Render(textOf(p.value), pool)
		default:
			args[name] = p.value
		}
	}

	res, err := n.tools.CallTool(ctx, n.server, n.tool, args)
	if err != nil {
		return Failed(schema.AsGraphError(err, schema.ErrCodeRemoteInvocation).WithNode(n.id))
	}
	if res.IsError {
		return Failed(schema.NewErrorf(schema.ErrCodeRemoteInvocation, "tool %s/%s: %s", n.server, n.tool, res.Text).WithNode(n.id))
	}
	jsonOut := res.JSON
	if jsonOut == nil {
		jsonOut = []any{}
	}
	return Succeeded(map[string]any{"text": res.Text, "json": jsonOut}).WithInputs(args)
}
