package nodes

import (
	"context"
	"sync"

	"github.com/nikolalohinski/gonja"

	"github.com/rendis/graphrun/pkg/schema"
)

// templateNode renders a Jinja2 template over its bound variables.
type templateNode struct {
	base
	vars []boundVariable

	mu     sync.Mutex
	render func(map[string]any) (string, error)
}

func newTemplateTransform(b base, _ *Factory) (Node, error) {
	src, err := requireString(b.id, b.data, "template")
	if err != nil {
		return nil, err
	}
	vars, err := parseBoundVariables(b.id, b.data)
	if err != nil {
		return nil, err
	}
	tpl, err := gonja.FromString(src)
	if err != nil {
		return nil, schema.ConfigurationError("invalid template: %v", err).WithCause(err).WithNode(b.id)
	}
	return &templateNode{
		base:   b,
		vars:   vars,
		render: func(ctx map[string]any) (string, error) { return tpl.Execute(ctx) },
	}, nil
}

func (n *templateNode) Run(_ context.Context, rc RunContext) *Result {
	inputs := bindInputs(rc.Variables(), n.vars)

	n.mu.Lock()
	out, err := n.render(inputs)
	n.mu.Unlock()
	if err != nil {
		return Failed(schema.NewErrorf(schema.ErrCodeExecution, "render template: %v", err).WithCause(err).WithNode(n.id))
	}
	return Succeeded(map[string]any{"output": out}).WithInputs(inputs)
}
