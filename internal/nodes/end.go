package nodes

import (
	"context"

	"github.com/rendis/graphrun/internal/variables"
)

// Terminal is implemented by end and answer nodes. StreamSelectors lists the
// upstream selectors whose chunks the node may forward, in output order.
type Terminal interface {
	StreamSelectors() []variables.Selector
}

type endOutput struct {
	name string
	sel  variables.Selector
}

// endNode collects selected values into the run's outputs.
type endNode struct {
	base
	outputs []endOutput
}

func newEnd(b base, _ *Factory) (Node, error) {
	n := &endNode{base: b}
	for _, o := range listParam(b.data, "outputs") {
		name, err := requireString(b.id, o, "variable")
		if err != nil {
			return nil, err
		}
		sel, err := requireSelector(b.id, o, "value_selector")
		if err != nil {
			return nil, err
		}
		n.outputs = append(n.outputs, endOutput{name: name, sel: sel})
	}
	return n, nil
}

func (n *endNode) Run(_ context.Context, rc RunContext) *Result {
	out := make(map[string]any, len(n.outputs))
	for _, o := range n.outputs {
		v, _ := rc.Variables().GetValue(o.sel)
		out[o.name] = v
	}
	return Succeeded(out)
}

func (n *endNode) StreamSelectors() []variables.Selector {
	out := make([]variables.Selector, 0, len(n.outputs))
	for _, o := range n.outputs {
		out = append(out, o.sel)
	}
	return out
}

// answerNode renders its template into the "answer" output.
type answerNode struct {
	base
	template string
}

func newAnswer(b base, _ *Factory) (Node, error) {
	tpl, err := requireString(b.id, b.data, "answer")
	if err != nil {
		return nil, err
	}
	return &answerNode{base: b, template: tpl}, nil
}

func (n *answerNode) Run(_ context.Context, rc RunContext) *Result {
	return Succeeded(map[string]any{"answer": variables.Render(n.template, rc.Variables())})
}

func (n *answerNode) StreamSelectors() []variables.Selector {
	return variables.TemplateSelectors(n.template)
}
