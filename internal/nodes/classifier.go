package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	einoschema "github.com/cloudwego/eino/schema"

	"github.com/rendis/graphrun/internal/models"
	"github.com/rendis/graphrun/internal/variables"
	"github.com/rendis/graphrun/pkg/schema"
)

type class struct {
	id   string
	name string
}

// classifierNode asks the model to pick one class and branches on its id.
type classifierNode struct {
	base
	model       modelConfig
	query       variables.Selector
	classes     []class
	instruction string
	models      ChatModels
}

func newClassifier(b base, f *Factory) (Node, error) {
	if f.deps.Models == nil {
		return nil, schema.ConfigurationError("question-classifier node needs a model provider").WithNode(b.id)
	}
	mc, err := parseModel(b.id, b.data)
	if err != nil {
		return nil, err
	}
	query, err := requireSelector(b.id, b.data, "query_variable_selector")
	if err != nil {
		return nil, err
	}
	n := &classifierNode{
		base:        b,
		model:       mc,
		query:       query,
		instruction: stringParam(b.data, "instruction", ""),
		models:      f.deps.Models,
	}
	for _, c := range listParam(b.data, "classes") {
		id, err := requireString(b.id, c, "id")
		if err != nil {
			return nil, err
		}
		n.classes = append(n.classes, class{id: id, name: stringParam(c, "name", id)})
	}
	if len(n.classes) == 0 {
		return nil, schema.ConfigurationError("question-classifier needs at least one class").WithNode(b.id)
	}
	return n, nil
}

func (n *classifierNode) Run(ctx context.Context, rc RunContext) *Result {
	pool := rc.Variables()
	q, err := resolve(pool, n.query)
	if err != nil {
		return Failed(schema.AsGraphError(err, schema.ErrCodeExecution).WithNode(n.id))
	}
	query := textOf(q)

	chat, err := n.models.ChatModel(ctx, n.model.provider, n.model.name)
	if err != nil {
		return Failed(schema.AsGraphError(err, schema.ErrCodeRemoteInvocation).WithNode(n.id))
	}
	msgs := []*einoschema.Message{
		einoschema.SystemMessage(n.systemPrompt(pool)),
		einoschema.UserMessage(query),
	}
	reply, err := chat.Generate(ctx, msgs, models.CallOptions(n.model.params)...)
	if err != nil {
		return Failed(schema.RemoteInvocationError(err, "model %s/%s: %v", n.model.provider, n.model.name, err).WithNode(n.id))
	}

	chosen := n.pick(reply.Content)
	return Succeeded(map[string]any{"class_id": chosen.id, "class_name": chosen.name}).
		WithInputs(map[string]any{"query": query}).
		WithHandle(chosen.id).
		WithUsage(models.UsageOf(reply))
}

func (n *classifierNode) systemPrompt(pool *variables.Pool) string {
	var sb strings.Builder
	sb.WriteString("Classify the user's text into exactly one category. ")
	sb.WriteString(`Reply with JSON only: {"category_id": "<id>"}.` + "\nCategories:\n")
	for _, c := range n.classes {
		fmt.Fprintf(&sb, "- id: %s, name: %s\n", c.id, c.name)
	}
	if n.instruction != "" {
		sb.WriteString("Instructions: ")
		sb.WriteString(variables.Render(n.instruction, pool))
	}
	return sb.String()
}

// pick reads the category from a JSON reply, falling back to a textual match
// on id or name and finally to the first class.
func (n *classifierNode) pick(reply string) class {
	text := strings.TrimSpace(reply)
	text = strings.TrimPrefix(text, "```json")
	text = strings.Trim(text, "` \n")

	var parsed struct {
		CategoryID   string `json:"category_id"`
		CategoryName string `json:"category_name"`
	}
	if err := json.Unmarshal([]byte(text), &parsed); err == nil {
		for _, c := range n.classes {
			if c.id == parsed.CategoryID || (parsed.CategoryName != "" && c.name == parsed.CategoryName) {
				return c
			}
		}
	}
	lower := strings.ToLower(reply)
	for _, c := range n.classes {
		if strings.Contains(lower, strings.ToLower(c.id)) {
			return c
		}
	}
	for _, c := range n.classes {
		if strings.Contains(lower, strings.ToLower(c.name)) {
			return c
		}
	}
	return n.classes[0]
}
