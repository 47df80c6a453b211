package nodes

import (
	"context"
	"errors"
	"io"
	"strings"

	einoschema "github.com/cloudwego/eino/schema"

	"github.com/rendis/graphrun/internal/models"
	"github.com/rendis/graphrun/internal/variables"
	"github.com/rendis/graphrun/pkg/schema"
)

type modelConfig struct {
	provider string
	name     string
	params   map[string]any
}

func parseModel(id string, data map[string]any) (modelConfig, error) {
	m := mapParam(data, "model")
	if m == nil {
		return modelConfig{}, schema.ConfigurationError("missing required field %q", "model").WithNode(id)
	}
	provider, err := requireString(id, m, "provider")
	if err != nil {
		return modelConfig{}, err
	}
	name, err := requireString(id, m, "name")
	if err != nil {
		return modelConfig{}, err
	}
	return modelConfig{provider: provider, name: name, params: mapParam(m, "completion_params")}, nil
}

type promptMessage struct {
	role string
	text string
}

// llmNode streams a chat completion, emitting each delta on [id, "text"].
type llmNode struct {
	base
	model  modelConfig
	prompt []promptMessage
	models ChatModels
}

func newLLM(b base, f *Factory) (Node, error) {
	if f.deps.Models == nil {
		return nil, schema.ConfigurationError("llm node needs a model provider").WithNode(b.id)
	}
	mc, err := parseModel(b.id, b.data)
	if err != nil {
		return nil, err
	}
	n := &llmNode{base: b, model: mc, models: f.deps.Models}

	switch tpl := b.data["prompt_template"].(type) {
	case string:
		n.prompt = []promptMessage{{role: "user", text: tpl}}
	case []any:
		for _, m := range listParam(b.data, "prompt_template") {
			role := stringParam(m, "role", "user")
			if role != "system" && role != "user" && role != "assistant" {
				return nil, schema.ConfigurationError("unknown prompt role %q", role).WithNode(b.id)
			}
			n.prompt = append(n.prompt, promptMessage{role: role, text: stringParam(m, "text", "")})
		}
	}
	if len(n.prompt) == 0 {
		return nil, schema.ConfigurationError("missing required field %q", "prompt_template").WithNode(b.id)
	}
	return n, nil
}

func (n *llmNode) Run(ctx context.Context, rc RunContext) *Result {
	pool := rc.Variables()
	msgs := renderPrompt(n.prompt, pool)

	chat, err := n.models.ChatModel(ctx, n.model.provider, n.model.name)
	if err != nil {
		return Failed(schema.AsGraphError(err, schema.ErrCodeRemoteInvocation).WithNode(n.id))
	}
	stream, err := chat.Stream(ctx, msgs, models.CallOptions(n.model.params)...)
	if err != nil {
		return Failed(schema.RemoteInvocationError(err, "model %s/%s: %v", n.model.provider, n.model.name, err).WithNode(n.id))
	}
	defer stream.Close()

	textSel := variables.Selector{n.id, "text"}
	var (
		sb           strings.Builder
		usage        *schema.Usage
		finishReason string
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Failed(schema.RemoteInvocationError(err, "model stream: %v", err).WithNode(n.id))
		}
		if chunk == nil {
			continue
		}
		if chunk.Content != "" {
			sb.WriteString(chunk.Content)
			rc.StreamChunk(textSel, chunk.Content)
		}
		if u := models.UsageOf(chunk); u != nil {
			usage = u
		}
		if chunk.ResponseMeta != nil && chunk.ResponseMeta.FinishReason != "" {
			finishReason = chunk.ResponseMeta.FinishReason
		}
	}

	outputs := map[string]any{"text": sb.String(), "finish_reason": finishReason}
	if usage != nil {
		outputs["usage"] = map[string]any{
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"total_tokens":      usage.TotalTokens,
		}
	}
	return Succeeded(outputs).WithInputs(promptInputs(msgs)).WithUsage(usage)
}

func renderPrompt(prompt []promptMessage, pool *variables.Pool) []*einoschema.Message {
	msgs := make([]*einoschema.Message, 0, len(prompt))
	for _, p := range prompt {
		text := variables.Render(p.text, pool)
		switch p.role {
		case "system":
			msgs = append(msgs, einoschema.SystemMessage(text))
		case "assistant":
			msgs = append(msgs, einoschema.AssistantMessage(text, nil))
		default:
			msgs = append(msgs, einoschema.UserMessage(text))
		}
	}
	return msgs
}

func promptInputs(msgs []*einoschema.Message) map[string]any {
	list := make([]any, 0, len(msgs))
	for _, m := range msgs {
		list = append(list, map[string]any{"role": string(m.Role), "text": m.Content})
	}
	return map[string]any{"prompts": list}
}
