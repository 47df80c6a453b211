package nodes

import (
	"context"
	"errors"
	"testing"

	einoschema "github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/graphrun/pkg/schema"
)

var testModel = map[string]any{"provider": "openai", "name": "gpt-test", "completion_params": map[string]any{"temperature": 0.2}}

func TestLLM_StreamsAndCollects(t *testing.T) {
	m := &scriptedModel{chunks: []string{"Hel", "lo ", "ada"}}
	f := newTestFactory(t, Deps{Models: staticModels{m}})
	n := mustCreate(t, f, "llm", schema.NodeTypeLLM, map[string]any{
		"model": testModel,
		"prompt_template": []any{
			map[string]any{"role": "system", "text": "Be brief."},
			map[string]any{"role": "user", "text": "Greet {{#start.name#}}"},
		},
	})
	rc := newRunContext(poolWith(t, map[string]any{"start.name": "ada"}))

	res := n.Run(context.Background(), rc)
	require.Equal(t, StatusSucceeded, res.Status, res.Err)
	assert.Equal(t, "Hello ada", res.Outputs["text"])
	assert.Equal(t, "stop", res.Outputs["finish_reason"])
	assert.Equal(t, []string{"Hel", "lo ", "ada"}, rc.chunks)
	require.NotNil(t, res.Usage)
	assert.Equal(t, int64(13), res.Usage.TotalTokens)

	require.Len(t, m.received, 1)
	msgs := m.received[0]
	require.Len(t, msgs, 2)
	assert.Equal(t, einoschema.System, msgs[0].Role)
	assert.Equal(t, "Greet ada", msgs[1].Content)
}

func TestLLM_StringPromptAndErrors(t *testing.T) {
	m := &scriptedModel{err: errors.New("rate limited")}
	f := newTestFactory(t, Deps{Models: staticModels{m}})
	n := mustCreate(t, f, "llm", schema.NodeTypeLLM, map[string]any{"model": testModel, "prompt_template": "hi"})

	res := n.Run(context.Background(), newRunContext(nil))
	require.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeRemoteInvocation, res.Err.Code)
	assert.True(t, res.Err.IsRetryable())

	_, err := create(f, "bad", schema.NodeTypeLLM, map[string]any{"model": testModel, "prompt_template": []any{map[string]any{"role": "tool", "text": "x"}}})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))
	_, err = create(f, "bad2", schema.NodeTypeLLM, map[string]any{"prompt_template": "x"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))
}

func TestQuestionClassifier(t *testing.T) {
	classes := []any{
		map[string]any{"id": "billing", "name": "Billing question"},
		map[string]any{"id": "tech", "name": "Technical issue"},
	}
	tests := []struct {
		reply string
		want  string
	}{
		{`{"category_id": "tech"}`, "tech"},
		{"```json\n{\"category_id\": \"billing\"}\n```", "billing"},
		{"I think this is a Technical issue.", "tech"},
		{"no idea", "billing"},
	}
	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			f := newTestFactory(t, Deps{Models: staticModels{&scriptedModel{reply: tt.reply}}})
			n := mustCreate(t, f, "qc", schema.NodeTypeQuestionClassifier, map[string]any{
				"model":                   testModel,
				"query_variable_selector": []any{"start", "q"},
				"classes":                 classes,
			})
			res := n.Run(context.Background(), newRunContext(poolWith(t, map[string]any{"start.q": "my invoice"})))
			require.Equal(t, StatusSucceeded, res.Status, res.Err)
			assert.Equal(t, tt.want, res.EdgeSourceHandle)
			assert.Equal(t, tt.want, res.Outputs["class_id"])
			require.NotNil(t, res.Usage)
			assert.Equal(t, int64(6), res.Usage.TotalTokens)
		})
	}
}
