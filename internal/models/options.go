package models

import (
	"github.com/cloudwego/eino/components/model"
	einoschema "github.com/cloudwego/eino/schema"

	"github.com/rendis/graphrun/pkg/schema"
)

// CallOptions converts an llm node's completion_params into eino options.
// Unknown keys are ignored.
func CallOptions(params map[string]any) []model.Option {
	var opts []model.Option
	if v, ok := number(params["temperature"]); ok {
		opts = append(opts, model.WithTemperature(float32(v)))
	}
	if v, ok := number(params["top_p"]); ok {
		opts = append(opts, model.WithTopP(float32(v)))
	}
	if v, ok := number(params["max_tokens"]); ok && v > 0 {
		opts = append(opts, model.WithMaxTokens(int(v)))
	}
	if raw, ok := params["stop"].([]any); ok {
		stop := make([]string, 0, len(raw))
		for _, s := range raw {
			if str, ok := s.(string); ok {
				stop = append(stop, str)
			}
		}
		if len(stop) > 0 {
			opts = append(opts, model.WithStop(stop))
		}
	}
	return opts
}

// UsageOf extracts token usage from a model response, or nil.
func UsageOf(msg *einoschema.Message) *schema.Usage {
	if msg == nil || msg.ResponseMeta == nil || msg.ResponseMeta.Usage == nil {
		return nil
	}
	u := msg.ResponseMeta.Usage
	return &schema.Usage{
		PromptTokens:     int64(u.PromptTokens),
		CompletionTokens: int64(u.CompletionTokens),
		TotalTokens:      int64(u.TotalTokens),
	}
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
