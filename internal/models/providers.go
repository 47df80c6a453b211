package models

import (
	"context"

	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
)

// Provider names accepted in llm node configuration.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// OpenAI builds models served by an OpenAI-compatible endpoint.
func OpenAI() ProviderFactory {
	return func(ctx context.Context, cfg ProviderConfig, modelName string) (model.BaseChatModel, error) {
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   modelName,
		})
	}
}

// Ollama builds models served by a local Ollama daemon.
func Ollama() ProviderFactory {
	return func(ctx context.Context, cfg ProviderConfig, modelName string) (model.BaseChatModel, error) {
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
			BaseURL: baseURL,
			Model:   modelName,
		})
	}
}
