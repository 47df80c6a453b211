// Package models resolves chat models by provider and model name for the llm
// and question-classifier nodes.
package models

import (
	"context"
	"sync"

	"github.com/cloudwego/eino/components/model"

	"github.com/rendis/graphrun/pkg/schema"
)

// ProviderConfig carries a provider's credentials and endpoint.
type ProviderConfig struct {
	APIKey  string
	BaseURL string
}

// ProviderFactory builds a chat model for one model name.
type ProviderFactory func(ctx context.Context, cfg ProviderConfig, modelName string) (model.BaseChatModel, error)

type provider struct {
	cfg     ProviderConfig
	factory ProviderFactory
}

// Registry maps provider names to factories and caches built models. It is
// safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]provider
	models    map[string]model.BaseChatModel
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]provider),
		models:    make(map[string]model.BaseChatModel),
	}
}

// Register adds a provider. Returns CONFLICT on a duplicate name.
func (r *Registry) Register(name string, cfg ProviderConfig, factory ProviderFactory) error {
	if name == "" || factory == nil {
		return schema.NewError(schema.ErrCodeValidation, "provider name and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "model provider %q already registered", name)
	}
	r.providers[name] = provider{cfg: cfg, factory: factory}
	return nil
}

// Put installs a ready-made model, bypassing the provider factory.
func (r *Registry) Put(providerName, modelName string, m model.BaseChatModel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[key(providerName, modelName)] = m
}

// ChatModel returns the model for (provider, name), building it on first use.
func (r *Registry) ChatModel(ctx context.Context, providerName, modelName string) (model.BaseChatModel, error) {
	k := key(providerName, modelName)

	r.mu.RLock()
	if m, ok := r.models[k]; ok {
		r.mu.RUnlock()
		return m, nil
	}
	p, ok := r.providers[providerName]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "model provider %q not registered", providerName)
	}

	m, err := p.factory(ctx, p.cfg, modelName)
	if err != nil {
		return nil, schema.RemoteInvocationError(err, "create %s model %q", providerName, modelName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.models[k]; ok {
		return existing, nil
	}
	r.models[k] = m
	return m, nil
}

func key(providerName, modelName string) string {
	return providerName + "/" + modelName
}
