package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rendis/graphrun/internal/engine"
	"github.com/rendis/graphrun/internal/expressions"
	"github.com/rendis/graphrun/internal/kvstore"
	"github.com/rendis/graphrun/internal/logging"
	"github.com/rendis/graphrun/internal/models"
	"github.com/rendis/graphrun/internal/nodes"
	"github.com/rendis/graphrun/internal/queue"
	"github.com/rendis/graphrun/internal/runner"
	"github.com/rendis/graphrun/internal/sandbox"
	"github.com/rendis/graphrun/internal/store"
	"github.com/rendis/graphrun/internal/tools"
	"github.com/rendis/graphrun/internal/validation"
)

// app owns the long-lived collaborators of one CLI invocation.
type app struct {
	cfg    Config
	logger *slog.Logger
	repo   *store.LibSQLRepository
	redis  *kvstore.Redis
	tools  *tools.MCPInvoker
	boxes  *sandbox.Manager
	svc    *runner.Service
}

func newLogger(cfg Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logging.NewCorrelationHandler(inner))
}

func openApp(ctx context.Context, cfg Config) (*app, error) {
	a := &app{cfg: cfg, logger: newLogger(cfg)}
	slog.SetDefault(a.logger)

	if err := os.MkdirAll(graphrunDir(), 0o700); err != nil {
		return nil, fmt.Errorf("create %s: %w", graphrunDir(), err)
	}
	dsn := cfg.DBPath
	if !strings.Contains(dsn, ":") {
		dsn = "file:" + dsn
	}
	repo, err := store.NewLibSQLRepository(dsn)
	if err != nil {
		return nil, err
	}
	if err := repo.Migrate(ctx); err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.repo = repo

	var kv kvstore.Store = kvstore.NewMemory()
	if cfg.RedisURL != "" {
		r, err := kvstore.NewRedis(ctx, cfg.RedisURL, "") // queue keys carry their own graphrun: prefix
		if err != nil {
			a.close(ctx)
			return nil, err
		}
		a.redis = r
		kv = r
	}

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("init validator: %w", err)
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("init cel: %w", err)
	}

	registry := models.NewRegistry()
	if err := registry.Register(models.ProviderOpenAI, models.ProviderConfig{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
	}, models.OpenAI()); err != nil {
		a.close(ctx)
		return nil, err
	}
	if err := registry.Register(models.ProviderOllama, models.ProviderConfig{
		BaseURL: cfg.OllamaBaseURL,
	}, models.Ollama()); err != nil {
		a.close(ctx)
		return nil, err
	}

	a.tools = tools.NewMCPInvoker(cfg.ToolServers, tools.NewBreakers(tools.DefaultBreakerConfig()), a.logger)
	a.boxes = sandbox.NewManager(&sandbox.LocalProvider{
		Root:    cfg.SandboxRoot,
		Timeout: time.Duration(cfg.SandboxTimeout),
	}, a.logger)

	svc, err := runner.New(runner.Deps{
		Repo: repo,
		KV:   kv,
		Nodes: nodes.Deps{
			Models:         registry,
			Tools:          a.tools,
			Forms:          validator,
			HTTPClient:     &http.Client{Timeout: time.Minute},
			CEL:            cel,
			Expr:           expressions.NewExprEngine(),
			JQ:             expressions.NewGoJQEngine(),
			PauseTTL:       time.Duration(cfg.PauseTTL),
			WebhookBaseURL: cfg.WebhookBaseURL,
		},
		Sandboxes: a.boxes,
		Graphs:    validator,
	}, runner.Config{
		Engine: engine.Config{
			MaxParallel: cfg.MaxParallel,
			MaxSteps:    cfg.MaxSteps,
			Logger:      a.logger,
		},
		Queue: queue.Config{
			MaxExecutionTime: time.Duration(cfg.MaxExecutionTime),
			PollInterval:     time.Duration(cfg.PollInterval),
			PingInterval:     time.Duration(cfg.PingInterval),
		},
		Logger: a.logger,
	})
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.svc = svc
	return a, nil
}

// close waits for in-flight runs, then releases every collaborator.
func (a *app) close(ctx context.Context) {
	if a.svc != nil {
		if err := a.svc.Close(ctx); err != nil {
			a.logger.Warn("close runner", "error", err)
		}
	} else if a.repo != nil {
		_ = a.repo.Close()
	}
	if a.boxes != nil {
		a.boxes.ReleaseAll()
	}
	if a.tools != nil {
		_ = a.tools.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}
