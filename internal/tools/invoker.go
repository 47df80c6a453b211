package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/graphrun/internal/logging"
	"github.com/rendis/graphrun/pkg/schema"
)

// ServerConfig describes how to reach an MCP tool server. Exactly one of
// Command (stdio) or URL (streamable HTTP) is set.
type ServerConfig struct {
	Name    string   `json:"name"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
	URL     string   `json:"url,omitempty"`
}

// CallResult is the plain-data view of a tool call.
type CallResult struct {
	Text    string `json:"text"`
	JSON    []any  `json:"json,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// Invoker calls tools on named servers.
type Invoker interface {
	CallTool(ctx context.Context, server, tool string, args map[string]any) (*CallResult, error)
}

// MCPInvoker calls tools on MCP servers, connecting lazily and guarding each
// server with a circuit breaker.
type MCPInvoker struct {
	mu       sync.Mutex
	configs  map[string]ServerConfig
	clients  map[string]*client.Client
	breakers *Breakers
	logger   *slog.Logger
}

// NewMCPInvoker creates an invoker for the given servers.
func NewMCPInvoker(servers []ServerConfig, breakers *Breakers, logger *slog.Logger) *MCPInvoker {
	if breakers == nil {
		breakers = NewBreakers(DefaultBreakerConfig())
	}
	if logger == nil {
		logger = slog.Default()
	}
	inv := &MCPInvoker{
		configs:  make(map[string]ServerConfig, len(servers)),
		clients:  make(map[string]*client.Client),
		breakers: breakers,
		logger:   logger,
	}
	for _, s := range servers {
		inv.configs[s.Name] = s
	}
	return inv
}

// Attach registers an already constructed client under name and performs the
// MCP handshake.
func (m *MCPInvoker) Attach(ctx context.Context, name string, c *client.Client) error {
	if err := c.Start(ctx); err != nil {
		return schema.RemoteInvocationError(err, "start tool server %q", name)
	}
	if err := initialize(ctx, c); err != nil {
		return schema.RemoteInvocationError(err, "initialize tool server %q", name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[name] = c
	return nil
}

// CallTool invokes tool on server. Transport failures and tool-reported errors
// count against the server's breaker.
func (m *MCPInvoker) CallTool(ctx context.Context, server, tool string, args map[string]any) (*CallResult, error) {
	if err := m.breakers.Allow(server); err != nil {
		return nil, err
	}

	c, err := m.client(ctx, server)
	if err != nil {
		m.breakers.Failure(server)
		return nil, err
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	res, err := c.CallTool(ctx, req)
	if err != nil {
		state := m.breakers.Failure(server)
		logging.LogWith(ctx, m.logger).Warn("tool call failed",
			slog.String("server", server),
			slog.String("tool", tool),
			slog.String("circuit", state.String()),
			slog.Any("error", err))
		return nil, schema.RemoteInvocationError(err, "call %s/%s: %s", server, tool, err.Error())
	}

	out := convertResult(res)
	if out.IsError {
		m.breakers.Failure(server)
		return out, schema.NewErrorf(schema.ErrCodeRemoteInvocation, "tool %s/%s returned an error: %s", server, tool, out.Text)
	}
	m.breakers.Success(server)
	return out, nil
}

// Close shuts down every connected client.
func (m *MCPInvoker) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for name, c := range m.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close tool server %q: %w", name, err)
		}
		delete(m.clients, name)
	}
	return firstErr
}

func (m *MCPInvoker) client(ctx context.Context, server string) (*client.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.clients[server]; ok {
		return c, nil
	}
	cfg, ok := m.configs[server]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "tool server %q is not configured", server)
	}

	var (
		c   *client.Client
		err error
	)
	switch {
	case cfg.Command != "":
		// The stdio transport starts its subprocess on construction.
		c, err = client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	case cfg.URL != "":
		c, err = client.NewStreamableHttpClient(cfg.URL)
		if err == nil {
			err = c.Start(ctx)
		}
	default:
		return nil, schema.ConfigurationError("tool server %q has neither command nor url", server)
	}
	if err != nil {
		return nil, schema.RemoteInvocationError(err, "connect tool server %q", server)
	}
	if err := initialize(ctx, c); err != nil {
		_ = c.Close()
		return nil, schema.RemoteInvocationError(err, "initialize tool server %q", server)
	}
	m.clients[server] = c
	m.logger.Info("tool server connected", slog.String("server", server))
	return c, nil
}

func initialize(ctx context.Context, c *client.Client) error {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "graphrun", Version: "1.0.0"}
	_, err := c.Initialize(ctx, req)
	return err
}

// convertResult flattens MCP content blocks: text blocks are concatenated and
// any block that parses as JSON is also collected.
func convertResult(res *mcp.CallToolResult) *CallResult {
	out := &CallResult{IsError: res.IsError}
	var texts []string
	for _, content := range res.Content {
		var text string
		switch c := content.(type) {
		case mcp.TextContent:
			text = c.Text
		case *mcp.TextContent:
			text = c.Text
		default:
			continue
		}
		texts = append(texts, text)
		var parsed any
		if err := json.Unmarshal([]byte(text), &parsed); err == nil {
			if _, isObj := parsed.(map[string]any); isObj {
				out.JSON = append(out.JSON, parsed)
			} else if _, isArr := parsed.([]any); isArr {
				out.JSON = append(out.JSON, parsed)
			}
		}
	}
	if res.StructuredContent != nil {
		out.JSON = append(out.JSON, res.StructuredContent)
	}
	out.Text = strings.Join(texts, "\n")
	return out
}

var _ Invoker = (*MCPInvoker)(nil)
