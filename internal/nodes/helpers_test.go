package nodes

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	einoschema "github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"

	"github.com/rendis/graphrun/internal/graph"
	"github.com/rendis/graphrun/internal/runstate"
	"github.com/rendis/graphrun/internal/sandbox"
	"github.com/rendis/graphrun/internal/tools"
	"github.com/rendis/graphrun/internal/variables"
	"github.com/rendis/graphrun/pkg/schema"
)

type fakeRunContext struct {
	pool     *variables.Pool
	subgraph func(ctx context.Context, req SubgraphRequest) (*SubgraphResult, error)

	mu     sync.Mutex
	chunks []string
}

func newRunContext(pool *variables.Pool) *fakeRunContext {
	if pool == nil {
		pool = variables.NewPool()
	}
	return &fakeRunContext{pool: pool}
}

func (rc *fakeRunContext) Variables() *variables.Pool { return rc.pool }

func (rc *fakeRunContext) StreamChunk(_ variables.Selector, delta string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.chunks = append(rc.chunks, delta)
}

func (rc *fakeRunContext) Subgraph(ctx context.Context, req SubgraphRequest) (*SubgraphResult, error) {
	return rc.subgraph(ctx, req)
}

func newTestFactory(t *testing.T, deps Deps) *Factory {
	t.Helper()
	f, err := NewFactory(deps, RunIdentity{RunID: "run-1", WorkflowID: "wf-1"}, runstate.New(nil, time.Now()))
	require.NoError(t, err)
	return f
}

func create(f *Factory, id string, typ schema.NodeType, data map[string]any) (Node, error) {
	data["type"] = string(typ)
	return f.Create(&graph.Node{ID: id, Type: typ, Title: id, Config: schema.NodeConfig{ID: id, Data: data}})
}

func mustCreate(t *testing.T, f *Factory, id string, typ schema.NodeType, data map[string]any) Node {
	t.Helper()
	n, err := create(f, id, typ, data)
	require.NoError(t, err)
	return n
}

func poolWith(t *testing.T, values map[string]any) *variables.Pool {
	t.Helper()
	p := variables.NewPool()
	for dotted, v := range values {
		sel, ok := variables.ParseSelector(dotted)
		require.True(t, ok)
		require.NoError(t, p.Add(sel, v))
	}
	return p
}

// scriptedModel streams chunks and answers Generate with reply.
type scriptedModel struct {
	chunks []string
	reply  string
	err    error

	mu       sync.Mutex
	received [][]*einoschema.Message
}

func (m *scriptedModel) Generate(_ context.Context, msgs []*einoschema.Message, _ ...model.Option) (*einoschema.Message, error) {
	m.record(msgs)
	if m.err != nil {
		return nil, m.err
	}
	out := einoschema.AssistantMessage(m.reply, nil)
	out.ResponseMeta = &einoschema.ResponseMeta{Usage: &einoschema.TokenUsage{PromptTokens: 5, CompletionTokens: 1, TotalTokens: 6}}
	return out, nil
}

func (m *scriptedModel) Stream(_ context.Context, msgs []*einoschema.Message, _ ...model.Option) (*einoschema.StreamReader[*einoschema.Message], error) {
	m.record(msgs)
	if m.err != nil {
		return nil, m.err
	}
	out := make([]*einoschema.Message, 0, len(m.chunks)+1)
	for _, c := range m.chunks {
		out = append(out, einoschema.AssistantMessage(c, nil))
	}
	last := einoschema.AssistantMessage("", nil)
	last.ResponseMeta = &einoschema.ResponseMeta{
		FinishReason: "stop",
		Usage:        &einoschema.TokenUsage{PromptTokens: 10, CompletionTokens: 3, TotalTokens: 13},
	}
	out = append(out, last)
	return einoschema.StreamReaderFromArray(out), nil
}

func (m *scriptedModel) record(msgs []*einoschema.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = append(m.received, msgs)
}

type staticModels struct{ m model.BaseChatModel }

func (s staticModels) ChatModel(context.Context, string, string) (model.BaseChatModel, error) {
	return s.m, nil
}

type fakeSandbox struct {
	stdout   string
	exitCode int

	mu       sync.Mutex
	uploads  map[string]string
	lastArgv []string
	lastIn   string
}

func (s *fakeSandbox) ID() string { return "sb-1" }

func (s *fakeSandbox) Exec(_ context.Context, argv []string, stdin []byte) (*sandbox.ExecResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastArgv = argv
	s.lastIn = string(stdin)
	return &sandbox.ExecResult{ExitCode: s.exitCode, Stdout: s.stdout, Stderr: "boom"}, nil
}

func (s *fakeSandbox) Upload(_ context.Context, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uploads == nil {
		s.uploads = map[string]string{}
	}
	s.uploads[path] = string(data)
	return nil
}

func (s *fakeSandbox) Download(context.Context, string) ([]byte, error) { return nil, nil }
func (s *fakeSandbox) Close() error                                     { return nil }

type fakeSandboxes struct{ sb *fakeSandbox }

func (f fakeSandboxes) Acquire(context.Context, string) (sandbox.Sandbox, error) { return f.sb, nil }

type fakeInvoker struct {
	result   *tools.CallResult
	err      error
	lastArgs map[string]any
}

func (f *fakeInvoker) CallTool(_ context.Context, _, _ string, args map[string]any) (*tools.CallResult, error) {
	f.lastArgs = args
	return f.result, f.err
}
