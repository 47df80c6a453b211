package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/graphrun/internal/graph"
	"github.com/rendis/graphrun/internal/kvstore"
	"github.com/rendis/graphrun/internal/nodes"
	"github.com/rendis/graphrun/internal/queue"
	"github.com/rendis/graphrun/internal/runstate"
	"github.com/rendis/graphrun/internal/validation"
	"github.com/rendis/graphrun/internal/variables"
	"github.com/rendis/graphrun/pkg/schema"
)

// scripted is a node whose behavior is a test closure.
type scripted struct {
	id     string
	typ    schema.NodeType
	policy nodes.Policy
	run    func(ctx context.Context, rc nodes.RunContext) *nodes.Result
}

func (n *scripted) ID() string            { return n.id }
func (n *scripted) Type() schema.NodeType { return n.typ }
func (n *scripted) Title() string         { return n.id }
func (n *scripted) Policy() nodes.Policy  { return n.policy }
func (n *scripted) Run(ctx context.Context, rc nodes.RunContext) *nodes.Result {
	return n.run(ctx, rc)
}

// emit returns a code node that outputs {"out": value}.
func emit(id string, value any) *scripted {
	return &scripted{id: id, typ: schema.NodeTypeCode, run: func(context.Context, nodes.RunContext) *nodes.Result {
		return nodes.Succeeded(map[string]any{"out": value})
	}}
}

func cfgNode(id string, typ schema.NodeType, data map[string]any) schema.NodeConfig {
	d := map[string]any{"type": string(typ), "title": id}
	for k, v := range data {
		d[k] = v
	}
	return schema.NodeConfig{ID: id, Data: d}
}

func cfgChild(id, parent string, typ schema.NodeType, data map[string]any) schema.NodeConfig {
	n := cfgNode(id, typ, data)
	n.ParentID = parent
	return n
}

func link(src, dst string) schema.EdgeConfig {
	return schema.EdgeConfig{Source: src, Target: dst}
}

func linkOn(src, handle, dst string) schema.EdgeConfig {
	return schema.EdgeConfig{Source: src, Target: dst, SourceHandle: handle}
}

func endOutputs(pairs ...string) map[string]any {
	var outs []any
	for i := 0; i+1 < len(pairs); i += 2 {
		outs = append(outs, map[string]any{"variable": pairs[i], "value_selector": pairs[i+1]})
	}
	return map[string]any{"outputs": outs}
}

// captureSuspender keeps the last suspended snapshot.
type captureSuspender struct {
	mu     sync.Mutex
	data   []byte
	pauses []*schema.PauseReason
}

func (c *captureSuspender) Suspend(_ context.Context, state []byte, pauses []*schema.PauseReason) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = state
	c.pauses = pauses
	return nil
}

type harness struct {
	t     *testing.T
	g     *graph.Graph
	state *runstate.GraphRuntimeState
	q     *queue.Manager
	built map[string]nodes.Node
	susp  *captureSuspender
}

func newHarness(t *testing.T, cfg schema.GraphConfig, inputs map[string]any, overrides ...nodes.Node) *harness {
	t.Helper()
	g, err := graph.Parse(cfg)
	require.NoError(t, err)

	state := runstate.New(variables.NewPool(), time.Now())
	for k, v := range inputs {
		state.Inputs[k] = v
	}
	h := &harness{
		t:     t,
		g:     g,
		state: state,
		q:     queue.New("run-1", kvstore.NewMemory(), queue.Config{}),
		susp:  &captureSuspender{},
	}
	h.built = buildNodes(t, g, state, overrides...)
	return h
}

func buildNodes(t *testing.T, g *graph.Graph, state *runstate.GraphRuntimeState, overrides ...nodes.Node) map[string]nodes.Node {
	t.Helper()
	forms, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	f, err := nodes.NewFactory(nodes.Deps{Forms: forms}, nodes.RunIdentity{RunID: "run-1"}, state)
	require.NoError(t, err)

	byID := make(map[string]nodes.Node, len(overrides))
	for _, o := range overrides {
		byID[o.ID()] = o
	}
	built := make(map[string]nodes.Node)
	for _, n := range g.AllNodes() {
		if o, ok := byID[n.ID]; ok {
			built[n.ID] = o
			continue
		}
		node, err := f.Create(n)
		require.NoError(t, err, "node %s", n.ID)
		built[n.ID] = node
	}
	return built
}

func (h *harness) engine(cfg Config) *Engine {
	return New("run-1", h.g, h.built, h.state, h.q, h.susp, cfg)
}

func (h *harness) run(cfg Config) *Outcome {
	return h.engine(cfg).Run(context.Background())
}

// events drains the queue. It only terminates once the run published a
// terminal event or stopped listening.
func (h *harness) events() []schema.Event {
	return drain(h.t, h.q)
}

func drain(t *testing.T, q *queue.Manager) []schema.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []schema.Event
	for ev := range q.Listen(ctx) {
		if ev.Type != schema.EventPing {
			out = append(out, ev)
		}
	}
	require.NoError(t, ctx.Err(), "queue did not close")
	return out
}

func ofType(evs []schema.Event, typ schema.EventType) []schema.Event {
	var out []schema.Event
	for _, ev := range evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func nodeIDs(evs []schema.Event) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.NodeID)
	}
	return out
}

func forNode(evs []schema.Event, id string) []schema.Event {
	var out []schema.Event
	for _, ev := range evs {
		if ev.NodeID == id {
			out = append(out, ev)
		}
	}
	return out
}

func terminals(evs []schema.Event) []schema.Event {
	var out []schema.Event
	for _, ev := range evs {
		if ev.Type.IsTerminal() {
			out = append(out, ev)
		}
	}
	return out
}
