package runner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/graphrun/internal/engine"
	"github.com/rendis/graphrun/internal/kvstore"
	"github.com/rendis/graphrun/internal/nodes"
	"github.com/rendis/graphrun/internal/queue"
	"github.com/rendis/graphrun/internal/scheduler"
	"github.com/rendis/graphrun/internal/store"
	"github.com/rendis/graphrun/internal/validation"
	"github.com/rendis/graphrun/pkg/schema"
)

// clock is a settable time source shared by the service and its nodes.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc   *Service
	repo  *store.MemoryRepository
	kv    kvstore.Store
	clock *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	f := &fixture{
		repo:  store.NewMemoryRepository(),
		kv:    kvstore.NewMemory(),
		clock: &clock{now: time.Now().UTC()},
	}
	f.svc, err = New(Deps{
		Repo:   f.repo,
		KV:     f.kv,
		Graphs: v,
		Nodes: nodes.Deps{
			Forms:          v,
			WebhookBaseURL: "http://hooks.local/hooks",
		},
	}, Config{
		Queue: queue.Config{PollInterval: 20 * time.Millisecond},
		Now:   f.clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.svc.Close(ctx)
	})
	return f
}

// stream subscribes to runID and collects every event until the stream ends.
func (f *fixture) stream(t *testing.T, runID string) []schema.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := f.svc.Subscribe(ctx, runID)
	require.NoError(t, err)
	var out []schema.Event
	for ev := range ch {
		if ev.Type != schema.EventPing {
			out = append(out, ev)
		}
	}
	require.NoError(t, ctx.Err(), "stream did not end")
	f.svc.Wait()
	return out
}

func node(id string, typ schema.NodeType, data map[string]any) schema.NodeConfig {
	d := map[string]any{"type": string(typ), "title": id}
	for k, v := range data {
		d[k] = v
	}
	return schema.NodeConfig{ID: id, Data: d}
}

func outputs(pairs ...string) map[string]any {
	var outs []any
	for i := 0; i+1 < len(pairs); i += 2 {
		outs = append(outs, map[string]any{"variable": pairs[i], "value_selector": pairs[i+1]})
	}
	return map[string]any{"outputs": outs}
}

func edge(src, dst string) schema.EdgeConfig { return schema.EdgeConfig{Source: src, Target: dst} }

// approval: start -> review -approve-> end
func approval() schema.GraphConfig {
	return schema.GraphConfig{
		Nodes: []schema.NodeConfig{
			node("start", schema.NodeTypeStart, nil),
			node("review", schema.NodeTypeHumanInput, map[string]any{
				"content": "Ship {{#start.release#}}?",
				"inputs":  []any{map[string]any{"variable": "comment", "type": "text", "required": true}},
				"actions": []any{map[string]any{"id": "approve"}, map[string]any{"id": "reject"}},
			}),
			node("end", schema.NodeTypeEnd, outputs("comment", "review.comment", "release", "start.release")),
		},
		Edges: []schema.EdgeConfig{
			edge("start", "review"),
			{Source: "review", Target: "end", SourceHandle: "approve"},
		},
	}
}

func lastType(evs []schema.Event) schema.EventType {
	if len(evs) == 0 {
		return ""
	}
	return evs[len(evs)-1].Type
}

func pauseOf(t *testing.T, evs []schema.Event) *schema.PauseReason {
	t.Helper()
	for _, ev := range evs {
		if ev.Type == schema.EventPaused {
			require.NotNil(t, ev.Pause)
			return ev.Pause
		}
	}
	t.Fatal("no paused event")
	return nil
}

func TestRun_SeedsSystemVariables(t *testing.T) {
	f := newFixture(t)
	runID, err := f.svc.Run(context.Background(), RunRequest{
		Graph: schema.GraphConfig{
			Nodes: []schema.NodeConfig{
				node("start", schema.NodeTypeStart, nil),
				node("end", schema.NodeTypeEnd, outputs("user", "sys.user_id", "run", "sys.run_id", "region", "env.region", "q", "start.q")),
			},
			Edges: []schema.EdgeConfig{edge("start", "end")},
		},
		Inputs: map[string]any{"q": "hello"},
		Exec:   ExecutionContext{UserID: "u-1", InvokeFrom: "test", Env: map[string]any{"region": "eu"}},
	})
	require.NoError(t, err)

	evs := f.stream(t, runID)
	assert.Equal(t, schema.EventStarted, evs[0].Type)
	assert.Equal(t, schema.EventSucceeded, lastType(evs))

	out, ok := f.svc.Outcome(runID)
	require.True(t, ok)
	assert.Equal(t, engine.OutcomeSucceeded, out.Status)
	assert.Equal(t, map[string]any{"user": "u-1", "run": runID, "region": "eu", "q": "hello"}, out.Outputs)
}

func TestRun_RejectsInvalidGraph(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Run(context.Background(), RunRequest{Graph: schema.GraphConfig{}})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))

	_, err = f.svc.Run(context.Background(), RunRequest{Graph: schema.GraphConfig{
		Nodes: []schema.NodeConfig{node("start", schema.NodeTypeStart, nil), node("x", "no-such-type", nil)},
		Edges: []schema.EdgeConfig{edge("start", "x")},
	}})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))
	assert.Zero(t, f.svc.queues.Len())
}

func TestSubscribe_UnknownRun(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Subscribe(context.Background(), "nope")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	runID, err := f.svc.Run(ctx, RunRequest{
		Graph:  approval(),
		Inputs: map[string]any{"release": "v2"},
		Exec:   ExecutionContext{UserID: "alice", WorkflowID: "wf-release"},
	})
	require.NoError(t, err)

	evs := f.stream(t, runID)
	assert.Equal(t, schema.EventPaused, lastType(evs))
	pause := pauseOf(t, evs)
	assert.Equal(t, "Ship v2?", pause.Content)

	rec, err := f.repo.FindPauseByForm(ctx, pause.FormID)
	require.NoError(t, err)
	assert.Equal(t, runID, rec.RunID)
	assert.Equal(t, "wf-release", rec.WorkflowID)
	out, _ := f.svc.Outcome(runID)
	assert.Equal(t, engine.OutcomePaused, out.Status)

	// Invalid submissions leave the pause unclaimed.
	_, err = f.svc.Resume(ctx, runID, schema.ResumePayload{FormID: pause.FormID, Action: "approve"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	rec, err = f.repo.LoadPause(ctx, runID)
	require.NoError(t, err)
	assert.Nil(t, rec.ClaimedAt)

	got, err := f.svc.Resume(ctx, runID, schema.ResumePayload{
		FormID: pause.FormID,
		Action: "approve",
		Inputs: map[string]any{"comment": "ship it"},
	})
	require.NoError(t, err)
	assert.Equal(t, runID, got)

	evs = f.stream(t, runID)
	assert.Equal(t, schema.EventStarted, evs[0].Type)
	assert.Equal(t, schema.EventSucceeded, lastType(evs))
	out, _ = f.svc.Outcome(runID)
	assert.Equal(t, map[string]any{"comment": "ship it", "release": "v2"}, out.Outputs)

	_, err = f.repo.LoadPause(ctx, runID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	// The pause is gone, so a late resume is a no-op.
	got, err = f.svc.Resume(ctx, runID, schema.ResumePayload{FormID: pause.FormID, Action: "approve"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResume_ClaimedPauseConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	runID, err := f.svc.Run(ctx, RunRequest{Graph: approval(), Inputs: map[string]any{"release": "v1"}})
	require.NoError(t, err)
	pause := pauseOf(t, f.stream(t, runID))

	_, err = f.repo.ClaimPause(ctx, runID)
	require.NoError(t, err)

	_, err = f.svc.Resume(ctx, runID, schema.ResumePayload{
		FormID: pause.FormID, Action: "reject", Inputs: map[string]any{"comment": "x"},
	})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
}

func TestResume_UnknownForm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	runID, err := f.svc.Run(ctx, RunRequest{Graph: approval(), Inputs: map[string]any{"release": "v1"}})
	require.NoError(t, err)
	f.stream(t, runID)

	_, err = f.svc.Resume(ctx, runID, schema.ResumePayload{FormID: "other", Action: "approve"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestDeliverWebhook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	runID, err := f.svc.Run(ctx, RunRequest{Graph: schema.GraphConfig{
		Nodes: []schema.NodeConfig{
			node("start", schema.NodeTypeStart, nil),
			node("hook", schema.NodeTypeWebhook, nil),
			node("end", schema.NodeTypeEnd, outputs("body", "hook.body", "sig", "hook.headers.x-sig")),
		},
		Edges: []schema.EdgeConfig{edge("start", "hook"), edge("hook", "end")},
	}})
	require.NoError(t, err)

	pause := pauseOf(t, f.stream(t, runID))
	assert.Equal(t, schema.PauseWebhook, pause.Type)
	cb, err := url.Parse(pause.CallbackURL)
	require.NoError(t, err)
	assert.Equal(t, "/hooks/"+pause.FormID, cb.Path)

	req := httptest.NewRequest(http.MethodPost, cb.Path, strings.NewReader(`{"status":"paid"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sig", "s1")
	got, err := f.svc.DeliverWebhook(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, runID, got)

	assert.Equal(t, schema.EventSucceeded, lastType(f.stream(t, runID)))
	out, _ := f.svc.Outcome(runID)
	assert.Equal(t, map[string]any{"status": "paid"}, out.Outputs["body"])
	assert.Equal(t, "s1", out.Outputs["sig"])

	// A second delivery finds nothing to resume.
	_, err = f.svc.DeliverWebhook(ctx, httptest.NewRequest(http.MethodPost, cb.Path, nil))
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestExpiredPauseIsSweptAsTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	runID, err := f.svc.Run(ctx, RunRequest{Graph: approval(), Inputs: map[string]any{"release": "v3"}})
	require.NoError(t, err)
	f.stream(t, runID)

	sweeper := scheduler.NewSweeper(f.repo, f.svc, nil, scheduler.WithClock(f.clock.Now))
	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(25 * time.Hour)
	n, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	evs := f.stream(t, runID)
	assert.Equal(t, schema.EventFailed, lastType(evs))
	var failed *schema.Event
	for i := range evs {
		if evs[i].Type == schema.EventNodeFailed && evs[i].NodeID == "review" {
			failed = &evs[i]
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, schema.ErrCodeTimeout, failed.Error.Code)

	_, err = f.repo.LoadPause(ctx, runID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestRequestStop(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer slow.Close()

	f := newFixture(t)
	ctx := context.Background()
	runID, err := f.svc.Run(ctx, RunRequest{
		Graph: schema.GraphConfig{
			Nodes: []schema.NodeConfig{
				node("start", schema.NodeTypeStart, nil),
				node("slow", schema.NodeTypeHTTPRequest, map[string]any{"url": slow.URL}),
				node("after", schema.NodeTypeHTTPRequest, map[string]any{"url": slow.URL}),
				node("end", schema.NodeTypeEnd, nil),
			},
			Edges: []schema.EdgeConfig{edge("start", "slow"), edge("slow", "after"), edge("after", "end")},
		},
		Exec: ExecutionContext{UserID: "owner"},
	})
	require.NoError(t, err)

	err = f.svc.RequestStop(ctx, runID, "intruder")
	assert.True(t, schema.HasCode(err, schema.ErrCodeForbidden))
	require.NoError(t, f.svc.RequestStop(ctx, runID, "owner"))

	evs := f.stream(t, runID)
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, schema.EventStopped, last.Type)
	assert.Equal(t, schema.StopUserManual, last.StopReason)
	for _, ev := range evs {
		assert.NotEqual(t, "after", ev.NodeID)
	}

	// After completion the owner record is gone and stopping is a no-op.
	assert.NoError(t, f.svc.RequestStop(ctx, runID, "intruder"))
}

func TestClose_RejectsNewRuns(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.svc.Close(ctx))

	_, err := f.svc.Run(context.Background(), RunRequest{Graph: approval()})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
}
