// Package runner is the entry point for callers: it starts runs on their own
// goroutine, hands out event streams, resumes paused runs from the pause
// repository and forwards stop requests.
package runner

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/graphrun/internal/engine"
	"github.com/rendis/graphrun/internal/graph"
	"github.com/rendis/graphrun/internal/kvstore"
	"github.com/rendis/graphrun/internal/logging"
	"github.com/rendis/graphrun/internal/nodes"
	"github.com/rendis/graphrun/internal/queue"
	"github.com/rendis/graphrun/internal/runstate"
	"github.com/rendis/graphrun/internal/store"
	"github.com/rendis/graphrun/internal/variables"
	"github.com/rendis/graphrun/internal/webhook"
	"github.com/rendis/graphrun/pkg/schema"
)

// GraphValidator checks a graph config before it is parsed.
type GraphValidator interface {
	ValidateGraph(cfg schema.GraphConfig) error
}

// Sandboxes is the process-wide sandbox table.
type Sandboxes interface {
	nodes.Sandboxes
	Release(runID string) error
}

// Deps are the collaborators shared by every run.
type Deps struct {
	Repo      store.Repository
	KV        kvstore.Store
	Nodes     nodes.Deps // Sandboxes is filled from the field below when unset
	Sandboxes Sandboxes
	Graphs    GraphValidator
}

// Config tunes the service.
type Config struct {
	Engine engine.Config
	Queue  queue.Config
	// OwnerTTL bounds how long a run's owner record lives in the KV store.
	OwnerTTL time.Duration
	// Retention keeps a finished run's queue registered so a late subscriber
	// still receives its events.
	Retention time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

func (c Config) withDefaults() Config {
	if c.OwnerTTL <= 0 {
		c.OwnerTTL = time.Hour
	}
	if c.Retention <= 0 {
		c.Retention = time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Engine.Logger == nil {
		c.Engine.Logger = c.Logger
	}
	if c.Engine.Now == nil {
		c.Engine.Now = c.Now
	}
	return c
}

// Service runs graphs. It is safe for concurrent use.
type Service struct {
	cfg    Config
	deps   Deps
	queues *queue.Registry
	logger *slog.Logger

	mu      sync.Mutex
	wg      sync.WaitGroup
	closed  bool
	results map[string]*engine.Outcome
}

// New creates a Service.
func New(deps Deps, cfg Config) (*Service, error) {
	if deps.Repo == nil {
		return nil, schema.ConfigurationError("runner requires a pause repository")
	}
	if deps.KV == nil {
		deps.KV = kvstore.NewMemory()
	}
	if deps.Nodes.Sandboxes == nil && deps.Sandboxes != nil {
		deps.Nodes.Sandboxes = deps.Sandboxes
	}
	cfg = cfg.withDefaults()
	if deps.Nodes.Now == nil {
		deps.Nodes.Now = cfg.Now
	}
	return &Service{
		cfg:     cfg,
		deps:    deps,
		queues:  queue.NewRegistry(),
		logger:  cfg.Logger,
		results: make(map[string]*engine.Outcome),
	}, nil
}

// Run validates and starts a graph. The run continues in the background;
// read its events with Subscribe.
func (s *Service) Run(ctx context.Context, req RunRequest) (string, error) {
	if s.deps.Graphs != nil {
		if err := s.deps.Graphs.ValidateGraph(req.Graph); err != nil {
			return "", err
		}
	}
	g, err := graph.Parse(req.Graph)
	if err != nil {
		return "", err
	}

	runID := uuid.NewString()
	for _, w := range g.Warnings {
		s.logger.Warn("graph warning", slog.String("run_id", runID), slog.String("issue", w.String()))
	}
	state := runstate.New(variables.NewPool(), s.cfg.Now())
	for k, v := range req.Inputs {
		state.Inputs[k] = v
	}
	if err := req.seed(state.Variables, runID); err != nil {
		return "", schema.AsGraphError(err, schema.ErrCodeValidation)
	}

	built, err := s.build(g, state, runID, req)
	if err != nil {
		return "", err
	}
	q, err := s.open(ctx, runID, req)
	if err != nil {
		return "", err
	}

	e := engine.New(runID, g, built, state, q, &pauseSink{repo: s.deps.Repo, runID: runID, request: req}, s.cfg.Engine)
	s.logger.Info("run started",
		slog.String("run_id", runID),
		slog.String("workflow_id", req.Exec.WorkflowID),
		slog.Int("nodes", len(built)),
	)
	s.start(ctx, runID, false, func(ctx context.Context) *engine.Outcome { return e.Run(ctx) })
	return runID, nil
}

// Subscribe returns the run's event stream. A run has a single reader; the
// channel closes after the terminal event, or after the pause when the run
// suspends.
func (s *Service) Subscribe(ctx context.Context, runID string) (<-chan schema.Event, error) {
	q, ok := s.queues.Get(runID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %s has no active stream", runID)
	}
	return q.Listen(ctx), nil
}

// RequestStop asks a running run to stop on behalf of requester. Stopping a
// finished run is a no-op.
func (s *Service) RequestStop(ctx context.Context, runID, requester string) error {
	if requester == "" {
		requester = anonymousUser
	}
	err := queue.SetStopFlag(ctx, s.deps.KV, runID, requester)
	if err == nil {
		s.logger.Info("stop requested", slog.String("run_id", runID), slog.String("requester", requester))
	}
	return err
}

// Resume continues the paused run runID with payload. It returns the run id,
// or "" when runID has no pause. A payload the paused node rejects with a
// validation error leaves the pause untouched so it can be retried.
func (s *Service) Resume(ctx context.Context, runID string, payload schema.ResumePayload) (string, error) {
	rec, err := s.deps.Repo.LoadPause(ctx, runID)
	if schema.HasCode(err, schema.ErrCodeNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	req, err := decodeRequest(rec)
	if err != nil {
		return "", err
	}
	state, err := runstate.Unmarshal(rec.State)
	if err != nil {
		return "", schema.AsGraphError(err, schema.ErrCodeStore)
	}
	nodeID, reason, ok := state.PausedForm(payload.FormID)
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "run %s is not waiting on form %q", runID, payload.FormID)
	}

	g, err := graph.Parse(req.Graph)
	if err != nil {
		return "", err
	}
	built, err := s.build(g, state, runID, req)
	if err != nil {
		return "", err
	}
	resumer, ok := built[nodeID].(nodes.Resumer)
	if !ok {
		return "", schema.ConfigurationError("node %s cannot be resumed", nodeID).WithNode(nodeID)
	}
	res := resumer.Resume(reason, payload)
	if res != nil && res.Status == nodes.StatusFailed && schema.HasCode(res.Err, schema.ErrCodeValidation) {
		return "", res.Err
	}

	if _, err := s.deps.Repo.ClaimPause(ctx, runID); err != nil {
		return "", err
	}
	q, err := s.open(ctx, runID, req)
	if err != nil {
		// Saving again releases the claim.
		_ = s.deps.Repo.SavePause(ctx, rec)
		return "", err
	}

	e := engine.New(runID, g, built, state, q, &pauseSink{repo: s.deps.Repo, runID: runID, request: req}, s.cfg.Engine)
	s.logger.Info("run resumed",
		slog.String("run_id", runID),
		slog.String("node_id", nodeID),
		slog.String("form_id", payload.FormID),
	)
	s.start(ctx, runID, true, func(ctx context.Context) *engine.Outcome { return e.Resume(ctx, nodeID, res) })
	return runID, nil
}

// ResumeForm resumes whichever run waits on payload.FormID.
func (s *Service) ResumeForm(ctx context.Context, payload schema.ResumePayload) (string, error) {
	rec, err := s.deps.Repo.FindPauseByForm(ctx, payload.FormID)
	if err != nil {
		return "", err
	}
	runID, err := s.Resume(ctx, rec.RunID, payload)
	if err == nil && runID == "" {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "form %q is no longer pending", payload.FormID)
	}
	return runID, err
}

// DeliverWebhook resumes the run a webhook callback belongs to.
func (s *Service) DeliverWebhook(ctx context.Context, r *http.Request) (string, error) {
	payload, err := webhook.PayloadFromRequest(r)
	if err != nil {
		return "", err
	}
	return s.ResumeForm(ctx, payload)
}

// Outcome returns how runID's most recent Run or Resume ended. It is only
// known once the background goroutine finished.
func (s *Service) Outcome(runID string) (*engine.Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.results[runID]
	return o, ok
}

// Wait blocks until every started run returned.
func (s *Service) Wait() { s.wg.Wait() }

// Close waits for running engines and closes the repository. Runs keep going
// until they finish, pause or stop; cancel ctx to give up waiting.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.deps.Repo.Close()
}

func (s *Service) build(g *graph.Graph, state *runstate.GraphRuntimeState, runID string, req RunRequest) (map[string]nodes.Node, error) {
	f, err := nodes.NewFactory(s.deps.Nodes, nodes.RunIdentity{
		RunID:      runID,
		WorkflowID: req.Exec.WorkflowID,
		UserID:     req.owner(),
		InvokeFrom: req.Exec.InvokeFrom,
		CallDepth:  req.Exec.CallDepth,
	}, state)
	if err != nil {
		return nil, err
	}
	return f.Build(g)
}

// open creates and registers the run's queue and records its owner.
func (s *Service) open(ctx context.Context, runID string, req RunRequest) (*queue.Manager, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, schema.NewError(schema.ErrCodeConflict, "runner is shutting down")
	}

	q := queue.New(runID, s.deps.KV, s.cfg.Queue, queue.WithLogger(s.logger))
	// A resumed run replaces the queue retained from its previous segment.
	s.queues.Remove(runID)
	if err := s.queues.Add(q); err != nil {
		return nil, err
	}
	if err := queue.RegisterOwner(ctx, s.deps.KV, runID, req.owner(), s.cfg.OwnerTTL); err != nil {
		s.queues.Remove(runID)
		return nil, err
	}
	return q, nil
}

// start runs fn on its own goroutine, detached from the caller's cancellation.
func (s *Service) start(ctx context.Context, runID string, resumed bool, fn func(context.Context) *engine.Outcome) {
	ctx = logging.WithRunID(context.WithoutCancel(ctx), runID)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		out := s.execute(ctx, runID, fn)
		s.finish(ctx, runID, resumed, out)
	}()
}

func (s *Service) execute(ctx context.Context, runID string, fn func(context.Context) *engine.Outcome) (out *engine.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			ge := schema.NewErrorf(schema.ErrCodeExecution, "engine panic: %v", r)
			logging.LogWith(ctx, s.logger).Error("engine panic", slog.Any("panic", r))
			if q, ok := s.queues.Get(runID); ok {
				_ = q.Publish(schema.Event{Type: schema.EventError, RunID: runID, Error: ge})
				q.StopListen()
			}
			out = &engine.Outcome{Status: engine.OutcomeError, Err: ge}
		}
	}()
	return fn(ctx)
}

// finish releases a run's resources once its goroutine returns.
func (s *Service) finish(ctx context.Context, runID string, resumed bool, out *engine.Outcome) {
	log := logging.LogWith(ctx, s.logger)
	s.mu.Lock()
	s.results[runID] = out
	s.mu.Unlock()

	if s.deps.Sandboxes != nil {
		if err := s.deps.Sandboxes.Release(runID); err != nil {
			log.Warn("sandbox release failed", slog.String("error", err.Error()))
		}
	}
	if err := queue.ClearRun(ctx, s.deps.KV, runID); err != nil {
		log.Warn("clear run keys failed", slog.String("error", err.Error()))
	}
	if resumed && out.Status != engine.OutcomePaused {
		if err := s.deps.Repo.DeletePause(ctx, runID); err != nil {
			log.Warn("delete pause failed", slog.String("error", err.Error()))
		}
	}

	time.AfterFunc(s.cfg.Retention, func() {
		if q, ok := s.queues.Get(runID); ok && q.Closed() {
			s.queues.Remove(runID)
		}
	})

	attrs := []any{slog.String("status", string(out.Status))}
	if out.Err != nil {
		attrs = append(attrs, slog.String("error", out.Err.Error()))
	}
	if out.Err != nil && out.Err.Code == schema.ErrCodeStore {
		log.Error("run ended", attrs...)
		return
	}
	log.Info("run ended", attrs...)
}
