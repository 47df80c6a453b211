// Package engine drives a parsed graph to completion: it schedules ready
// nodes on a bounded worker pool, routes edges by the handle each node
// selects, and turns pauses into persisted snapshots that Resume picks up.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rendis/graphrun/internal/endstream"
	"github.com/rendis/graphrun/internal/graph"
	"github.com/rendis/graphrun/internal/logging"
	"github.com/rendis/graphrun/internal/nodes"
	"github.com/rendis/graphrun/internal/queue"
	"github.com/rendis/graphrun/internal/runstate"
	"github.com/rendis/graphrun/internal/variables"
	"github.com/rendis/graphrun/pkg/schema"
)

const (
	DefaultMaxParallel = 10
	DefaultMaxSteps    = 500
	DefaultMaxDepth    = 5
)

// Config holds engine configuration.
type Config struct {
	MaxParallel int // concurrent nodes per scheduling scope
	MaxSteps    int // node dispatches per run, frames included
	MaxDepth    int // nested iteration/loop frames
	Logger      *slog.Logger
	Now         func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxParallel <= 0 {
		c.MaxParallel = DefaultMaxParallel
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Publisher is the run's event sink, normally a *queue.Manager.
type Publisher interface {
	Publish(ev schema.Event) error
	StopListen()
	Stopped() bool
}

// Suspender persists a paused run.
type Suspender interface {
	Suspend(ctx context.Context, state []byte, pauses []*schema.PauseReason) error
}

// OutcomeStatus is how a Run or Resume call ended.
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeStopped   OutcomeStatus = "stopped"
	OutcomePaused    OutcomeStatus = "paused"
	OutcomeError     OutcomeStatus = "error"
)

// Outcome summarizes a finished Run or Resume call.
type Outcome struct {
	Status  OutcomeStatus
	Outputs map[string]any
	Usage   schema.Usage
	Err     *schema.GraphError
	Pauses  []*schema.PauseReason
}

// Engine executes one run. It is not reusable: call Run once, or Resume once
// on an engine built from a restored state.
type Engine struct {
	cfg     Config
	runID   string
	g       *graph.Graph
	nodes   map[string]nodes.Node
	state   *runstate.GraphRuntimeState
	queue   Publisher
	suspend Suspender
	logger  *slog.Logger

	steps     atomic.Int64
	violation atomic.Pointer[schema.GraphError]
	frames    arena
}

// New creates an engine for g. built must hold a node for every node of g,
// sub-graphs included.
func New(runID string, g *graph.Graph, built map[string]nodes.Node, state *runstate.GraphRuntimeState, q Publisher, s Suspender, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:     cfg,
		runID:   runID,
		g:       g,
		nodes:   built,
		state:   state,
		queue:   q,
		suspend: s,
		logger:  cfg.Logger,
	}
}

// State returns the run's state. Only safe to read once Run or Resume returned.
func (e *Engine) State() *runstate.GraphRuntimeState { return e.state }

// Run executes the graph from its root until it succeeds, fails, stops or
// pauses.
func (e *Engine) Run(ctx context.Context) *Outcome {
	ctx = logging.WithRunID(ctx, e.runID)
	e.steps.Store(int64(e.state.Steps))
	e.publish(schema.Event{Type: schema.EventStarted})

	s := e.mainScope()
	s.stream = endstream.New(e.g, e.streamSelectors)
	if err := s.routes.Transition(e.g.RootID, runstate.NodeReady); err != nil {
		s.fatal = schema.AsGraphError(err, schema.ErrCodeInvalidTransition)
	} else {
		s.ready = append(s.ready, e.g.RootID)
	}

	e.drive(ctx, s)
	return e.finish(ctx, s)
}

// Resume completes the paused node nodeID with res, produced by the node's
// Resume method, then schedules its successors and every node that was ready
// when the run paused.
func (e *Engine) Resume(ctx context.Context, nodeID string, res *nodes.Result) *Outcome {
	ctx = logging.WithRunID(ctx, e.runID)
	e.steps.Store(int64(e.state.Steps))

	s := e.mainScope()
	node, ok := e.nodes[nodeID]
	if _, paused := e.state.Paused[nodeID]; !ok || !paused {
		ge := schema.NewErrorf(schema.ErrCodeNotFound, "node %s is not paused", nodeID).WithNode(nodeID)
		e.publish(schema.Event{Type: schema.EventError, Error: ge})
		return &Outcome{Status: OutcomeError, Err: ge}
	}
	e.publish(schema.Event{Type: schema.EventStarted})

	s.stream = e.replayStream(s.routes)
	delete(e.state.Paused, nodeID)
	s.ready = append(s.ready, e.state.Pending...)
	e.state.Pending = nil

	execID := ""
	if exec, ok := s.routes.LatestExecution(nodeID); ok {
		execID = exec.ID
	}
	if res == nil {
		res = nodes.Failed(schema.NewError(schema.ErrCodeExecution, "resume produced no result"))
	}
	e.complete(ctx, s, node, execID, res)

	e.drive(ctx, s)
	return e.finish(ctx, s)
}

func (e *Engine) mainScope() *scope {
	return newScope(e.g, e.state.Variables, e.state.Routes, -1, 0, e.cfg.MaxParallel)
}

// replayStream rebuilds the stream processor's knowledge from a restored
// route state, in topological order.
func (e *Engine) replayStream(routes *runstate.RouteState) *endstream.Processor {
	p := endstream.New(e.g, e.streamSelectors)
	for _, id := range e.g.Sorted {
		switch routes.NodeState(id) {
		case runstate.NodeSucceeded:
			exec, _ := routes.LatestExecution(id)
			handle := ""
			if exec != nil {
				handle = exec.EdgeHandle
			}
			p.OnNodeSucceeded(id, handle)
		case runstate.NodeFailed:
			if exec, ok := routes.LatestExecution(id); ok && exec.EdgeHandle != "" {
				p.OnNodeSucceeded(id, exec.EdgeHandle)
			} else {
				p.Exclude(id)
			}
		case runstate.NodeSkipped:
			p.Exclude(id)
		}
	}
	return p
}

func (e *Engine) streamSelectors(nodeID string) []variables.Selector {
	if t, ok := e.nodes[nodeID].(nodes.Terminal); ok {
		return t.StreamSelectors()
	}
	return nil
}

// finish publishes the terminal event for the main scope, or suspends the run
// when nodes are still paused.
func (e *Engine) finish(ctx context.Context, s *scope) *Outcome {
	e.state.Steps = int(e.steps.Load())
	out := &Outcome{Outputs: e.state.Outputs, Usage: e.state.Usage}
	log := logging.LogWith(ctx, e.logger)

	if v := e.violation.Load(); v != nil {
		out.Status, out.Err = OutcomeError, v
		e.terminal(schema.Event{Type: schema.EventError, Error: v}, out)
		return out
	}
	if e.queue.Stopped() {
		out.Status = OutcomeStopped
		return out
	}
	if err := ctx.Err(); err != nil {
		out.Status = OutcomeStopped
		out.Err = schema.NewError(schema.ErrCodeCancellationRace, "run context cancelled").WithCause(err)
		e.queue.StopListen()
		return out
	}

	failure := s.fatal
	if failure == nil {
		failure = s.failure
	}
	if failure != nil {
		out.Status, out.Err = OutcomeFailed, failure
		e.terminal(schema.Event{Type: schema.EventFailed, Error: failure, Outputs: e.state.Outputs, Usage: &e.state.Usage}, out)
		log.Warn("run failed", "error", failure.Error())
		return out
	}

	if len(e.state.Paused) > 0 {
		return e.suspendRun(ctx, s, out)
	}

	out.Status = OutcomeSucceeded
	e.terminal(schema.Event{Type: schema.EventSucceeded, Outputs: e.state.Outputs, Usage: &e.state.Usage}, out)
	log.Info("run succeeded", "steps", e.state.Steps)
	return out
}

func (e *Engine) suspendRun(ctx context.Context, s *scope, out *Outcome) *Outcome {
	e.state.Pending = append([]string(nil), s.ready...)

	ids := make([]string, 0, len(e.state.Paused))
	for id := range e.state.Paused {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		out.Pauses = append(out.Pauses, e.state.Paused[id])
	}

	data, err := e.state.Marshal()
	if err == nil && e.suspend != nil {
		err = e.suspend.Suspend(ctx, data, out.Pauses)
	}
	if err != nil {
		ge := schema.AsGraphError(err, schema.ErrCodeStore)
		out.Status, out.Err = OutcomeError, ge
		e.terminal(schema.Event{Type: schema.EventError, Error: ge}, out)
		return out
	}

	out.Status = OutcomePaused
	e.queue.StopListen()
	logging.LogWith(ctx, e.logger).Info("run paused", "nodes", ids)
	return out
}

// terminal publishes a terminal event. A queue already closed by the
// listener (stop flag or timeout) means the run was stopped.
func (e *Engine) terminal(ev schema.Event, out *Outcome) {
	ev.RunID = e.runID
	if err := e.queue.Publish(ev); err != nil {
		if errors.Is(err, queue.ErrQueueClosed) {
			out.Status = OutcomeStopped
			return
		}
		e.logger.Error("publish terminal event", "run_id", e.runID, "error", err)
	}
}

// publish sends a non-terminal event. Persisted-model violations are
// recorded and end the run once in-flight nodes drain.
func (e *Engine) publish(ev schema.Event) {
	ev.RunID = e.runID
	err := e.queue.Publish(ev)
	if err == nil || errors.Is(err, queue.ErrQueueClosed) {
		return
	}
	if schema.HasCode(err, schema.ErrCodeThreadSafety) {
		e.violation.CompareAndSwap(nil, schema.AsGraphError(err, schema.ErrCodeThreadSafety))
	}
	e.logger.Error("publish event", "run_id", e.runID, "type", ev.Type, "error", err)
}
