package engine

import (
	"context"
	"fmt"

	"github.com/rendis/graphrun/internal/endstream"
	"github.com/rendis/graphrun/internal/graph"
	"github.com/rendis/graphrun/internal/logging"
	"github.com/rendis/graphrun/internal/nodes"
	"github.com/rendis/graphrun/internal/runstate"
	"github.com/rendis/graphrun/internal/variables"
	"github.com/rendis/graphrun/pkg/schema"
)

type messageKind int

const (
	msgChunk messageKind = iota
	msgRetry
	msgDone
)

// message is how a worker reports back to its scope's dispatcher. A worker
// sends chunks and retries in order and msgDone last.
type message struct {
	kind    messageKind
	nodeID  string
	execID  string
	sel     variables.Selector
	delta   string
	attempt int
	err     *schema.GraphError
	result  *nodes.Result
}

// scope is one scheduling loop: the main graph, or one pass of a container's
// body. All fields are owned by the goroutine running drive.
type scope struct {
	g      *graph.Graph
	pool   *variables.Pool
	routes *runstate.RouteState
	frame  int // arena index, -1 for the main graph
	depth  int
	stream *endstream.Processor // main graph only
	usage  schema.Usage         // frames only; the main graph adds to the run state

	msgs     chan message
	ready    []string
	pred     map[string]string
	inflight int
	broken   bool
	paused   bool
	failure  *schema.GraphError // first unhandled node failure
	fatal    *schema.GraphError
}

func newScope(g *graph.Graph, pool *variables.Pool, routes *runstate.RouteState, frame, depth, parallel int) *scope {
	return &scope{
		g:      g,
		pool:   pool,
		routes: routes,
		frame:  frame,
		depth:  depth,
		msgs:   make(chan message, parallel*4),
		pred:   make(map[string]string),
	}
}

func (e *Engine) schedulable(ctx context.Context, s *scope) bool {
	return s.fatal == nil && !s.paused && !s.broken &&
		e.violation.Load() == nil && !e.queue.Stopped() && ctx.Err() == nil
}

// drive runs the scope until nothing is ready or in flight. In-flight nodes
// are never cancelled: once scheduling stops, drive still waits for them.
func (e *Engine) drive(ctx context.Context, s *scope) {
	wp := NewWorkerPool(e.cfg.MaxParallel, func(r any) {
		logging.LogWith(ctx, e.logger).Error("worker panic", "panic", fmt.Sprint(r))
	})
	defer wp.Shutdown()

	for {
		for len(s.ready) > 0 && s.inflight < e.cfg.MaxParallel && e.schedulable(ctx, s) {
			id := s.ready[0]
			s.ready = s.ready[1:]
			if !e.dispatch(ctx, s, wp, id) {
				break
			}
		}
		if s.inflight == 0 {
			return
		}
		e.handle(ctx, s, <-s.msgs)
	}
}

func (e *Engine) dispatch(ctx context.Context, s *scope, wp *WorkerPool, id string) bool {
	if n := e.steps.Add(1); n > int64(e.cfg.MaxSteps) {
		s.fatal = schema.NewErrorf(schema.ErrCodeMaxStepsExceeded, "run exceeded %d steps", e.cfg.MaxSteps).WithNode(id)
		s.ready = append([]string{id}, s.ready...)
		return false
	}
	node, ok := e.nodes[id]
	if !ok {
		s.fatal = schema.ConfigurationError("node %s was not built", id).WithNode(id)
		return false
	}
	if err := s.routes.Transition(id, runstate.NodeRunning); err != nil {
		s.fatal = schema.AsGraphError(err, schema.ErrCodeInvalidTransition)
		return false
	}
	exec := s.routes.StartExecution(id, s.pred[id], e.cfg.Now())
	e.publish(e.event(s, schema.EventNodeStarted, node, exec.ID))

	s.inflight++
	err := wp.Submit(ctx, func(ctx context.Context) error {
		e.work(ctx, s, node, exec.ID)
		return nil
	})
	if err != nil {
		s.inflight--
		s.routes.FinishExecution(id, runstate.NodeFailed, "", e.cfg.Now())
		s.fatal = schema.NewError(schema.ErrCodeCancellationRace, "node could not be scheduled").WithNode(id).WithCause(err)
		return false
	}
	return true
}

// work runs on a pool goroutine. It retries per the node's policy and always
// reports a final msgDone.
func (e *Engine) work(ctx context.Context, s *scope, node nodes.Node, execID string) {
	ctx = logging.WithNode(ctx, node.ID(), execID)
	res := nodes.Failed(schema.NewError(schema.ErrCodeNodePanic, "engine worker panicked").WithNode(node.ID()))
	defer func() {
		s.msgs <- message{kind: msgDone, nodeID: node.ID(), execID: execID, result: res}
	}()

	rc := &nodeContext{e: e, s: s, node: node, execID: execID}
	policy := node.Policy()
	for attempt := 0; ; attempt++ {
		res = e.safeRun(ctx, node, rc)
		if res.Status != nodes.StatusFailed || !ShouldRetry(policy.Retry, res.Err, attempt) {
			return
		}
		s.msgs <- message{kind: msgRetry, nodeID: node.ID(), execID: execID, attempt: attempt + 1, err: res.Err}
		if err := WaitForBackoff(ctx, ComputeBackoff(policy.Retry, attempt)); err != nil {
			return
		}
	}
}

func (e *Engine) safeRun(ctx context.Context, node nodes.Node, rc nodes.RunContext) (res *nodes.Result) {
	defer func() {
		if r := recover(); r != nil {
			logging.LogWith(ctx, e.logger).Error("node panic", "panic", fmt.Sprint(r))
			res = nodes.Failed(schema.NewErrorf(schema.ErrCodeNodePanic, "node panicked: %v", r).WithNode(node.ID()))
		}
	}()
	res = node.Run(ctx, rc)
	if res == nil {
		return nodes.Failed(schema.NewError(schema.ErrCodeExecution, "node returned no result").WithNode(node.ID()))
	}
	if res.Status == nodes.StatusFailed && res.Err == nil {
		res.Err = schema.NewError(schema.ErrCodeExecution, "node failed").WithNode(node.ID())
	}
	return res
}

func (e *Engine) handle(ctx context.Context, s *scope, msg message) {
	node := e.nodes[msg.nodeID]
	switch msg.kind {
	case msgChunk:
		if s.stream == nil {
			return
		}
		ev := e.event(s, schema.EventStreamChunk, node, msg.execID)
		ev.Selector = msg.sel
		ev.Delta = msg.delta
		for _, fwd := range s.stream.OnChunk(ev) {
			e.publish(fwd)
		}
	case msgRetry:
		if exec, ok := s.routes.LatestExecution(msg.nodeID); ok {
			exec.Attempts++
		}
		ev := e.event(s, schema.EventNodeRetry, node, msg.execID)
		ev.Attempt = msg.attempt
		ev.Error = msg.err
		e.publish(ev)
		logging.LogWith(ctx, e.logger).Info("retrying node", "node_id", msg.nodeID, "attempt", msg.attempt, "error", msg.err.Error())
	case msgDone:
		s.inflight--
		e.complete(ctx, s, node, msg.execID, msg.result)
	}
}

func (e *Engine) complete(ctx context.Context, s *scope, node nodes.Node, execID string, res *nodes.Result) {
	switch res.Status {
	case nodes.StatusSucceeded:
		gn, _ := s.g.Node(node.ID())
		e.succeed(ctx, s, node, execID, res, edgeHandle(gn, res.EdgeSourceHandle))
	case nodes.StatusPaused:
		e.pause(ctx, s, node, execID, res)
	default:
		e.fail(ctx, s, node, execID, res)
	}
}

// edgeHandle normalizes the handle a node reported: branch types choose,
// fail-branch nodes succeed on success-branch, everything else on source.
func edgeHandle(gn *graph.Node, reported string) string {
	switch {
	case gn == nil:
		return schema.HandleSource
	case gn.Type.IsBranch():
		return reported
	case gn.IsBranchPoint():
		return schema.HandleSuccessBranch
	default:
		return schema.HandleSource
	}
}

func (e *Engine) succeed(ctx context.Context, s *scope, node nodes.Node, execID string, res *nodes.Result, handle string) {
	id := node.ID()
	if err := s.pool.Scope(id).SetAll(res.Outputs); err != nil {
		e.fail(ctx, s, node, execID, nodes.Failed(schema.AsGraphError(err, schema.ErrCodeExecution)))
		return
	}
	if err := s.routes.Transition(id, runstate.NodeSucceeded); err != nil {
		s.fatal = schema.AsGraphError(err, schema.ErrCodeInvalidTransition)
		return
	}
	s.routes.FinishExecution(id, runstate.NodeSucceeded, handle, e.cfg.Now())

	if s.frame < 0 {
		e.state.AddUsage(res.Usage)
		e.collectOutputs(ctx, node, res.Outputs)
	} else {
		s.usage.Add(res.Usage)
	}
	if node.Type() == schema.NodeTypeLoopEnd {
		s.broken = true
	}

	ev := e.event(s, schema.EventNodeSucceeded, node, execID)
	ev.Inputs = res.Inputs
	ev.Outputs = res.Outputs
	ev.EdgeHandle = handle
	ev.Usage = res.Usage
	e.publish(ev)

	if s.stream != nil {
		s.stream.OnNodeSucceeded(id, handle)
	}
	e.settle(s, id, handle)
}

// collectOutputs folds terminal node outputs into the run outputs.
func (e *Engine) collectOutputs(ctx context.Context, node nodes.Node, outputs map[string]any) {
	switch node.Type() {
	case schema.NodeTypeEnd:
		for k, v := range outputs {
			if err := e.state.SetOutput(k, v); err != nil {
				logging.LogWith(ctx, e.logger).Warn("drop run output", "key", k, "error", err)
			}
		}
	case schema.NodeTypeAnswer:
		if text, ok := outputs["answer"].(string); ok {
			e.state.AppendAnswer(text)
		}
	}
}

func (e *Engine) fail(ctx context.Context, s *scope, node nodes.Node, execID string, res *nodes.Result) {
	id := node.ID()
	ge := res.Err
	if ge == nil {
		ge = schema.NewError(schema.ErrCodeExecution, "node failed")
	}
	if ge.NodeID == "" {
		ge.NodeID = id
	}

	hr := HandleNodeError(node.Policy(), ge)
	if hr.Handled && hr.Succeeded {
		gn, _ := s.g.Node(id)
		out := nodes.Succeeded(hr.Outputs).WithUsage(res.Usage).WithInputs(res.Inputs)
		e.succeed(ctx, s, node, execID, out, edgeHandle(gn, ""))
		return
	}

	ev := e.event(s, schema.EventNodeFailed, node, execID)
	ev.Inputs = res.Inputs
	ev.Error = ge
	ev.Usage = res.Usage
	e.publish(ev)

	if err := s.routes.Transition(id, runstate.NodeFailed); err != nil {
		s.fatal = schema.AsGraphError(err, schema.ErrCodeInvalidTransition)
		return
	}
	if s.frame < 0 {
		e.state.AddUsage(res.Usage)
	} else {
		s.usage.Add(res.Usage)
	}

	if hr.Handled {
		if err := s.pool.Scope(id).SetAll(hr.Outputs); err != nil {
			logging.LogWith(ctx, e.logger).Warn("write error outputs", "error", err)
		}
		s.routes.FinishExecution(id, runstate.NodeFailed, hr.Handle, e.cfg.Now())
		if s.stream != nil {
			s.stream.OnNodeSucceeded(id, hr.Handle)
		}
		e.settle(s, id, hr.Handle)
		return
	}

	s.routes.FinishExecution(id, runstate.NodeFailed, "", e.cfg.Now())
	if ge.IsFatal() {
		s.fatal = ge
	} else if s.failure == nil {
		s.failure = ge
	}
	if s.stream != nil {
		s.stream.Exclude(id)
	}
	e.skipOutgoing(s, id)
}

func (e *Engine) pause(ctx context.Context, s *scope, node nodes.Node, execID string, res *nodes.Result) {
	id := node.ID()
	if s.frame >= 0 || res.Pause == nil {
		e.fail(ctx, s, node, execID, nodes.Failed(
			schema.NewError(schema.ErrCodeExecution, "node cannot pause inside an iteration or loop").WithNode(id)))
		return
	}
	if err := s.routes.Transition(id, runstate.NodePaused); err != nil {
		s.fatal = schema.AsGraphError(err, schema.ErrCodeInvalidTransition)
		return
	}
	s.routes.FinishExecution(id, runstate.NodePaused, "", e.cfg.Now())

	reason := res.Pause
	if reason.NodeID == "" {
		reason.NodeID = id
	}
	e.state.Paused[id] = reason
	s.paused = true

	ev := e.event(s, schema.EventPaused, node, execID)
	ev.Pause = reason
	e.publish(ev)
}

// settle marks id's outgoing edges by handle and evaluates their targets.
func (e *Engine) settle(s *scope, id, handle string) {
	out := s.g.Outgoing(id)
	for _, edge := range out {
		if s.g.EdgeMatches(edge, handle) {
			s.routes.SetEdge(edge.ID, runstate.EdgeTaken)
		} else {
			s.routes.SetEdge(edge.ID, runstate.EdgeSkipped)
		}
	}
	for _, edge := range out {
		e.evaluate(s, edge.Target)
	}
}

func (e *Engine) skipOutgoing(s *scope, id string) {
	out := s.g.Outgoing(id)
	for _, edge := range out {
		s.routes.SetEdge(edge.ID, runstate.EdgeSkipped)
	}
	for _, edge := range out {
		e.evaluate(s, edge.Target)
	}
}

// evaluate decides a node once all its incoming edges are settled: ready if
// any was taken, skipped (transitively) if none was.
func (e *Engine) evaluate(s *scope, id string) {
	if s.routes.NodeState(id) != runstate.NodeUnknown {
		return
	}
	pred := ""
	for _, in := range s.g.Incoming(id) {
		switch s.routes.EdgeState(in.ID) {
		case runstate.EdgeUnknown:
			return
		case runstate.EdgeTaken:
			if pred == "" {
				pred = in.Source
			}
		}
	}

	if pred != "" {
		if err := s.routes.Transition(id, runstate.NodeReady); err == nil {
			s.pred[id] = pred
			s.ready = append(s.ready, id)
		}
		return
	}
	if err := s.routes.Transition(id, runstate.NodeSkipped); err != nil {
		return
	}
	if s.stream != nil {
		s.stream.Exclude(id)
	}
	e.skipOutgoing(s, id)
}

// event builds a node event tagged with the scope's frame.
func (e *Engine) event(s *scope, typ schema.EventType, node nodes.Node, execID string) schema.Event {
	ev := schema.Event{
		Type:        typ,
		RunID:       e.runID,
		ExecutionID: execID,
		At:          e.cfg.Now(),
	}
	if node != nil {
		ev.NodeID = node.ID()
		ev.NodeType = node.Type()
		ev.Title = node.Title()
	}
	if s.frame >= 0 {
		f := e.frames.get(s.frame)
		ev.IterationID = f.ContainerID
		ev.IterationIndex = f.Index
	}
	return ev
}

// nodeContext is the RunContext handed to a running node.
type nodeContext struct {
	e      *Engine
	s      *scope
	node   nodes.Node
	execID string
}

func (c *nodeContext) Variables() *variables.Pool { return c.s.pool }

func (c *nodeContext) StreamChunk(sel variables.Selector, delta string) {
	c.s.msgs <- message{kind: msgChunk, nodeID: c.node.ID(), execID: c.execID, sel: sel, delta: delta}
}

func (c *nodeContext) Subgraph(ctx context.Context, req nodes.SubgraphRequest) (*nodes.SubgraphResult, error) {
	return c.e.runFrame(ctx, c.s, c.node, c.execID, req)
}
