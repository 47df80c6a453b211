// Package nodes implements the graph's unit of work. Every node type is a
// Node built by the Factory from its configuration at graph-load time.
package nodes

import (
	"context"

	"github.com/rendis/graphrun/internal/variables"
	"github.com/rendis/graphrun/pkg/schema"
)

// Status is the outcome of one node run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
)

// Result is what a node hands back to the engine. Outputs are written into
// the node's namespace on success. EdgeSourceHandle selects the outgoing
// branch of a branching node.
type Result struct {
	Status           Status
	Inputs           map[string]any
	Outputs          map[string]any
	EdgeSourceHandle string
	Usage            *schema.Usage
	Err              *schema.GraphError
	Pause            *schema.PauseReason
}

// Succeeded builds a successful result.
func Succeeded(outputs map[string]any) *Result {
	if outputs == nil {
		outputs = map[string]any{}
	}
	return &Result{Status: StatusSucceeded, Outputs: outputs}
}

// Failed builds a failed result. Plain errors become EXECUTION_ERROR.
func Failed(err error) *Result {
	return &Result{Status: StatusFailed, Err: schema.AsGraphError(err, schema.ErrCodeExecution)}
}

// Paused builds a result that suspends the run until reason is answered.
func Paused(reason *schema.PauseReason) *Result {
	return &Result{Status: StatusPaused, Pause: reason}
}

// WithInputs records the resolved inputs for the NodeSucceeded event.
func (r *Result) WithInputs(inputs map[string]any) *Result {
	r.Inputs = inputs
	return r
}

// WithHandle sets the taken branch.
func (r *Result) WithHandle(handle string) *Result {
	r.EdgeSourceHandle = handle
	return r
}

// WithUsage attaches model usage.
func (r *Result) WithUsage(u *schema.Usage) *Result {
	r.Usage = u
	return r
}

// Policy is a node's failure handling: retries first, then the strategy.
type Policy struct {
	Retry         schema.RetryPolicy
	ErrorStrategy schema.ErrorStrategy
	DefaultValue  map[string]any
}

// RunIdentity is the read-only identity of the run a node belongs to.
type RunIdentity struct {
	RunID      string
	WorkflowID string
	UserID     string
	InvokeFrom string
	CallDepth  int
}

// Node is one executable vertex.
type Node interface {
	ID() string
	Type() schema.NodeType
	Title() string
	Policy() Policy
	Run(ctx context.Context, rc RunContext) *Result
}

// Resumer is implemented by nodes that pause. Resume turns the external
// payload into the node's final result.
type Resumer interface {
	Resume(pause *schema.PauseReason, payload schema.ResumePayload) *Result
}

// RunContext is the engine's view handed to a running node.
type RunContext interface {
	// Variables is the pool visible to this node. Inside an iteration or loop
	// frame it is the frame's overlay.
	Variables() *variables.Pool
	// StreamChunk emits a partial output for sel.
	StreamChunk(sel variables.Selector, delta string)
	// Subgraph runs the calling container's child graph once.
	Subgraph(ctx context.Context, req SubgraphRequest) (*SubgraphResult, error)
}

// SubgraphRequest seeds one pass through a container's child graph. Seed
// values are written under the container's namespace in the frame pool.
type SubgraphRequest struct {
	Index int
	Seed  map[string]any
}

// SubgraphResult reports one pass. Err is the first node failure that was
// not handled by an error strategy.
type SubgraphResult struct {
	Pool   *variables.Pool
	Broken bool
	Usage  schema.Usage
	Err    *schema.GraphError
}

type base struct {
	id     string
	typ    schema.NodeType
	title  string
	policy Policy
	data   map[string]any
	run    RunIdentity
}

func (b *base) ID() string            { return b.id }
func (b *base) Type() schema.NodeType { return b.typ }
func (b *base) Title() string         { return b.title }
func (b *base) Policy() Policy        { return b.policy }
