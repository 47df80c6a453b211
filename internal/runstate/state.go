package runstate

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"github.com/rendis/graphrun/internal/variables"
	"github.com/rendis/graphrun/pkg/schema"
)

// snapshotVersion is bumped whenever the serialized layout changes.
const snapshotVersion = 1

// GraphRuntimeState is the aggregate mutable state of one run. It is owned by
// the run's engine goroutine; nodes only read Variables.
type GraphRuntimeState struct {
	Variables *variables.Pool
	Inputs    map[string]any // the run request's user inputs, read by the start node
	StartedAt time.Time
	Usage     schema.Usage
	Steps     int
	Outputs   map[string]any
	Routes    *RouteState

	// Paused lists nodes awaiting external input, with the reason each one
	// reported. Pending lists nodes that were ready but not yet dispatched
	// when the run paused.
	Paused  map[string]*schema.PauseReason
	Pending []string
}

// New creates the state for a fresh run.
func New(pool *variables.Pool, startedAt time.Time) *GraphRuntimeState {
	if pool == nil {
		pool = variables.NewPool()
	}
	return &GraphRuntimeState{
		Variables: pool,
		Inputs:    make(map[string]any),
		StartedAt: startedAt,
		Outputs:   make(map[string]any),
		Routes:    NewRouteState(),
		Paused:    make(map[string]*schema.PauseReason),
	}
}

// SetOutput records a run-level output value.
func (s *GraphRuntimeState) SetOutput(key string, value any) error {
	norm, err := variables.Normalize(value)
	if err != nil {
		return fmt.Errorf("output %q: %w", key, err)
	}
	s.Outputs[key] = norm
	return nil
}

// AppendAnswer concatenates text onto the run's "answer" output.
func (s *GraphRuntimeState) AppendAnswer(text string) {
	prev, _ := s.Outputs["answer"].(string)
	s.Outputs["answer"] = prev + text
}

// AddUsage folds node usage into the run total.
func (s *GraphRuntimeState) AddUsage(u *schema.Usage) {
	s.Usage.Add(u)
}

// PausedForm returns the paused node waiting on formID.
func (s *GraphRuntimeState) PausedForm(formID string) (string, *schema.PauseReason, bool) {
	for nodeID, reason := range s.Paused {
		if reason != nil && reason.FormID == formID {
			return nodeID, reason, true
		}
	}
	return "", nil, false
}

type snapshot struct {
	Version   int                                     `json:"version"`
	Variables map[string]map[string]variables.Segment `json:"variables"`
	Inputs    map[string]any                          `json:"inputs,omitempty"`
	StartedAt time.Time                               `json:"started_at"`
	Usage     schema.Usage                            `json:"usage"`
	Steps     int                                     `json:"steps"`
	Outputs   map[string]any                          `json:"outputs"`
	Routes    *RouteState                             `json:"routes"`
	Paused    map[string]*schema.PauseReason          `json:"paused,omitempty"`
	Pending   []string                                `json:"pending,omitempty"`
}

// Marshal serializes the whole state.
func (s *GraphRuntimeState) Marshal() ([]byte, error) {
	snap := snapshot{
		Version:   snapshotVersion,
		Variables: s.Variables.Snapshot(),
		Inputs:    s.Inputs,
		StartedAt: s.StartedAt,
		Usage:     s.Usage,
		Steps:     s.Steps,
		Outputs:   s.Outputs,
		Routes:    s.Routes,
		Paused:    s.Paused,
		Pending:   s.Pending,
	}
	data, err := sonic.ConfigStd.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal runtime state: %w", err)
	}
	return data, nil
}

// Unmarshal rebuilds a state serialized by Marshal.
func Unmarshal(data []byte) (*GraphRuntimeState, error) {
	var snap snapshot
	if err := sonic.ConfigStd.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal runtime state: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"unsupported runtime state version %d", snap.Version)
	}

	st := New(variables.Restore(snap.Variables), snap.StartedAt)
	if snap.Inputs != nil {
		st.Inputs = snap.Inputs
	}
	st.Usage = snap.Usage
	st.Steps = snap.Steps
	if snap.Outputs != nil {
		st.Outputs = snap.Outputs
	}
	if snap.Routes != nil {
		st.Routes = snap.Routes
		if st.Routes.Nodes == nil {
			st.Routes.Nodes = make(map[string]NodeState)
		}
		if st.Routes.Edges == nil {
			st.Routes.Edges = make(map[string]EdgeState)
		}
		if st.Routes.Executions == nil {
			st.Routes.Executions = make(map[string]*NodeExecution)
		}
		if st.Routes.Latest == nil {
			st.Routes.Latest = make(map[string]string)
		}
	}
	if snap.Paused != nil {
		st.Paused = snap.Paused
	}
	st.Pending = snap.Pending
	return st, nil
}
