package schema

import "time"

// EventType tags the kind of an Event.
type EventType string

const (
	EventStarted       EventType = "started"
	EventNodeStarted   EventType = "node_started"
	EventStreamChunk   EventType = "stream_chunk"
	EventNodeSucceeded EventType = "node_succeeded"
	EventNodeFailed    EventType = "node_failed"
	EventNodeRetry     EventType = "node_retry"
	EventPaused        EventType = "paused"
	EventStopped       EventType = "stopped"
	EventPing          EventType = "ping"
	EventError         EventType = "error"
	EventSucceeded     EventType = "succeeded"
	EventFailed        EventType = "failed"
)

// IsTerminal reports whether the event ends a run's stream.
func (t EventType) IsTerminal() bool {
	switch t {
	case EventSucceeded, EventFailed, EventStopped, EventError:
		return true
	}
	return false
}

// StopReason explains why a run was stopped.
type StopReason string

const (
	StopUserManual StopReason = "user_manual"
	StopTimeout    StopReason = "timeout"
)

// Usage accumulates model token and cost consumption.
type Usage struct {
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalPrice       float64 `json:"total_price"`
	Currency         string  `json:"currency,omitempty"`
}

// Add folds other into u.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.TotalPrice += other.TotalPrice
	if u.Currency == "" {
		u.Currency = other.Currency
	}
}

// Event is the single message type flowing from the engine to the reader.
// Only the fields relevant to Type are populated.
type Event struct {
	Type           EventType      `json:"type"`
	RunID          string         `json:"run_id"`
	NodeID         string         `json:"node_id,omitempty"`
	NodeType       NodeType       `json:"node_type,omitempty"`
	ExecutionID    string         `json:"execution_id,omitempty"`
	Title          string         `json:"title,omitempty"`
	Selector       []string       `json:"selector,omitempty"`
	Delta          string         `json:"delta,omitempty"`
	EndNodeID      string         `json:"end_node_id,omitempty"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	Outputs        map[string]any `json:"outputs,omitempty"`
	EdgeHandle     string         `json:"edge_handle,omitempty"`
	Error          *GraphError    `json:"error,omitempty"`
	Pause          *PauseReason   `json:"pause,omitempty"`
	StopReason     StopReason     `json:"stop_reason,omitempty"`
	Usage          *Usage         `json:"usage,omitempty"`
	IterationID    string         `json:"iteration_id,omitempty"`
	IterationIndex int            `json:"iteration_index,omitempty"`
	Attempt        int            `json:"attempt,omitempty"`
	At             time.Time      `json:"at"`
}

// PersistedModel marks values backed by a database row. Such values must never
// travel inside an Event, because events cross goroutine boundaries and rows
// are owned by the repository that loaded them.
type PersistedModel interface {
	PersistedModel()
}
