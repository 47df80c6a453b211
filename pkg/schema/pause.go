package schema

import "time"

// PauseType enumerates why a run was suspended.
type PauseType string

const (
	PauseHumanInput PauseType = "human_input_required"
	PauseWebhook    PauseType = "webhook_callback"
)

// FormField describes one input a human is asked to provide.
type FormField struct {
	Variable string   `json:"variable" yaml:"variable"`
	Label    string   `json:"label,omitempty" yaml:"label,omitempty"`
	Type     string   `json:"type" yaml:"type"` // text | paragraph | number | boolean | select
	Required bool     `json:"required,omitempty" yaml:"required,omitempty"`
	Options  []string `json:"options,omitempty" yaml:"options,omitempty"`
}

// FormAction is one button a human can press to resume a run. The action ID
// doubles as the edge handle taken on resume.
type FormAction struct {
	ID    string `json:"id" yaml:"id"`
	Title string `json:"title,omitempty" yaml:"title,omitempty"`
}

// PauseReason is the structured payload a consumer needs to render a
// resumable form or register a callback.
type PauseReason struct {
	Type        PauseType    `json:"type"`
	NodeID      string       `json:"node_id"`
	FormID      string       `json:"form_id"`
	Title       string       `json:"title,omitempty"`
	Content     string       `json:"content,omitempty"`
	Inputs      []FormField  `json:"inputs,omitempty"`
	Actions     []FormAction `json:"actions,omitempty"`
	CallbackURL string       `json:"callback_url,omitempty"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
}

// ResumePayload carries the external input that unblocks a paused node.
// Human-input pauses use Action and Inputs; webhook pauses use Body, Headers
// and Query.
type ResumePayload struct {
	FormID  string            `json:"form_id"`
	Action  string            `json:"action,omitempty"`
	Inputs  map[string]any    `json:"inputs,omitempty"`
	Body    any               `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
}
