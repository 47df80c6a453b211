package nodes

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/graphrun/pkg/schema"
)

// webhookNode suspends the run until an external system calls back. The
// callback's body, headers and query become the node's outputs.
type webhookNode struct {
	base
	baseURL string
	expiry  time.Duration
	now     func() time.Time
}

func newWebhook(b base, f *Factory) (Node, error) {
	n := &webhookNode{
		base:    b,
		baseURL: strings.TrimRight(f.deps.WebhookBaseURL, "/"),
		expiry:  f.deps.PauseTTL,
		now:     f.deps.Now,
	}
	if secs := intParam(b.data, "expiry_seconds", 0); secs > 0 {
		n.expiry = time.Duration(secs) * time.Second
	}
	return n, nil
}

func (n *webhookNode) Run(context.Context, RunContext) *Result {
	formID := uuid.NewString()
	expires := n.now().Add(n.expiry)
	return Paused(&schema.PauseReason{
		Type:        schema.PauseWebhook,
		NodeID:      n.id,
		FormID:      formID,
		Title:       n.title,
		CallbackURL: n.baseURL + "/" + formID,
		ExpiresAt:   &expires,
	})
}

func (n *webhookNode) Resume(pause *schema.PauseReason, payload schema.ResumePayload) *Result {
	if pause.ExpiresAt != nil && n.now().After(*pause.ExpiresAt) {
		return Failed(schema.NewErrorf(schema.ErrCodeTimeout, "webhook %s expired", pause.FormID).WithNode(n.id))
	}
	headers := make(map[string]any, len(payload.Headers))
	for k, v := range payload.Headers {
		headers[k] = v
	}
	query := make(map[string]any, len(payload.Query))
	for k, v := range payload.Query {
		query[k] = v
	}
	return Succeeded(map[string]any{
		"body":    payload.Body,
		"headers": headers,
		"query":   query,
	}).WithInputs(map[string]any{"form_id": pause.FormID})
}
