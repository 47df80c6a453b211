package nodes

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/graphrun/internal/variables"
	"github.com/rendis/graphrun/pkg/schema"
)

// ActionOutput is the output key holding the action a human chose.
const ActionOutput = "__action_id"

// humanInputNode suspends the run until someone submits its form. The
// chosen action selects the outgoing edge.
type humanInputNode struct {
	base
	formTitle string
	content   string
	inputs    []schema.FormField
	actions   []schema.FormAction
	expiry    time.Duration
	forms     FormValidator
	now       func() time.Time
}

func newHumanInput(b base, f *Factory) (Node, error) {
	n := &humanInputNode{
		base:      b,
		formTitle: stringParam(b.data, "title", b.title),
		content:   stringParam(b.data, "content", ""),
		expiry:    f.deps.PauseTTL,
		forms:     f.deps.Forms,
		now:       f.deps.Now,
	}
	if secs := intParam(b.data, "expiry_seconds", 0); secs > 0 {
		n.expiry = time.Duration(secs) * time.Second
	}

	for _, raw := range listParam(b.data, "inputs") {
		name, err := requireString(b.id, raw, "variable")
		if err != nil {
			return nil, err
		}
		field := schema.FormField{
			Variable: name,
			Label:    stringParam(raw, "label", name),
			Type:     stringParam(raw, "type", "text"),
			Required: boolParam(raw, "required", false),
		}
		if opts, ok := raw["options"].([]any); ok {
			for _, o := range opts {
				if s, ok := o.(string); ok {
					field.Options = append(field.Options, s)
				}
			}
		}
		n.inputs = append(n.inputs, field)
	}

	for _, raw := range listParam(b.data, "actions") {
		id, err := requireString(b.id, raw, "id")
		if err != nil {
			return nil, err
		}
		n.actions = append(n.actions, schema.FormAction{ID: id, Title: stringParam(raw, "title", id)})
	}
	if len(n.actions) == 0 {
		return nil, schema.ConfigurationError("human-input needs at least one action").WithNode(b.id)
	}
	return n, nil
}

func (n *humanInputNode) Run(_ context.Context, rc RunContext) *Result {
	expires := n.now().Add(n.expiry)
	return Paused(&schema.PauseReason{
		Type:      schema.PauseHumanInput,
		NodeID:    n.id,
		FormID:    uuid.NewString(),
		Title:     n.formTitle,
		Content:   variables.Render(n.content, rc.Variables()),
		Inputs:    slices.Clone(n.inputs),
		Actions:   slices.Clone(n.actions),
		ExpiresAt: &expires,
	})
}

// Resume validates the submission. Validation failures are returned as
// VALIDATION_ERROR so the caller can retry with corrected input.
func (n *humanInputNode) Resume(pause *schema.PauseReason, payload schema.ResumePayload) *Result {
	if pause.ExpiresAt != nil && n.now().After(*pause.ExpiresAt) {
		return Failed(schema.NewErrorf(schema.ErrCodeTimeout, "form %s expired at %s", pause.FormID, pause.ExpiresAt.Format(time.RFC3339)).WithNode(n.id))
	}
	known := slices.ContainsFunc(pause.Actions, func(a schema.FormAction) bool { return a.ID == payload.Action })
	if !known {
		ids := make([]string, 0, len(pause.Actions))
		for _, a := range pause.Actions {
			ids = append(ids, a.ID)
		}
		return Failed(schema.NewErrorf(schema.ErrCodeValidation, "unknown action %q (expected one of %s)", payload.Action, strings.Join(ids, ", ")).WithNode(n.id))
	}
	if n.forms != nil {
		if err := n.forms.ValidateForm(pause.Inputs, payload.Inputs); err != nil {
			return Failed(schema.AsGraphError(err, schema.ErrCodeValidation).WithNode(n.id))
		}
	}

	outputs := make(map[string]any, len(pause.Inputs)+1)
	for _, f := range pause.Inputs {
		if v, ok := payload.Inputs[f.Variable]; ok {
			outputs[f.Variable] = v
		}
	}
	outputs[ActionOutput] = payload.Action
	return Succeeded(outputs).WithInputs(map[string]any{"form_id": pause.FormID}).WithHandle(payload.Action)
}
