package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/graphrun/pkg/schema"
)

// Repository persists suspended runs until they are resumed or expire.
type Repository interface {
	// SavePause stores or replaces the pause for rec.RunID and releases any claim on it.
	SavePause(ctx context.Context, rec *PauseRecord) error
	// LoadPause returns the pause for runID, or NOT_FOUND.
	LoadPause(ctx context.Context, runID string) (*PauseRecord, error)
	// FindPauseByForm returns the pause waiting on formID, or NOT_FOUND.
	FindPauseByForm(ctx context.Context, formID string) (*PauseRecord, error)
	// ClaimPause marks the pause as taken by one resumer. A second claim fails
	// with CONFLICT until the pause is saved again or deleted.
	ClaimPause(ctx context.Context, runID string) (*PauseRecord, error)
	// ListExpiredPauses returns unclaimed pauses whose deadline is at or before now.
	ListExpiredPauses(ctx context.Context, now time.Time) ([]*PauseRecord, error)
	// DeletePause removes the pause and its forms. Missing pauses are not an error.
	DeletePause(ctx context.Context, runID string) error
	Close() error
}

// PauseRecord is a suspended run: the request that started it and the
// runtime snapshot taken when it paused.
type PauseRecord struct {
	RunID      string                `json:"run_id"`
	WorkflowID string                `json:"workflow_id"`
	Request    json.RawMessage       `json:"request"`
	State      []byte                `json:"state"`
	Reasons    []*schema.PauseReason `json:"reasons"`
	ExpiresAt  *time.Time            `json:"expires_at,omitempty"`
	ClaimedAt  *time.Time            `json:"claimed_at,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

func (*PauseRecord) PersistedModel() {}

// Reason returns the pause reason for formID.
func (r *PauseRecord) Reason(formID string) (*schema.PauseReason, bool) {
	for _, p := range r.Reasons {
		if p.FormID == formID {
			return p, true
		}
	}
	return nil, false
}

// earliestExpiry is the soonest deadline among reasons, nil when none expire.
func earliestExpiry(reasons []*schema.PauseReason) *time.Time {
	var min *time.Time
	for _, p := range reasons {
		if p.ExpiresAt == nil {
			continue
		}
		if min == nil || p.ExpiresAt.Before(*min) {
			t := p.ExpiresAt.UTC()
			min = &t
		}
	}
	return min
}

func validateRecord(rec *PauseRecord) error {
	if rec == nil || rec.RunID == "" {
		return schema.NewError(schema.ErrCodeValidation, "pause record requires a run id")
	}
	if len(rec.State) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "pause %q has no state", rec.RunID)
	}
	return nil
}

func storeNotFound(resource, id string) *schema.GraphError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func claimConflict(runID string) *schema.GraphError {
	return schema.NewErrorf(schema.ErrCodeConflict, "pause %q already claimed", runID)
}
