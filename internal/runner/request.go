package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/graphrun/internal/store"
	"github.com/rendis/graphrun/internal/variables"
	"github.com/rendis/graphrun/pkg/schema"
)

// ExecutionContext identifies who started a run and from where.
type ExecutionContext struct {
	UserID     string            `json:"user_id,omitempty"`
	WorkflowID string            `json:"workflow_id,omitempty"`
	InvokeFrom string            `json:"invoke_from,omitempty"` // e.g. "cli", "api", "webhook"
	Query      string            `json:"query,omitempty"`
	Files      []variables.File  `json:"files,omitempty"`
	Env        map[string]any    `json:"env,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	CallDepth  int               `json:"call_depth,omitempty"`
}

// RunRequest is everything needed to start a run. It is persisted with a
// pause so the graph can be rebuilt on resume.
type RunRequest struct {
	Graph  schema.GraphConfig `json:"graph"`
	Inputs map[string]any     `json:"inputs,omitempty"`
	Exec   ExecutionContext   `json:"exec"`
}

func (r RunRequest) owner() string {
	if r.Exec.UserID != "" {
		return r.Exec.UserID
	}
	return anonymousUser
}

const anonymousUser = "anonymous"

// seed writes the sys and env namespaces of a fresh pool.
func (r RunRequest) seed(pool *variables.Pool, runID string) error {
	files := make([]any, 0, len(r.Exec.Files))
	for _, f := range r.Exec.Files {
		files = append(files, f)
	}
	sys := map[string]any{
		"run_id":      runID,
		"user_id":     r.owner(),
		"workflow_id": r.Exec.WorkflowID,
		"invoke_from": r.Exec.InvokeFrom,
		"query":       r.Exec.Query,
		"files":       files,
	}
	if err := pool.Scope(variables.SystemNamespace).SetAll(sys); err != nil {
		return fmt.Errorf("seed sys variables: %w", err)
	}
	if len(r.Exec.Env) > 0 {
		if err := pool.Scope(variables.EnvironmentNamespace).SetAll(r.Exec.Env); err != nil {
			return fmt.Errorf("seed env variables: %w", err)
		}
	}
	return nil
}

func decodeRequest(rec *store.PauseRecord) (RunRequest, error) {
	var req RunRequest
	if err := json.Unmarshal(rec.Request, &req); err != nil {
		return RunRequest{}, schema.NewErrorf(schema.ErrCodeStore, "decode run request of %s", rec.RunID).WithCause(err)
	}
	return req, nil
}

// pauseSink persists a paused run in the repository together with its request.
type pauseSink struct {
	repo    store.Repository
	runID   string
	request RunRequest
}

func (p *pauseSink) Suspend(ctx context.Context, state []byte, pauses []*schema.PauseReason) error {
	raw, err := json.Marshal(p.request)
	if err != nil {
		return fmt.Errorf("encode run request: %w", err)
	}
	return p.repo.SavePause(ctx, &store.PauseRecord{
		RunID:      p.runID,
		WorkflowID: p.request.Exec.WorkflowID,
		Request:    raw,
		State:      state,
		Reasons:    pauses,
	})
}
