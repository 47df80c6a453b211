// Package sandbox hosts the ephemeral execution environments used by code
// nodes, one per run.
package sandbox

import (
	"context"
	"time"
)

// ExecResult is the outcome of a command run inside a sandbox.
type ExecResult struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
	Killed   bool          `json:"killed"`
}

// Sandbox executes commands and transfers files within an isolated workdir.
// Paths are relative to the sandbox root.
type Sandbox interface {
	ID() string
	Exec(ctx context.Context, cmd []string, stdin []byte) (*ExecResult, error)
	Upload(ctx context.Context, path string, data []byte) error
	Download(ctx context.Context, path string) ([]byte, error)
	Close() error
}

// Provider creates sandboxes.
type Provider interface {
	Create(ctx context.Context, runID string) (Sandbox, error)
}
