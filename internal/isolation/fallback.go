package isolation

import (
	"context"
	"os/exec"
	"time"
)

var _ Isolator = (*TimeoutIsolator)(nil)

// TimeoutIsolator runs commands with os/exec, enforcing only the timeout.
// The process is killed when the deadline passes or ctx is cancelled.
type TimeoutIsolator struct {
	// WaitDelay bounds how long pipes may drain after a kill.
	WaitDelay time.Duration
}

// NewIsolator returns the isolator used by local sandboxes.
func NewIsolator() Isolator {
	return &TimeoutIsolator{WaitDelay: 5 * time.Second}
}

// Wrap clones cmd onto a context-aware exec.Cmd. Callers must use the returned
// command, not the one passed in.
func (f *TimeoutIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits ResourceLimits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	execCtx := ctx
	cancel := context.CancelFunc(func() {})
	if limits.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
	}

	// exec.Cmd.Cancel is only honored for commands built by CommandContext.
	wrapped := exec.CommandContext(execCtx, cmd.Path, cmd.Args[1:]...)
	wrapped.Args = cmd.Args
	wrapped.Dir = cmd.Dir
	wrapped.Env = cmd.Env
	wrapped.Stdin = cmd.Stdin
	wrapped.Stdout = cmd.Stdout
	wrapped.Stderr = cmd.Stderr
	wrapped.Cancel = func() error {
		if wrapped.Process != nil {
			return wrapped.Process.Kill()
		}
		return nil
	}
	wrapped.WaitDelay = f.WaitDelay

	return wrapped, cancel, nil
}
