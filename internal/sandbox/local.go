package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rendis/graphrun/internal/isolation"
	"github.com/rendis/graphrun/pkg/schema"
)

const defaultMaxOutput = 1 << 20 // 1MB

// LocalProvider creates sandboxes as temporary directories on the host, with
// commands wrapped by an isolation.Isolator.
type LocalProvider struct {
	Root     string // parent of per-run workdirs; os.TempDir() when empty
	Timeout  time.Duration
	MaxOut   int64
	Isolator isolation.Isolator
}

// Create makes a fresh workdir for runID.
func (p *LocalProvider) Create(ctx context.Context, runID string) (Sandbox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root := p.Root
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}
	dir, err := os.MkdirTemp(root, "run-"+sanitize(runID)+"-")
	if err != nil {
		return nil, fmt.Errorf("create sandbox workdir: %w", err)
	}
	// Resolve symlinks so path checks compare like with like.
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolved
	}

	iso := p.Isolator
	if iso == nil {
		iso = isolation.NewIsolator()
	}
	maxOut := p.MaxOut
	if maxOut <= 0 {
		maxOut = defaultMaxOutput
	}
	limits := isolation.ForWorkdir(dir, p.Timeout)
	limits.MaxOutputBytes = maxOut

	return &localSandbox{id: runID, dir: dir, isolator: iso, limits: limits}, nil
}

type localSandbox struct {
	id       string
	dir      string
	isolator isolation.Isolator
	limits   isolation.ResourceLimits

	closeOnce sync.Once
	closeErr  error
}

func (s *localSandbox) ID() string { return s.id }

// Dir returns the sandbox workdir.
func (s *localSandbox) Dir() string { return s.dir }

func (s *localSandbox) Exec(ctx context.Context, argv []string, stdin []byte) (*ExecResult, error) {
	if len(argv) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "sandbox exec: empty command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.dir
	cmd.Env = []string{"HOME=" + s.dir, "PATH=" + os.Getenv("PATH"), "LANG=C.UTF-8"}
	if len(stdin) > 0 {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	// The deadline is owned here so a kill can be told apart from a crash.
	execCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.limits.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, s.limits.Timeout)
	}
	defer cancel()
	limits := s.limits
	limits.Timeout = 0

	wrapped, cleanup, err := s.isolator.Wrap(execCtx, cmd, limits)
	if err != nil {
		return nil, schema.RemoteInvocationError(err, "sandbox exec: %s", err.Error())
	}
	defer cleanup()

	var stdout, stderr bytes.Buffer
	wrapped.Stdout = &limitedWriter{w: &stdout, limit: s.limits.MaxOutputBytes}
	wrapped.Stderr = &limitedWriter{w: &stderr, limit: s.limits.MaxOutputBytes}

	start := time.Now()
	runErr := wrapped.Run()
	res := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, schema.RemoteInvocationError(runErr, "sandbox exec %s: %s", argv[0], runErr.Error())
		}
		res.ExitCode = exitErr.ExitCode()
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			res.Killed = true
			return res, schema.NewErrorf(schema.ErrCodeTimeout, "sandbox exec %s: timed out after %s", argv[0], s.limits.Timeout)
		}
	}
	return res, nil
}

func (s *localSandbox) Upload(ctx context.Context, path string, data []byte) error {
	full, err := s.resolve(path, isolation.PathAccessWrite)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("sandbox upload %s: %w", path, err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("sandbox upload %s: %w", path, err)
	}
	return nil
}

func (s *localSandbox) Download(ctx context.Context, path string) ([]byte, error) {
	full, err := s.resolve(path, isolation.PathAccessRead)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "sandbox file %s not found", path)
		}
		return nil, fmt.Errorf("sandbox download %s: %w", path, err)
	}
	return data, nil
}

// Close removes the workdir. Safe to call more than once.
func (s *localSandbox) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = os.RemoveAll(s.dir)
	})
	return s.closeErr
}

func (s *localSandbox) resolve(path string, mode isolation.PathAccessMode) (string, error) {
	if filepath.IsAbs(path) {
		return "", schema.NewErrorf(schema.ErrCodePathDenied, "sandbox path %q must be relative", path)
	}
	full := filepath.Join(s.dir, path)
	if err := s.limits.ValidatePath(full, mode); err != nil {
		return "", err
	}
	return full, nil
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, id)
}

// limitedWriter discards bytes beyond limit while reporting full writes, so
// the child never blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	return total, err
}
