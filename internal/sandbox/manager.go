package sandbox

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rendis/graphrun/pkg/schema"
)

type entry struct {
	ready   chan struct{}
	sandbox Sandbox
	err     error
}

// Manager is the process-wide table of sandboxes keyed by run id. It is
// created once and passed to every engine by reference.
type Manager struct {
	mu        sync.Mutex
	provider  Provider
	sandboxes map[string]*entry
	logger    *slog.Logger
}

// NewManager creates a manager backed by provider.
func NewManager(provider Provider, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		provider:  provider,
		sandboxes: make(map[string]*entry),
		logger:    logger,
	}
}

// Acquire returns the run's sandbox, creating it on first use. Concurrent
// callers for the same run share one creation.
func (m *Manager) Acquire(ctx context.Context, runID string) (Sandbox, error) {
	m.mu.Lock()
	e, ok := m.sandboxes[runID]
	if !ok {
		e = &entry{ready: make(chan struct{})}
		m.sandboxes[runID] = e
	}
	m.mu.Unlock()

	if ok {
		select {
		case <-e.ready:
			return e.sandbox, e.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	e.sandbox, e.err = m.provider.Create(ctx, runID)
	if e.err != nil {
		e.err = schema.RemoteInvocationError(e.err, "create sandbox for run %s", runID)
		m.mu.Lock()
		if m.sandboxes[runID] == e {
			delete(m.sandboxes, runID)
		}
		m.mu.Unlock()
	}
	close(e.ready)
	return e.sandbox, e.err
}

// Get returns the run's sandbox if one has been created.
func (m *Manager) Get(runID string) (Sandbox, bool) {
	m.mu.Lock()
	e, ok := m.sandboxes[runID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
		return e.sandbox, e.err == nil
	default:
		return nil, false
	}
}

// Release removes and closes the run's sandbox. Releasing an unknown or
// already released run is a no-op, so stop, timeout and error paths may all
// call it.
func (m *Manager) Release(runID string) error {
	m.mu.Lock()
	e, ok := m.sandboxes[runID]
	if ok {
		delete(m.sandboxes, runID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	<-e.ready
	if e.err != nil || e.sandbox == nil {
		return nil
	}
	if err := e.sandbox.Close(); err != nil {
		m.logger.Warn("sandbox close failed", slog.String("run_id", runID), slog.Any("error", err))
		return schema.NewErrorf(schema.ErrCodeExecution, "close sandbox for run %s", runID).WithCause(err)
	}
	return nil
}

// Len returns the number of live sandboxes.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sandboxes)
}

// ReleaseAll closes every sandbox, for process shutdown.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sandboxes))
	for id := range m.sandboxes {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.Release(id)
	}
}
