package queue

import (
	"sync"

	"github.com/rendis/graphrun/pkg/schema"
)

// Registry maps run ids to their queue managers. One registry is created per
// process and handed to the components that need it.
type Registry struct {
	mu       sync.RWMutex
	managers map[string]*Manager
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{managers: make(map[string]*Manager)}
}

// Add registers m under its run id.
func (r *Registry) Add(m *Manager) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.managers[m.RunID()]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s already has a queue", m.RunID())
	}
	r.managers[m.RunID()] = m
	return nil
}

// Get returns the queue for runID.
func (r *Registry) Get(runID string) (*Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.managers[runID]
	return m, ok
}

// Remove drops runID; removing an unknown run is a no-op.
func (r *Registry) Remove(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.managers, runID)
}

// Len returns the number of registered queues.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.managers)
}
