package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/graphrun/pkg/schema"
)

// MemoryRepository is a process-local Repository. Records are copied on the
// way in and out so callers never share them with the map.
type MemoryRepository struct {
	mu     sync.Mutex
	pauses map[string]*PauseRecord
	forms  map[string]string // form id -> run id
	now    func() time.Time
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		pauses: make(map[string]*PauseRecord),
		forms:  make(map[string]string),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryRepository) SavePause(_ context.Context, rec *PauseRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	rec.ExpiresAt = earliestExpiry(rec.Reasons)
	rec.ClaimedAt = nil
	rec.UpdatedAt = now
	if prev, ok := m.pauses[rec.RunID]; ok {
		rec.CreatedAt = timeOr(rec.CreatedAt, prev.CreatedAt)
	}
	rec.CreatedAt = timeOr(rec.CreatedAt, now)

	m.dropForms(rec.RunID)
	for _, p := range rec.Reasons {
		if p.FormID != "" {
			m.forms[p.FormID] = rec.RunID
		}
	}
	m.pauses[rec.RunID] = clonePause(rec)
	return nil
}

func (m *MemoryRepository) LoadPause(_ context.Context, runID string) (*PauseRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.pauses[runID]
	if !ok {
		return nil, storeNotFound("pause", runID)
	}
	return clonePause(rec), nil
}

func (m *MemoryRepository) FindPauseByForm(_ context.Context, formID string) (*PauseRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runID, ok := m.forms[formID]
	if !ok {
		return nil, storeNotFound("form", formID)
	}
	return clonePause(m.pauses[runID]), nil
}

func (m *MemoryRepository) ClaimPause(_ context.Context, runID string) (*PauseRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.pauses[runID]
	if !ok {
		return nil, storeNotFound("pause", runID)
	}
	if rec.ClaimedAt != nil {
		return nil, claimConflict(runID)
	}
	now := m.now()
	rec.ClaimedAt = &now
	rec.UpdatedAt = now
	return clonePause(rec), nil
}

func (m *MemoryRepository) ListExpiredPauses(_ context.Context, now time.Time) ([]*PauseRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*PauseRecord
	for _, rec := range m.pauses {
		if rec.ClaimedAt == nil && rec.ExpiresAt != nil && !rec.ExpiresAt.After(now) {
			out = append(out, clonePause(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(*out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(*out[j].ExpiresAt)
		}
		return out[i].RunID < out[j].RunID
	})
	return out, nil
}

func (m *MemoryRepository) DeletePause(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropForms(runID)
	delete(m.pauses, runID)
	return nil
}

func (m *MemoryRepository) Close() error { return nil }

func (m *MemoryRepository) dropForms(runID string) {
	for form, owner := range m.forms {
		if owner == runID {
			delete(m.forms, form)
		}
	}
}

func clonePause(rec *PauseRecord) *PauseRecord {
	cp := *rec
	cp.Request = append([]byte(nil), rec.Request...)
	cp.State = append([]byte(nil), rec.State...)
	cp.Reasons = make([]*schema.PauseReason, len(rec.Reasons))
	for i, p := range rec.Reasons {
		r := *p
		cp.Reasons[i] = &r
	}
	if rec.ExpiresAt != nil {
		t := *rec.ExpiresAt
		cp.ExpiresAt = &t
	}
	if rec.ClaimedAt != nil {
		t := *rec.ClaimedAt
		cp.ClaimedAt = &t
	}
	return &cp
}
