package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/graphrun/internal/store"
	"github.com/rendis/graphrun/pkg/schema"
)

type resumeCall struct {
	runID  string
	formID string
}

// fakeResumer records calls and deletes the pause the way a completed resume would.
type fakeResumer struct {
	mu    sync.Mutex
	repo  store.Repository
	calls []resumeCall
	err   error
}

func (f *fakeResumer) Resume(ctx context.Context, runID string, payload schema.ResumePayload) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, resumeCall{runID: runID, formID: payload.FormID})
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	return runID, f.repo.DeletePause(ctx, runID)
}

func (f *fakeResumer) Calls() []resumeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]resumeCall(nil), f.calls...)
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func savePause(t *testing.T, repo store.Repository, runID string, expires ...time.Time) {
	t.Helper()
	rec := &store.PauseRecord{RunID: runID, WorkflowID: "wf", State: []byte("{}")}
	for i, e := range expires {
		e := e
		rec.Reasons = append(rec.Reasons, &schema.PauseReason{
			Type:      schema.PauseHumanInput,
			NodeID:    "review",
			FormID:    runID + "-form-" + string(rune('a'+i)),
			ExpiresAt: &e,
		})
	}
	require.NoError(t, repo.SavePause(context.Background(), rec))
}

func newSweeper(repo store.Repository, r Resumer, opts ...Option) *Sweeper {
	opts = append([]Option{WithClock(func() time.Time { return base })}, opts...)
	return NewSweeper(repo, r, slog.Default(), opts...)
}

func TestSweep_ResumesOnlyOverdue(t *testing.T) {
	repo := store.NewMemoryRepository()
	savePause(t, repo, "overdue", base.Add(-time.Minute))
	savePause(t, repo, "future", base.Add(time.Hour))
	r := &fakeResumer{repo: repo}

	n, err := newSweeper(repo, r).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []resumeCall{{runID: "overdue", formID: "overdue-form-a"}}, r.Calls())

	_, err = repo.LoadPause(context.Background(), "future")
	assert.NoError(t, err)
}

func TestSweep_PicksEarliestExpiredForm(t *testing.T) {
	repo := store.NewMemoryRepository()
	savePause(t, repo, "run", base.Add(-time.Minute), base.Add(-time.Hour), base.Add(time.Hour))
	r := &fakeResumer{repo: repo}

	_, err := newSweeper(repo, r).Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, r.Calls(), 1)
	assert.Equal(t, "run-form-b", r.Calls()[0].formID)
}

func TestSweep_SkipsClaimed(t *testing.T) {
	repo := store.NewMemoryRepository()
	savePause(t, repo, "claimed", base.Add(-time.Minute))
	_, err := repo.ClaimPause(context.Background(), "claimed")
	require.NoError(t, err)
	r := &fakeResumer{repo: repo}

	n, err := newSweeper(repo, r).Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, r.Calls())
}

func TestSweep_ConflictIsNotAFailure(t *testing.T) {
	repo := store.NewMemoryRepository()
	savePause(t, repo, "raced", base.Add(-time.Minute))
	r := &fakeResumer{repo: repo, err: schema.NewError(schema.ErrCodeConflict, "claimed")}

	n, err := newSweeper(repo, r).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSweep_ResumeErrorIsLoggedAndSkipped(t *testing.T) {
	repo := store.NewMemoryRepository()
	savePause(t, repo, "a", base.Add(-2*time.Minute))
	savePause(t, repo, "b", base.Add(-time.Minute))
	r := &fakeResumer{repo: repo, err: errors.New("boom")}

	n, err := newSweeper(repo, r).Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, r.Calls(), 2)
}

func TestSweep_CancelledContext(t *testing.T) {
	repo := store.NewMemoryRepository()
	savePause(t, repo, "a", base.Add(-time.Minute))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newSweeper(repo, &fakeResumer{repo: repo}).Sweep(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStartStop(t *testing.T) {
	repo := store.NewMemoryRepository()
	savePause(t, repo, "a", base.Add(-time.Minute))
	r := &fakeResumer{repo: repo}
	s := newSweeper(repo, r, WithSchedule("@every 1h"))

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return len(r.Calls()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}

func TestStart_InvalidSchedule(t *testing.T) {
	s := newSweeper(store.NewMemoryRepository(), &fakeResumer{}, WithSchedule("not a cron"))
	assert.Error(t, s.Start(context.Background()))
}

func TestNextSweep(t *testing.T) {
	s := newSweeper(store.NewMemoryRepository(), &fakeResumer{}, WithSchedule("*/5 * * * *"))
	next, err := s.NextSweep(base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, base.Add(5*time.Minute), next)

	s = newSweeper(store.NewMemoryRepository(), &fakeResumer{})
	next, err = s.NextSweep(base)
	require.NoError(t, err)
	assert.Equal(t, base.Add(time.Minute), next)
}
