package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/graphrun/internal/store"
	"github.com/rendis/graphrun/pkg/schema"
)

// DefaultSchedule sweeps once a minute.
const DefaultSchedule = "@every 1m"

// Resumer resumes a paused run. Satisfied by the runner service (avoids import cycle).
type Resumer interface {
	Resume(ctx context.Context, runID string, payload schema.ResumePayload) (string, error)
}

// Sweeper resumes pauses whose deadline has passed. The paused node sees the
// expired deadline and fails with TIMEOUT_ERROR, so its error strategy decides
// how the run continues.
type Sweeper struct {
	repo     store.Repository
	resumer  Resumer
	schedule string
	parser   cron.Parser
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	cron *cron.Cron

	inflightMu sync.Mutex
	inflight   map[string]struct{} // run IDs currently being expired (dedup)
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithSchedule sets the cron expression; descriptors like "@every 30s" are accepted.
func WithSchedule(spec string) Option {
	return func(s *Sweeper) {
		if spec != "" {
			s.schedule = spec
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper creates a Sweeper.
func NewSweeper(repo store.Repository, resumer Resumer, logger *slog.Logger, opts ...Option) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		repo:     repo,
		resumer:  resumer,
		schedule: DefaultSchedule,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start registers the sweep on a cron schedule and runs one sweep immediately.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}

	c := cron.New(cron.WithParser(s.parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.schedule, func() { s.sweepAndLog(ctx) }); err != nil {
		return fmt.Errorf("parse sweep schedule %q: %w", s.schedule, err)
	}
	s.cron = c
	c.Start()
	go s.sweepAndLog(ctx)

	s.logger.Info("pause sweeper started", slog.String("schedule", s.schedule))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return nil
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	s.logger.Info("pause sweeper stopped")
	return nil
}

func (s *Sweeper) sweepAndLog(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("pause sweep failed", slog.String("error", err.Error()))
	}
}

// Sweep expires every overdue pause once and returns how many were resumed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	recs, err := s.repo.ListExpiredPauses(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired pauses: %w", err)
	}

	expired := 0
	for _, rec := range recs {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		reason := overdue(rec, now)
		if reason == nil || !s.tryAcquire(rec.RunID) {
			continue
		}
		err := s.expire(ctx, rec.RunID, reason)
		s.release(rec.RunID)
		if err != nil {
			s.logger.Error("failed to expire pause",
				slog.String("run_id", rec.RunID),
				slog.String("form_id", reason.FormID),
				slog.String("error", err.Error()),
			)
			continue
		}
		expired++
	}
	if expired > 0 {
		s.logger.Info("expired pauses", slog.Int("count", expired))
	}
	return expired, nil
}

func (s *Sweeper) expire(ctx context.Context, runID string, reason *schema.PauseReason) error {
	s.logger.Info("expiring pause",
		slog.String("run_id", runID),
		slog.String("node_id", reason.NodeID),
		slog.String("form_id", reason.FormID),
	)
	_, err := s.resumer.Resume(ctx, runID, schema.ResumePayload{FormID: reason.FormID})
	// Someone resumed it between list and claim.
	if schema.HasCode(err, schema.ErrCodeConflict) || schema.HasCode(err, schema.ErrCodeNotFound) {
		return nil
	}
	return err
}

// overdue picks the earliest expired reason of rec.
func overdue(rec *store.PauseRecord, now time.Time) *schema.PauseReason {
	var pick *schema.PauseReason
	for _, p := range rec.Reasons {
		if p.ExpiresAt == nil || p.ExpiresAt.After(now) {
			continue
		}
		if pick == nil || p.ExpiresAt.Before(*pick.ExpiresAt) {
			pick = p
		}
	}
	return pick
}

func (s *Sweeper) tryAcquire(runID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[runID]; ok {
		return false
	}
	s.inflight[runID] = struct{}{}
	return true
}

func (s *Sweeper) release(runID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, runID)
}

// NextSweep computes when the schedule fires next after from.
func (s *Sweeper) NextSweep(from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(s.schedule)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse sweep schedule %q: %w", s.schedule, err)
	}
	return schedule.Next(from), nil
}
