// Package queue bridges a run's engine goroutine and its reader: an unbounded
// per-run FIFO whose listener also enforces the execution-time ceiling, the
// external stop flag and transport heartbeats.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/graphrun/internal/kvstore"
	"github.com/rendis/graphrun/pkg/schema"
)

// ErrQueueClosed is returned by Publish after a terminal event or StopListen.
var ErrQueueClosed = errors.New("queue closed")

// Config tunes a queue manager.
type Config struct {
	MaxExecutionTime time.Duration
	PollInterval     time.Duration // capped at one second
	PingInterval     time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxExecutionTime: 20 * time.Minute,
		PollInterval:     time.Second,
		PingInterval:     10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxExecutionTime <= 0 {
		c.MaxExecutionTime = d.MaxExecutionTime
	}
	if c.PollInterval <= 0 || c.PollInterval > time.Second {
		c.PollInterval = d.PollInterval
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	return c
}

type item struct {
	event    schema.Event
	sentinel bool
}

// Manager is one run's event queue.
type Manager struct {
	runID     string
	cfg       Config
	kv        kvstore.Store
	logger    *slog.Logger
	now       func() time.Time
	startedAt time.Time

	mu      sync.Mutex
	items   []item
	closed  bool
	stopped bool
	notify  chan struct{}
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates the queue for runID. The execution-time clock starts now.
func New(runID string, kv kvstore.Store, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		runID:  runID,
		cfg:    cfg.withDefaults(),
		kv:     kv,
		logger: slog.Default(),
		now:    time.Now,
		notify: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(m)
	}
	m.startedAt = m.now()
	return m
}

// RunID returns the run this queue belongs to.
func (m *Manager) RunID() string { return m.runID }

// Publish enqueues ev. Events carrying persisted-model references are
// rejected with THREAD_SAFETY_VIOLATION before reaching the queue. A terminal
// event closes the queue; later publishes return ErrQueueClosed.
func (m *Manager) Publish(ev schema.Event) error {
	if path, found := findPersisted(ev); found {
		return schema.NewErrorf(schema.ErrCodeThreadSafety,
			"event %s carries a persisted model at %s", ev.Type, path).
			WithNode(ev.NodeID)
	}
	if ev.RunID == "" {
		ev.RunID = m.runID
	}
	if ev.At.IsZero() {
		ev.At = m.now()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrQueueClosed
	}
	m.items = append(m.items, item{event: ev})
	if ev.Type.IsTerminal() {
		m.closed = true
		m.items = append(m.items, item{sentinel: true})
	}
	if ev.Type == schema.EventStopped {
		m.stopped = true
	}
	m.mu.Unlock()
	m.wake()
	return nil
}

// StopListen ends the stream after everything already enqueued.
func (m *Manager) StopListen() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.items = append(m.items, item{sentinel: true})
	m.mu.Unlock()
	m.wake()
}

// Stopped reports whether the run was stopped by the user or the timeout.
func (m *Manager) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// Closed reports whether the queue accepts no more events.
func (m *Manager) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Listen starts the single reader. The returned channel yields events in
// publish order and is closed after a terminal event, after the StopListen
// sentinel, or when ctx is cancelled.
func (m *Manager) Listen(ctx context.Context) <-chan schema.Event {
	out := make(chan schema.Event)
	go m.listen(ctx, out)
	return out
}

func (m *Manager) listen(ctx context.Context, out chan<- schema.Event) {
	defer close(out)

	lastEmit := m.now()
	lastCheck := time.Time{}
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for _, it := range m.take() {
			if it.sentinel {
				return
			}
			select {
			case out <- it.event:
			case <-ctx.Done():
				return
			}
			lastEmit = m.now()
			if it.event.Type.IsTerminal() {
				return
			}
		}

		now := m.now()
		if now.Sub(lastCheck) >= m.cfg.PollInterval {
			lastCheck = now
			if m.checkStop(ctx, now) {
				continue
			}
		}

		if now.Sub(lastEmit) >= m.cfg.PingInterval {
			select {
			case out <- schema.Event{Type: schema.EventPing, RunID: m.runID, At: now}:
			case <-ctx.Done():
				return
			}
			lastEmit = now
		}

		select {
		case <-m.notify:
		case <-ticker.C:
			// Every tick re-checks, however busy the queue is.
			lastCheck = time.Time{}
		case <-ctx.Done():
			return
		}
	}
}

// checkStop publishes Stopped when the run is over time or its stop flag is
// set. It reports whether an event was published.
func (m *Manager) checkStop(ctx context.Context, now time.Time) bool {
	if m.Closed() {
		return false
	}
	if now.Sub(m.startedAt) > m.cfg.MaxExecutionTime {
		return m.publishStop(schema.StopTimeout)
	}
	if m.kv == nil {
		return false
	}
	set, err := m.kv.Exists(ctx, StopFlagKey(m.runID))
	if err != nil {
		m.logger.Warn("stop flag check failed", slog.String("run_id", m.runID), slog.Any("error", err))
		return false
	}
	if set {
		return m.publishStop(schema.StopUserManual)
	}
	return false
}

func (m *Manager) publishStop(reason schema.StopReason) bool {
	err := m.Publish(schema.Event{Type: schema.EventStopped, StopReason: reason})
	if err == nil {
		m.logger.Info("run stopped", slog.String("run_id", m.runID), slog.String("reason", string(reason)))
	}
	return err == nil
}

func (m *Manager) take() []item {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) == 0 {
		return nil
	}
	batch := m.items
	m.items = nil
	// Once the sentinel is taken nothing further may be delivered.
	for i, it := range batch {
		if it.sentinel {
			return batch[:i+1]
		}
	}
	return batch
}

func (m *Manager) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}
