package retrymgr

import (
	"sync"
	"time"

	fmerrors "foreman/internal/errors"
	"foreman/internal/logging"
	"foreman/internal/workorder"
)

// Config configures the retry manager.
type Config struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64
}

// DefaultConfig returns the retry manager defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		BaseDelay:    5 * time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2,
		JitterFactor: 0.25,
	}
}

type pendingRetry struct {
	attempt   workorder.RetryAttempt
	timer     *time.Timer
	cancelled bool
}

// Manager schedules delayed retries for failed work orders. At most one
// pending retry exists per work-order id; Cancel and CancelAll synchronously
// prevent scheduled callbacks from acting.
type Manager struct {
	mu      sync.Mutex
	config  Config
	pending map[string]*pendingRetry
	history map[string]int // id -> completed attempts
	logger  logging.Logger
}

// NewManager creates a retry manager.
func NewManager(config Config, logger logging.Logger) *Manager {
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultConfig().MaxRetries
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = DefaultConfig().BaseDelay
	}
	return &Manager{
		config:  config,
		pending: make(map[string]*pendingRetry),
		history: make(map[string]int),
		logger:  logging.OrNop(logger),
	}
}

// Schedule queues fn to run after the backoff delay for the next attempt.
// Returns the scheduled attempt, or an error when a retry is already pending
// or the retry budget is exhausted.
func (m *Manager) Schedule(id string, fn func(attempt workorder.RetryAttempt)) (workorder.RetryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pending[id]; exists {
		return workorder.RetryAttempt{}, &fmerrors.AlreadyEnqueuedError{ID: id}
	}

	attemptNumber := m.history[id] + 1
	if attemptNumber > m.config.MaxRetries {
		return workorder.RetryAttempt{}, &fmerrors.ResourceExhaustedError{
			Resource: "retries for " + id,
			Limit:    m.config.MaxRetries,
		}
	}

	delay := fmerrors.BackoffDelay(attemptNumber, fmerrors.RetryConfig{
		BaseDelay:    m.config.BaseDelay,
		MaxDelay:     m.config.MaxDelay,
		Multiplier:   m.config.Multiplier,
		JitterFactor: m.config.JitterFactor,
	})

	attempt := workorder.RetryAttempt{
		WorkOrderID:   id,
		AttemptNumber: attemptNumber,
		Delay:         delay,
		ScheduledAt:   time.Now(),
	}

	p := &pendingRetry{attempt: attempt}
	p.timer = time.AfterFunc(delay, func() {
		m.fire(id, p, fn)
	})
	m.pending[id] = p
	m.history[id] = attemptNumber

	m.logger.Info("Scheduled retry %d/%d for %s in %v", attemptNumber, m.config.MaxRetries, id, delay)
	return attempt, nil
}

// fire runs the callback unless the retry was cancelled. The cancelled flag is
// re-checked under the lock so Cancel racing the timer always wins.
func (m *Manager) fire(id string, p *pendingRetry, fn func(workorder.RetryAttempt)) {
	m.mu.Lock()
	if p.cancelled {
		m.mu.Unlock()
		return
	}
	delete(m.pending, id)
	attempt := p.attempt
	m.mu.Unlock()

	m.logger.Debug("Firing retry %d for %s", attempt.AttemptNumber, id)
	fn(attempt)
}

// Cancel atomically prevents a pending retry for id from firing.
// Returns true when a pending retry was cancelled.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelLocked(id)
}

func (m *Manager) cancelLocked(id string) bool {
	p, exists := m.pending[id]
	if !exists {
		return false
	}
	p.cancelled = true
	p.timer.Stop()
	delete(m.pending, id)
	m.logger.Debug("Cancelled pending retry for %s", id)
	return true
}

// CancelAll cancels every pending retry.
func (m *Manager) CancelAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cancelled := 0
	for id := range m.pending {
		if m.cancelLocked(id) {
			cancelled++
		}
	}
	if cancelled > 0 {
		m.logger.Info("Cancelled %d pending retries", cancelled)
	}
	return cancelled
}

// RecordSuccess clears retry history for id and drops any pending retry.
func (m *Manager) RecordSuccess(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked(id)
	delete(m.history, id)
}

// Attempts returns the number of attempts recorded for id.
func (m *Manager) Attempts(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history[id]
}

// PendingCount returns the number of pending retries.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
