package queue

import (
	"sync"
	"time"

	fmerrors "foreman/internal/errors"
	"foreman/internal/logging"
	"foreman/internal/scheduler"
	"foreman/internal/workorder"
)

// ManagerConfig configures the legacy queue manager.
type ManagerConfig struct {
	MaxQueueDepth int
}

// Manager is the legacy single-queue admission path: a plain FIFO plus a
// running set. It does no dispatching of its own; the auto-processor drains
// it. Preserved behind the facade for the rollout story.
type Manager struct {
	mu       sync.Mutex
	config   ManagerConfig
	waiting  []*workorder.QueuedWorkOrder
	running  map[string]*workorder.QueuedWorkOrder
	enqueued map[string]bool
	logger   logging.Logger
	healthy  bool
}

// NewManager creates the legacy queue manager.
func NewManager(config ManagerConfig, logger logging.Logger) *Manager {
	if config.MaxQueueDepth <= 0 {
		config.MaxQueueDepth = 100
	}
	return &Manager{
		config:   config,
		running:  make(map[string]*workorder.QueuedWorkOrder),
		enqueued: make(map[string]bool),
		logger:   logging.OrNop(logger),
		healthy:  true,
	}
}

// Enqueue appends to the FIFO. Mirrors the scheduler's enqueue contract so
// the facade can treat both systems uniformly.
func (m *Manager) Enqueue(qwo *workorder.QueuedWorkOrder) (scheduler.EnqueueResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.enqueued[qwo.ID] {
		return scheduler.EnqueueResult{Accepted: false, Reason: "already enqueued"},
			&fmerrors.AlreadyEnqueuedError{ID: qwo.ID}
	}
	if len(m.waiting) >= m.config.MaxQueueDepth {
		m.logger.Warn("Legacy queue full: depth %d >= max %d", len(m.waiting), m.config.MaxQueueDepth)
		return scheduler.EnqueueResult{Accepted: false, Reason: "queue full"},
			&fmerrors.QueueFullError{Depth: len(m.waiting), MaxDepth: m.config.MaxQueueDepth}
	}

	qwo.QueueState = workorder.PositionWaiting
	m.waiting = append(m.waiting, qwo)
	m.enqueued[qwo.ID] = true
	m.logger.Debug("Legacy enqueue %s (position %d)", qwo.ID, len(m.waiting))
	return scheduler.EnqueueResult{Accepted: true, Position: len(m.waiting)}, nil
}

// Oldest returns the head of the FIFO without removing it.
func (m *Manager) Oldest() *workorder.QueuedWorkOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.waiting) == 0 {
		return nil
	}
	return m.waiting[0]
}

// MarkRunning removes id from the FIFO and records it as running.
func (m *Manager) MarkRunning(id string) *workorder.QueuedWorkOrder {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, qwo := range m.waiting {
		if qwo.ID == id {
			m.waiting = append(m.waiting[:i], m.waiting[i+1:]...)
			qwo.QueueState = workorder.PositionRunning
			m.running[id] = qwo
			return qwo
		}
	}
	return nil
}

// Requeue returns a claimed entry to the head of the FIFO, for dispatches
// that could not start. Unclaimed ids are ignored.
func (m *Manager) Requeue(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	qwo, ok := m.running[id]
	if !ok {
		return
	}
	delete(m.running, id)
	qwo.QueueState = workorder.PositionWaiting
	m.waiting = append([]*workorder.QueuedWorkOrder{qwo}, m.waiting...)
	m.logger.Debug("Requeued %s at head of legacy queue", id)
}

// Complete drops id from the running set (or the FIFO, for cancellations).
func (m *Manager) Complete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.running, id)
	delete(m.enqueued, id)
	for i, qwo := range m.waiting {
		if qwo.ID == id {
			m.waiting = append(m.waiting[:i], m.waiting[i+1:]...)
			break
		}
	}
}

// Position reports the 1-based FIFO position for id.
func (m *Manager) Position(id string) (workorder.QueuePosition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if qwo, ok := m.running[id]; ok {
		return workorder.QueuePosition{
			State:      workorder.PositionRunning,
			EnqueuedAt: qwo.SubmittedAt,
		}, true
	}
	for i, qwo := range m.waiting {
		if qwo.ID == id {
			return workorder.QueuePosition{
				Position:   i + 1,
				Ahead:      i,
				State:      workorder.PositionWaiting,
				EnqueuedAt: qwo.SubmittedAt,
			}, true
		}
	}
	return workorder.QueuePosition{}, false
}

// Depth returns the number of waiting entries.
func (m *Manager) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiting)
}

// RunningCount returns the number of running entries.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// Healthy reports whether the manager accepts work.
func (m *Manager) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// SetHealthy toggles availability (used by shutdown and tests).
func (m *Manager) SetHealthy(healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
}

// Snapshot returns the waiting ids in FIFO order.
func (m *Manager) Snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(m.waiting))
	for i, qwo := range m.waiting {
		ids[i] = qwo.ID
	}
	return ids
}

// Stats summarizes the legacy queue.
type Stats struct {
	Depth    int       `json:"depth"`
	MaxDepth int       `json:"max_depth"`
	Running  int       `json:"running"`
	Healthy  bool      `json:"healthy"`
	Oldest   time.Time `json:"oldest_submitted_at,omitzero"`
}

// GetStats returns current legacy queue statistics.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{
		Depth:    len(m.waiting),
		MaxDepth: m.config.MaxQueueDepth,
		Running:  len(m.running),
		Healthy:  m.healthy,
	}
	if len(m.waiting) > 0 {
		stats.Oldest = m.waiting[0].SubmittedAt
	}
	return stats
}
