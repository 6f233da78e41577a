package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	fmerrors "foreman/internal/errors"
	"foreman/internal/logging"
	"foreman/internal/resource"
	"foreman/internal/workorder"
)

// ExecutionHandler runs a dispatched work order. It owns the slot and must
// release it through the monitor when done. Runs on its own goroutine; the
// scheduler never blocks on it.
type ExecutionHandler func(ctx context.Context, qwo *workorder.QueuedWorkOrder, slot *resource.Slot)

// EventSink receives scheduler notifications (backpressure, dispatch).
type EventSink func(event string, fields map[string]any)

// Config configures the scheduler.
type Config struct {
	Mode          Mode
	MaxQueueDepth int
	PollInterval  time.Duration
	StaggerDelay  time.Duration
}

// DefaultConfig returns scheduler defaults.
func DefaultConfig() Config {
	return Config{
		Mode:          ModeFIFO,
		MaxQueueDepth: 100,
		PollInterval:  250 * time.Millisecond,
		StaggerDelay:  0,
	}
}

// EnqueueResult reports the outcome of an enqueue attempt.
type EnqueueResult struct {
	Accepted bool   `json:"accepted"`
	Position int    `json:"position,omitempty"` // 1-based when accepted
	Reason   string `json:"reason,omitempty"`
}

// Scheduler owns the admission queue and the dispatch poll loop. Each tick it
// dispatches queued work orders for as long as both work and slots exist.
type Scheduler struct {
	mu      sync.Mutex
	config  Config
	queue   *workQueue
	running map[string]*workorder.QueuedWorkOrder
	handler ExecutionHandler
	monitor *resource.Monitor
	events  EventSink
	logger  logging.Logger
	metrics *Metrics

	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	stopped  bool
	loopDone chan struct{}
}

// New creates a scheduler on top of the given resource monitor.
func New(config Config, monitor *resource.Monitor, logger logging.Logger) *Scheduler {
	if config.MaxQueueDepth <= 0 {
		config.MaxQueueDepth = DefaultConfig().MaxQueueDepth
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.Mode == "" {
		config.Mode = ModeFIFO
	}
	return &Scheduler{
		config:  config,
		queue:   newWorkQueue(config.Mode),
		running: make(map[string]*workorder.QueuedWorkOrder),
		monitor: monitor,
		logger:  logging.OrNop(logger),
		metrics: defaultMetrics(),
	}
}

// SetExecutionHandler installs the dispatch callback. Required before Start.
func (s *Scheduler) SetExecutionHandler(handler ExecutionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// SetEventSink installs an optional notification callback.
func (s *Scheduler) SetEventSink(sink EventSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = sink
}

// SetMetrics overrides the default metrics instance (tests use a fresh registry).
func (s *Scheduler) SetMetrics(m *Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// Enqueue inserts a work order. Returns a rejected result and emits a
// backpressure event when the queue is at MaxQueueDepth.
func (s *Scheduler) Enqueue(qwo *workorder.QueuedWorkOrder) (EnqueueResult, error) {
	s.mu.Lock()

	if s.queue.contains(qwo.ID) || s.running[qwo.ID] != nil {
		s.mu.Unlock()
		return EnqueueResult{Accepted: false, Reason: "already enqueued"},
			&fmerrors.AlreadyEnqueuedError{ID: qwo.ID}
	}

	depth := s.queue.len()
	if depth >= s.config.MaxQueueDepth {
		events := s.events
		s.mu.Unlock()
		s.metrics.IncRejected()
		s.logger.Warn("Backpressure: queue depth %d >= max %d, rejecting %s", depth, s.config.MaxQueueDepth, qwo.ID)
		if events != nil {
			events("backpressure", map[string]any{"depth": depth, "work_order_id": qwo.ID})
		}
		return EnqueueResult{Accepted: false, Reason: "queue full"},
			&fmerrors.QueueFullError{Depth: depth, MaxDepth: s.config.MaxQueueDepth}
	}

	qwo.QueueState = workorder.PositionWaiting
	s.queue.push(qwo)
	position := s.queue.position(qwo.ID)
	s.mu.Unlock()

	s.metrics.SetQueueDepth(depth + 1)
	s.logger.Debug("Enqueued %s (priority=%d, position=%d)", qwo.ID, qwo.Priority, position)
	return EnqueueResult{Accepted: true, Position: position}, nil
}

// Remove drops a queued (not yet dispatched) work order.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.queue.remove(id) != nil
	if removed {
		s.metrics.SetQueueDepth(s.queue.len())
	}
	return removed
}

// Start launches the poll loop. Idempotent. Fails when no execution handler
// was installed.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.handler == nil {
		return fmt.Errorf("scheduler: execution handler required before Start")
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.started = true
	s.stopped = false
	s.loopDone = make(chan struct{})

	go s.pollLoop(s.ctx, s.loopDone)
	s.logger.Info("Scheduler started (mode=%s, maxDepth=%d, poll=%v)", s.config.Mode, s.config.MaxQueueDepth, s.config.PollInterval)
	return nil
}

// Stop halts polling. Queued work stays queued; in-flight handlers keep
// running. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.started = false
	cancel := s.cancel
	done := s.loopDone
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.dispatchTick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// dispatchTick dispatches while queued work and slots are both available.
// A failed slot acquisition stops the tick; the head item keeps its turn.
func (s *Scheduler) dispatchTick(ctx context.Context) {
	for {
		s.mu.Lock()
		head := s.queue.peek()
		if head == nil {
			s.mu.Unlock()
			return
		}

		slot := s.monitor.AcquireSlot(head.ID)
		if slot == nil {
			s.mu.Unlock()
			return
		}

		qwo := s.queue.pop()
		qwo.QueueState = workorder.PositionRunning
		s.running[qwo.ID] = qwo
		handler := s.handler
		events := s.events
		depth := s.queue.len()
		s.mu.Unlock()

		s.metrics.SetQueueDepth(depth)
		s.metrics.IncDispatched()
		s.logger.Info("Dispatching %s (queue depth now %d)", qwo.ID, depth)
		if events != nil {
			events("dispatched", map[string]any{"work_order_id": qwo.ID, "depth": depth})
		}

		go handler(ctx, qwo, slot)

		// Stagger consecutive dispatches to avoid thundering-herd startups.
		if s.config.StaggerDelay > 0 {
			select {
			case <-time.After(s.config.StaggerDelay):
			case <-ctx.Done():
				return
			}
		}
	}
}

// MarkDone removes id from the running set. Called by the coordinator once a
// handler finishes.
func (s *Scheduler) MarkDone(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
}

// Position reports the queue position for id.
func (s *Scheduler) Position(id string) (workorder.QueuePosition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if qwo, ok := s.running[id]; ok {
		return workorder.QueuePosition{
			Position:   0,
			Ahead:      0,
			State:      workorder.PositionRunning,
			EnqueuedAt: qwo.SubmittedAt,
		}, true
	}

	pos := s.queue.position(id)
	if pos == 0 {
		return workorder.QueuePosition{}, false
	}
	item := s.queue.byID[id]
	return workorder.QueuePosition{
		Position:        pos,
		Ahead:           pos - 1,
		State:           workorder.PositionWaiting,
		EnqueuedAt:      item.qwo.SubmittedAt,
		EstimatedWaitMs: int64(pos-1) * s.config.PollInterval.Milliseconds(),
	}, true
}

// Stats is a point-in-time queue summary.
type Stats struct {
	Mode         Mode `json:"mode"`
	QueueDepth   int  `json:"queue_depth"`
	MaxDepth     int  `json:"max_depth"`
	Running      int  `json:"running"`
	MaxSlots     int  `json:"max_slots"`
	Started      bool `json:"started"`
	PollInterval int64 `json:"poll_interval_ms"`
}

// GetStats returns current queue statistics.
func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Mode:         s.config.Mode,
		QueueDepth:   s.queue.len(),
		MaxDepth:     s.config.MaxQueueDepth,
		Running:      len(s.running),
		MaxSlots:     s.monitor.MaxSlots(),
		Started:      s.started,
		PollInterval: s.config.PollInterval.Milliseconds(),
	}
}

// QueueDepth returns the number of waiting items.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.len()
}

// Healthy reports whether the poll loop is running.
func (s *Scheduler) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}
