package autoprocessor

import (
	"context"
	"sync"
	"time"

	"foreman/internal/logging"
	"foreman/internal/queue"
	"foreman/internal/resource"
	"foreman/internal/workorder"
)

// Runner executes a queued work order. Invoked on its own goroutine. It
// reports whether the run actually started: started runs are marked complete
// when the runner returns, unstarted ones go back to the queue.
type Runner func(ctx context.Context, qwo *workorder.QueuedWorkOrder) bool

// Config tunes the background drainer.
type Config struct {
	Enabled              bool
	PollInterval         time.Duration
	StaggerDelay         time.Duration
	MinAvailableMemoryMB int
	StopGrace            time.Duration
}

// DefaultConfig returns drainer defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		PollInterval: time.Second,
		StopGrace:    30 * time.Second,
	}
}

// AutoProcessor drains the legacy queue: each tick it starts the oldest
// queued work order, gated on slot availability and a minimum of free
// memory. It is the legacy counterpart of the scheduler's poll loop and
// serves the facade's legacy path.
type AutoProcessor struct {
	config  Config
	queue   *queue.Manager
	monitor *resource.Monitor
	runner  Runner
	logger  logging.Logger

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	loopDone chan struct{}
	inFlight sync.WaitGroup
}

// New creates the drainer.
func New(config Config, q *queue.Manager, monitor *resource.Monitor, runner Runner, logger logging.Logger) *AutoProcessor {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.StopGrace <= 0 {
		config.StopGrace = DefaultConfig().StopGrace
	}
	return &AutoProcessor{
		config:  config,
		queue:   q,
		monitor: monitor,
		runner:  runner,
		logger:  logging.OrNop(logger),
	}
}

// Start launches the drain loop. Disabled or already-started processors
// return immediately.
func (p *AutoProcessor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.config.Enabled || p.started {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.loopDone = make(chan struct{})
	p.started = true

	go p.loop(ctx, p.loopDone)
	p.logger.Info("Auto-processor started (poll=%v, minFreeMem=%dMB)", p.config.PollInterval, p.config.MinAvailableMemoryMB)
}

// Stop halts the loop and waits up to StopGrace for in-flight work orders.
func (p *AutoProcessor) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	cancel := p.cancel
	done := p.loopDone
	p.mu.Unlock()

	cancel()
	<-done

	finished := make(chan struct{})
	go func() {
		p.inFlight.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		p.logger.Info("Auto-processor stopped, all runs finished")
	case <-time.After(p.config.StopGrace):
		p.logger.Warn("Auto-processor stopped with runs still in flight after %v", p.config.StopGrace)
	}
}

func (p *AutoProcessor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// tick starts at most one work order: the oldest queued one, if resources
// allow.
func (p *AutoProcessor) tick(ctx context.Context) {
	if !p.monitor.CanStart() {
		return
	}
	if minFree := p.config.MinAvailableMemoryMB; minFree > 0 && p.monitor.AvailableMemoryMB() < minFree {
		p.logger.Debug("Deferring dispatch: available memory below %dMB", minFree)
		return
	}

	head := p.queue.Oldest()
	if head == nil {
		return
	}
	qwo := p.queue.MarkRunning(head.ID)
	if qwo == nil {
		return
	}

	if p.config.StaggerDelay > 0 {
		select {
		case <-time.After(p.config.StaggerDelay):
		case <-ctx.Done():
			p.queue.Requeue(qwo.ID)
			return
		}
	}

	p.logger.Info("Auto-processing %s", qwo.ID)
	p.inFlight.Add(1)
	go func() {
		defer p.inFlight.Done()
		if p.runner(ctx, qwo) {
			p.queue.Complete(qwo.ID)
		} else {
			p.queue.Requeue(qwo.ID)
		}
	}()
}

// Running reports whether the loop is active.
func (p *AutoProcessor) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
