package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"foreman/internal/broadcast"
	fmerrors "foreman/internal/errors"
	"foreman/internal/logging"
	"foreman/internal/orchestrator"
	"foreman/internal/profile"
	"foreman/internal/queue"
	"foreman/internal/resource"
	"foreman/internal/retrymgr"
	"foreman/internal/scheduler"
	"foreman/internal/store"
	"foreman/internal/strategy"
	"foreman/internal/workorder"
)

// Deps collects the services the coordinator drives. All are constructed at
// the application root; nothing here is a global.
type Deps struct {
	Store        *store.FileStore
	Profiles     *profile.Store
	Facade       *queue.Facade
	Scheduler    *scheduler.Scheduler
	LegacyQueue  *queue.Manager
	Monitor      *resource.Monitor
	Orchestrator *orchestrator.Orchestrator
	Strategies   *strategy.Registry
	Broadcaster  *broadcast.Broadcaster
	Retries      *retrymgr.Manager
	Logger       logging.Logger
}

// SubmitRequest is the validated payload for a new work order.
type SubmitRequest struct {
	Task                string                    `json:"task"`
	Workspace           workorder.WorkspaceSource `json:"workspace"`
	AgentType           string                    `json:"agent_type"`
	MaxIterations       int                       `json:"max_iterations"`
	MaxWallClockSeconds int                       `json:"max_wall_clock_seconds"`
	HarnessProfile      string                    `json:"harness_profile"`
	Priority            int                       `json:"priority"`
	Strategy            *strategy.Config          `json:"strategy,omitempty"`
	ParentID            string                    `json:"parent_id"`
}

// ValidationError lists the request fields that failed validation.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request fields: %v", e.Fields)
}

// ConflictError reports an operation illegal in the resource's current state.
type ConflictError struct {
	ID     string
	Status workorder.Status
	Op     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cannot %s work order %s in status %s", e.Op, e.ID, e.Status)
}

// Coordinator is the application service behind the HTTP API: it owns
// work-order admission, run startup, cancellation tokens, and the glue
// between the queue facade and the orchestrator.
type Coordinator struct {
	deps   Deps
	logger logging.Logger

	mu       sync.Mutex
	machines map[string]*workorder.Machine   // live work-order state machines
	cancels  map[string]context.CancelFunc   // per work-order cancel token
	strats   map[string]strategy.Config      // resolved strategy per work order
	orders   map[string]*workorder.WorkOrder // in-memory view, persisted through
}

// NewCoordinator wires the coordinator and installs itself as the
// scheduler's execution handler.
func NewCoordinator(deps Deps) *Coordinator {
	c := &Coordinator{
		deps:     deps,
		logger:   logging.OrNop(deps.Logger),
		machines: make(map[string]*workorder.Machine),
		cancels:  make(map[string]context.CancelFunc),
		strats:   make(map[string]strategy.Config),
		orders:   make(map[string]*workorder.WorkOrder),
	}
	if deps.Scheduler != nil {
		deps.Scheduler.SetExecutionHandler(c.executeScheduled)
	}
	return c
}

// Restore reloads persisted work orders so positions and cancellation work
// across restarts. Queued orders are re-enqueued through the facade.
func (c *Coordinator) Restore() error {
	orders, err := c.deps.Store.ListWorkOrders()
	if err != nil {
		return err
	}
	for _, wo := range orders {
		c.mu.Lock()
		c.orders[wo.ID] = wo
		c.machines[wo.ID] = workorder.NewMachine(wo.Status)
		c.mu.Unlock()

		if wo.Status == workorder.StatusQueued {
			if _, _, err := c.enqueue(wo); err != nil {
				c.logger.Warn("Re-enqueue %s on restore: %v", wo.ID, err)
			}
		}
	}
	c.logger.Info("Restored %d work orders", len(orders))
	return nil
}

// Submit validates, persists, and enqueues a new work order.
func (c *Coordinator) Submit(req SubmitRequest) (*workorder.WorkOrder, error) {
	if err := c.validate(&req); err != nil {
		return nil, err
	}

	wo := &workorder.WorkOrder{
		ID:                  uuid.NewString(),
		Task:                req.Task,
		Workspace:           req.Workspace,
		AgentType:           req.AgentType,
		MaxIterations:       req.MaxIterations,
		MaxWallClockSeconds: req.MaxWallClockSeconds,
		HarnessProfile:      req.HarnessProfile,
		Priority:            req.Priority,
		ParentID:            req.ParentID,
		Status:              workorder.StatusQueued,
		CreatedAt:           time.Now(),
	}
	if req.ParentID != "" {
		parent, err := c.Get(req.ParentID)
		if err != nil {
			return nil, err
		}
		wo.Depth = parent.Depth + 1
	}

	strategyConfig, err := c.resolveStrategy(&req, wo)
	if err != nil {
		return nil, err
	}

	if err := c.deps.Store.SaveWorkOrder(wo); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.orders[wo.ID] = wo
	c.machines[wo.ID] = workorder.NewMachine(wo.Status)
	c.strats[wo.ID] = strategyConfig
	c.mu.Unlock()

	if _, _, err := c.enqueue(wo); err != nil {
		return nil, err
	}

	c.publish(broadcast.EventWorkOrderCreated, wo.ID, map[string]any{
		"status":   string(wo.Status),
		"task":     wo.Task,
		"priority": wo.Priority,
	})
	c.logger.Info("Submitted work order %s (agent=%s, profile=%q)", wo.ID, wo.AgentType, wo.HarnessProfile)
	return wo, nil
}

func (c *Coordinator) validate(req *SubmitRequest) error {
	var bad []string
	if req.Task == "" {
		bad = append(bad, "task")
	}
	if req.AgentType == "" && req.HarnessProfile == "" {
		bad = append(bad, "agent_type")
	}
	switch req.Workspace.Kind {
	case workorder.WorkspaceLocal:
		if req.Workspace.Path == "" {
			bad = append(bad, "workspace.path")
		}
	case workorder.WorkspaceGitHub:
		if req.Workspace.Owner == "" || req.Workspace.Repo == "" {
			bad = append(bad, "workspace.owner", "workspace.repo")
		}
	case workorder.WorkspaceGitHubNew:
		if req.Workspace.Owner == "" || req.Workspace.Name == "" {
			bad = append(bad, "workspace.owner", "workspace.name")
		}
	default:
		bad = append(bad, "workspace.kind")
	}
	if req.MaxIterations < 0 {
		bad = append(bad, "max_iterations")
	}
	if len(bad) > 0 {
		return &ValidationError{Fields: bad}
	}
	return nil
}

// resolveStrategy merges the harness profile (when referenced) into the
// request and returns the effective strategy config.
func (c *Coordinator) resolveStrategy(req *SubmitRequest, wo *workorder.WorkOrder) (strategy.Config, error) {
	config := strategy.Config{Mode: strategy.ModeFixed}
	if req.HarnessProfile != "" {
		p, err := c.deps.Profiles.Resolve(req.HarnessProfile)
		if err != nil {
			return config, err
		}
		config = p.Strategy
		if wo.AgentType == "" {
			wo.AgentType = p.AgentType
		}
		if wo.MaxIterations == 0 {
			wo.MaxIterations = p.MaxIterations
		}
		if wo.MaxWallClockSeconds == 0 {
			wo.MaxWallClockSeconds = p.MaxWallClockSeconds
		}
	}
	if req.Strategy != nil {
		config = *req.Strategy
	}
	if config.Mode == "" {
		config.Mode = strategy.ModeFixed
	}
	if config.MaxIterations == 0 {
		config.MaxIterations = wo.MaxIterations
	}
	return config, nil
}

func (c *Coordinator) enqueue(wo *workorder.WorkOrder) (scheduler.EnqueueResult, queue.Target, error) {
	c.mu.Lock()
	machine := c.machines[wo.ID]
	c.mu.Unlock()

	qwo := &workorder.QueuedWorkOrder{
		ID:          wo.ID,
		Priority:    wo.Priority,
		SubmittedAt: wo.CreatedAt,
		Machine:     machine,
	}
	result, target, err := c.deps.Facade.Enqueue(qwo)
	if err != nil {
		return result, target, err
	}
	if !result.Accepted {
		return result, target, &fmerrors.QueueFullError{}
	}
	return result, target, nil
}

// Get returns one work order.
func (c *Coordinator) Get(id string) (*workorder.WorkOrder, error) {
	c.mu.Lock()
	wo, ok := c.orders[id]
	c.mu.Unlock()
	if ok {
		return wo, nil
	}
	return c.deps.Store.GetWorkOrder(id)
}

// List returns work orders, optionally filtered by status, with paging.
func (c *Coordinator) List(status workorder.Status, limit, offset int) ([]*workorder.WorkOrder, error) {
	var (
		orders []*workorder.WorkOrder
		err    error
	)
	if status != "" {
		orders, err = c.deps.Store.ListWorkOrdersByStatus(status)
	} else {
		orders, err = c.deps.Store.ListWorkOrders()
	}
	if err != nil {
		return nil, err
	}
	if offset >= len(orders) {
		return []*workorder.WorkOrder{}, nil
	}
	orders = orders[offset:]
	if limit > 0 && limit < len(orders) {
		orders = orders[:limit]
	}
	return orders, nil
}

// Runs returns the runs recorded for a work order.
func (c *Coordinator) Runs(workOrderID string) ([]*workorder.Run, error) {
	return c.deps.Store.ListRuns(workOrderID)
}

// Run returns one run by id.
func (c *Coordinator) Run(id string) (*workorder.Run, error) {
	return c.deps.Store.GetRun(id)
}

// AllRuns returns every recorded run, oldest first.
func (c *Coordinator) AllRuns() ([]*workorder.Run, error) {
	return c.deps.Store.ListRuns("")
}

// Iterations returns a run's iteration records in order.
func (c *Coordinator) Iterations(runID string) ([]*workorder.IterationData, error) {
	return c.deps.Store.ListIterations(runID)
}

// Detail is the work-order detail view: the order, its runs, the resolved
// harness profile when one is referenced, and the live queue position.
type Detail struct {
	WorkOrder *workorder.WorkOrder     `json:"work_order"`
	Runs      []*workorder.Run         `json:"runs"`
	Profile   *profile.Profile         `json:"harness_profile,omitempty"`
	Position  *workorder.QueuePosition `json:"queue_position,omitempty"`
}

// GetDetail assembles the detail view for one work order.
func (c *Coordinator) GetDetail(id string) (*Detail, error) {
	wo, err := c.Get(id)
	if err != nil {
		return nil, err
	}
	runs, err := c.deps.Store.ListRuns(id)
	if err != nil {
		return nil, err
	}
	detail := &Detail{WorkOrder: wo, Runs: runs}
	if wo.HarnessProfile != "" {
		if p, err := c.deps.Profiles.Resolve(wo.HarnessProfile); err == nil {
			detail.Profile = p
		}
	}
	if pos, ok := c.deps.Facade.Position(id); ok {
		detail.Position = &pos
	}
	return detail, nil
}

// Position reports the queue position for a work order.
func (c *Coordinator) Position(id string) (workorder.QueuePosition, bool) {
	return c.deps.Facade.Position(id)
}

// Cancel transitions the work order to canceled, trips its cancel token, and
// removes it from the queue. Terminal work orders return ConflictError.
func (c *Coordinator) Cancel(id string) error {
	wo, err := c.Get(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	machine, ok := c.machines[id]
	if !ok {
		machine = workorder.NewMachine(wo.Status)
		c.machines[id] = machine
	}
	cancel := c.cancels[id]
	c.mu.Unlock()

	if machine.IsTerminal() {
		return &ConflictError{ID: id, Status: machine.Current(), Op: "cancel"}
	}
	if err := machine.TransitionTo(workorder.StatusCanceled); err != nil {
		return err
	}

	// Trip the token first so a running orchestrator aborts promptly.
	if cancel != nil {
		cancel()
	}
	c.deps.Scheduler.Remove(id)
	c.deps.LegacyQueue.Complete(id)
	c.deps.Retries.Cancel(id)

	c.finalize(wo, workorder.StatusCanceled)
	c.logger.Info("Canceled work order %s", id)
	return nil
}

// Kill is cancellation for stuck runs: same path as Cancel, but tolerated on
// any non-terminal state and logged louder.
func (c *Coordinator) Kill(id string) error {
	if err := c.Cancel(id); err != nil {
		return err
	}
	c.logger.Warn("Force-killed work order %s", id)
	return nil
}

// StartRun begins a run for a queued or previously failed work order.
// Returns ConflictError otherwise.
func (c *Coordinator) StartRun(id string) (*workorder.Run, error) {
	wo, err := c.Get(id)
	if err != nil {
		return nil, err
	}
	if wo.Status != workorder.StatusQueued && wo.Status != workorder.StatusFailed {
		return nil, &ConflictError{ID: id, Status: wo.Status, Op: "start run"}
	}
	if wo.Status == workorder.StatusFailed {
		// Resubmission: failed -> queued is a legal transition.
		c.mu.Lock()
		machine := c.machines[id]
		if machine == nil {
			machine = workorder.NewMachine(wo.Status)
			c.machines[id] = machine
		}
		c.mu.Unlock()
		if err := machine.TransitionTo(workorder.StatusQueued); err != nil {
			return nil, err
		}
		wo.Status = workorder.StatusQueued
		if _, _, err := c.enqueue(wo); err != nil {
			return nil, err
		}
		if err := c.deps.Store.SaveWorkOrder(wo); err != nil {
			return nil, err
		}
	}

	run := &workorder.Run{
		ID:          uuid.NewString(),
		WorkOrderID: wo.ID,
		State:       workorder.RunQueued,
		StartedAt:   time.Now(),
	}
	if err := c.deps.Store.SaveRun(run); err != nil {
		return nil, err
	}
	return run, nil
}

// executeScheduled is the scheduler's execution handler: it owns the slot
// for the duration of the run and releases it on every path out.
func (c *Coordinator) executeScheduled(ctx context.Context, qwo *workorder.QueuedWorkOrder, slot *resource.Slot) {
	defer c.deps.Monitor.ReleaseSlot(slot)
	defer c.deps.Scheduler.MarkDone(qwo.ID)
	c.Execute(ctx, qwo.ID)
}

// ExecuteQueued adapts Execute to the auto-processor's runner signature for
// the legacy path. The legacy path acquires its own slot; when none is
// available (the scheduler shares the monitor in shadow and partial phases)
// it reports not-started so the drainer requeues instead of completing.
func (c *Coordinator) ExecuteQueued(ctx context.Context, qwo *workorder.QueuedWorkOrder) bool {
	slot := c.deps.Monitor.AcquireSlot(qwo.ID)
	if slot == nil {
		c.logger.Warn("No slot for legacy dispatch of %s, requeueing", qwo.ID)
		return false
	}
	defer c.deps.Monitor.ReleaseSlot(slot)
	c.Execute(ctx, qwo.ID)
	return true
}

// Execute runs one work order end to end: state transitions, strategy
// construction, orchestrator loop, retry scheduling on retryable failures.
func (c *Coordinator) Execute(parent context.Context, id string) {
	wo, err := c.Get(id)
	if err != nil {
		c.logger.Error("Execute %s: %v", id, err)
		return
	}

	c.mu.Lock()
	machine, ok := c.machines[id]
	if !ok {
		machine = workorder.NewMachine(wo.Status)
		c.machines[id] = machine
	}
	strategyConfig, hasStrategy := c.strats[id]
	c.mu.Unlock()

	if machine.IsTerminal() {
		return
	}
	if machine.Current() == workorder.StatusQueued {
		if err := machine.TransitionTo(workorder.StatusRunning); err != nil {
			c.logger.Error("Execute %s: %v", id, err)
			return
		}
	}
	wo.Status = machine.Current()
	if err := c.deps.Store.SaveWorkOrder(wo); err != nil {
		c.logger.Error("Persist %s: %v", id, err)
	}
	c.publish(broadcast.EventWorkOrderUpdated, id, map[string]any{"status": string(wo.Status)})

	if !hasStrategy {
		strategyConfig = strategy.Config{Mode: strategy.ModeFixed, MaxIterations: wo.MaxIterations}
	}
	strat, err := c.deps.Strategies.Create(strategyConfig)
	if err != nil {
		c.logger.Error("Strategy for %s: %v", id, err)
		c.settleWorkOrder(wo, machine, workorder.StatusFailed)
		return
	}

	ctx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	c.cancels[id] = cancel
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		delete(c.cancels, id)
		c.mu.Unlock()
	}()

	// Adopt the run record StartRun persisted, if one is waiting; otherwise
	// this is a direct dispatch and the run is born here.
	run := c.pendingRun(id)
	if run == nil {
		run = &workorder.Run{
			ID:          uuid.NewString(),
			WorkOrderID: id,
		}
	}
	run.State = workorder.RunLeased
	run.StartedAt = time.Now()
	if err := c.deps.Store.SaveRun(run); err != nil {
		c.logger.Error("Persist run %s: %v", run.ID, err)
	}
	outcome := c.deps.Orchestrator.RunLoop(ctx, wo, run, strat)

	switch outcome.Result {
	case workorder.ResultPassed:
		c.deps.Retries.RecordSuccess(id)
		c.settleWorkOrder(wo, machine, workorder.StatusSucceeded)
	case workorder.ResultCancelled:
		if !machine.IsTerminal() {
			c.settleWorkOrder(wo, machine, workorder.StatusCanceled)
		} else {
			c.finalize(wo, machine.Current())
		}
	default:
		c.settleWorkOrder(wo, machine, workorder.StatusFailed)
		c.maybeRetry(wo)
	}
}

// pendingRun returns the newest still-queued run record for the work order.
// Dispatch adopts it so the id StartRun handed the client is the run that
// actually executes.
func (c *Coordinator) pendingRun(id string) *workorder.Run {
	runs, err := c.deps.Store.ListRuns(id)
	if err != nil {
		c.logger.Warn("List runs for %s: %v", id, err)
		return nil
	}
	for i := len(runs) - 1; i >= 0; i-- {
		if runs[i].State == workorder.RunQueued {
			return runs[i]
		}
	}
	return nil
}

// maybeRetry schedules a resubmission with backoff for failed runs.
func (c *Coordinator) maybeRetry(wo *workorder.WorkOrder) {
	if c.deps.Retries == nil {
		return
	}
	_, err := c.deps.Retries.Schedule(wo.ID, func(attempt workorder.RetryAttempt) {
		c.logger.Info("Retrying work order %s (attempt %d)", wo.ID, attempt.AttemptNumber)
		if _, err := c.StartRun(wo.ID); err != nil {
			c.logger.Warn("Retry of %s: %v", wo.ID, err)
		}
	})
	if err != nil {
		c.logger.Debug("No retry for %s: %v", wo.ID, err)
	}
}

func (c *Coordinator) settleWorkOrder(wo *workorder.WorkOrder, machine *workorder.Machine, target workorder.Status) {
	if machine.Current() != target {
		if err := machine.TransitionTo(target); err != nil {
			c.logger.Warn("Work order %s: %v", wo.ID, err)
			return
		}
	}
	c.finalize(wo, target)
}

func (c *Coordinator) finalize(wo *workorder.WorkOrder, status workorder.Status) {
	wo.Status = status
	if workorder.IsTerminalStatus(status) && wo.CompletedAt == nil {
		now := time.Now()
		wo.CompletedAt = &now
	}
	if err := c.deps.Store.SaveWorkOrder(wo); err != nil {
		c.logger.Error("Persist %s: %v", wo.ID, err)
	}
	c.publish(broadcast.EventWorkOrderUpdated, wo.ID, map[string]any{"status": string(status)})
}

func (c *Coordinator) publish(t broadcast.EventType, workOrderID string, data map[string]any) {
	if c.deps.Broadcaster == nil {
		return
	}
	c.deps.Broadcaster.Publish(broadcast.NewEvent(t, workOrderID, data))
}

// Broadcaster exposes the event fan-out for the transport layer.
func (c *Coordinator) Broadcaster() *broadcast.Broadcaster {
	return c.deps.Broadcaster
}

// Facade exposes the rollout facade for the queue endpoints.
func (c *Coordinator) Facade() *queue.Facade {
	return c.deps.Facade
}

// Stats aggregates queue and broadcaster statistics for introspection
// endpoints.
type Stats struct {
	Scheduler   scheduler.Stats          `json:"scheduler"`
	Legacy      queue.Stats              `json:"legacy"`
	Rollout     queue.Status             `json:"rollout"`
	Broadcaster broadcast.BroadcastStats `json:"broadcaster"`
}

// GetStats returns a combined stats snapshot.
func (c *Coordinator) GetStats() Stats {
	s := Stats{
		Rollout: c.deps.Facade.GetStatus(),
	}
	if c.deps.Scheduler != nil {
		s.Scheduler = c.deps.Scheduler.GetStats()
	}
	if c.deps.LegacyQueue != nil {
		s.Legacy = c.deps.LegacyQueue.GetStats()
	}
	if c.deps.Broadcaster != nil {
		s.Broadcaster = c.deps.Broadcaster.Stats()
	}
	return s
}
