package workorder

import (
	"sync"

	fmerrors "foreman/internal/errors"
)

// statusTransitions is the allowed transition set for work-order statuses.
// Cancellation from any non-terminal state is handled separately.
var statusTransitions = map[Status][]Status{
	StatusQueued:             {StatusRunning, StatusFailed},
	StatusRunning:            {StatusWaitingForChildren, StatusIntegrating, StatusSucceeded, StatusFailed},
	StatusWaitingForChildren: {StatusIntegrating, StatusRunning, StatusFailed},
	StatusIntegrating:        {StatusSucceeded, StatusFailed},
	StatusSucceeded:          {},
	StatusFailed:             {StatusQueued}, // re-submission for retry
	StatusCanceled:           {},
}

// runTransitions is the allowed transition set for run states. The
// snapshot -> agent -> verify cycle loops through feedback back to
// snapshotting for the next iteration.
var runTransitions = map[RunState][]RunState{
	RunQueued:       {RunLeased},
	RunLeased:       {RunSnapshotting, RunBuilding},
	RunSnapshotting: {RunBuilding, RunFailed},
	RunBuilding:     {RunVerifying, RunFailed},
	RunVerifying:    {RunFeedback, RunPRCreated, RunSucceeded, RunFailed},
	RunFeedback:     {RunSnapshotting, RunSucceeded, RunFailed},
	RunPRCreated:    {RunCIPolling, RunFailed},
	RunCIPolling:    {RunSucceeded, RunFailed},
	RunSucceeded:    {},
	RunFailed:       {},
	RunCanceled:     {},
}

// IsTerminalStatus reports whether a work-order status is terminal.
func IsTerminalStatus(s Status) bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// IsTerminalRunState reports whether a run state is terminal.
func IsTerminalRunState(s RunState) bool {
	switch s {
	case RunSucceeded, RunFailed, RunCanceled:
		return true
	default:
		return false
	}
}

// Machine serializes status transitions for a single work order. All status
// writes go through TransitionTo so legality is asserted in one place.
type Machine struct {
	mu      sync.Mutex
	current Status
}

// NewMachine creates a state machine starting at the given status.
func NewMachine(initial Status) *Machine {
	return &Machine{current: initial}
}

// Current returns the current status.
func (m *Machine) Current() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// IsTerminal reports whether the machine reached a terminal status.
func (m *Machine) IsTerminal() bool {
	return IsTerminalStatus(m.Current())
}

// TransitionTo moves to target iff (current, target) is in the allowed set.
// Cancellation is always legal from any non-terminal state.
func (m *Machine) TransitionTo(target Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if target == StatusCanceled {
		if IsTerminalStatus(m.current) {
			return &fmerrors.IllegalTransitionError{Entity: "work_order", From: string(m.current), To: string(target)}
		}
		m.current = target
		return nil
	}

	for _, allowed := range statusTransitions[m.current] {
		if allowed == target {
			m.current = target
			return nil
		}
	}
	return &fmerrors.IllegalTransitionError{Entity: "work_order", From: string(m.current), To: string(target)}
}

// RunMachine serializes state transitions for a single run.
type RunMachine struct {
	mu      sync.Mutex
	current RunState
}

// NewRunMachine creates a run state machine starting at the given state.
func NewRunMachine(initial RunState) *RunMachine {
	return &RunMachine{current: initial}
}

// Current returns the current run state.
func (m *RunMachine) Current() RunState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// IsTerminal reports whether the run reached a terminal state.
func (m *RunMachine) IsTerminal() bool {
	return IsTerminalRunState(m.Current())
}

// TransitionTo moves to target iff the transition is allowed. Cancellation is
// always legal from any non-terminal state.
func (m *RunMachine) TransitionTo(target RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if target == RunCanceled {
		if IsTerminalRunState(m.current) {
			return &fmerrors.IllegalTransitionError{Entity: "run", From: string(m.current), To: string(target)}
		}
		m.current = target
		return nil
	}

	for _, allowed := range runTransitions[m.current] {
		if allowed == target {
			m.current = target
			return nil
		}
	}
	return &fmerrors.IllegalTransitionError{Entity: "run", From: string(m.current), To: string(target)}
}
