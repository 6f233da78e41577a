package workorder

import (
	"errors"
	"testing"

	fmerrors "foreman/internal/errors"
)

func TestMachine_HappyPath(t *testing.T) {
	m := NewMachine(StatusQueued)

	for _, target := range []Status{StatusRunning, StatusSucceeded} {
		if err := m.TransitionTo(target); err != nil {
			t.Fatalf("TransitionTo(%s): %v", target, err)
		}
	}
	if !m.IsTerminal() {
		t.Error("expected terminal after succeeded")
	}
}

func TestMachine_IllegalTransition(t *testing.T) {
	m := NewMachine(StatusQueued)

	err := m.TransitionTo(StatusSucceeded)
	if err == nil {
		t.Fatal("expected illegal transition error")
	}

	var illegal *fmerrors.IllegalTransitionError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalTransitionError, got %T", err)
	}
	if illegal.From != string(StatusQueued) || illegal.To != string(StatusSucceeded) {
		t.Errorf("error names wrong states: %v", illegal)
	}
	if m.Current() != StatusQueued {
		t.Errorf("failed transition mutated state to %s", m.Current())
	}
}

func TestMachine_CancelFromAnyNonTerminal(t *testing.T) {
	for _, start := range []Status{StatusQueued, StatusRunning, StatusWaitingForChildren, StatusIntegrating} {
		m := NewMachine(start)
		if err := m.TransitionTo(StatusCanceled); err != nil {
			t.Errorf("cancel from %s: %v", start, err)
		}
	}
}

func TestMachine_TerminalStatesAreSticky(t *testing.T) {
	for _, terminal := range []Status{StatusSucceeded, StatusCanceled} {
		m := NewMachine(terminal)
		for _, target := range []Status{StatusQueued, StatusRunning, StatusCanceled} {
			if err := m.TransitionTo(target); err == nil {
				t.Errorf("transition %s -> %s should fail", terminal, target)
			}
		}
	}
}

func TestMachine_FailedAllowsResubmission(t *testing.T) {
	m := NewMachine(StatusFailed)
	if err := m.TransitionTo(StatusQueued); err != nil {
		t.Fatalf("failed -> queued: %v", err)
	}
}

func TestRunMachine_IterationCycle(t *testing.T) {
	m := NewRunMachine(RunQueued)

	path := []RunState{
		RunLeased, RunSnapshotting, RunBuilding, RunVerifying, RunFeedback,
		RunSnapshotting, RunBuilding, RunVerifying, RunSucceeded,
	}
	for _, target := range path {
		if err := m.TransitionTo(target); err != nil {
			t.Fatalf("TransitionTo(%s): %v", target, err)
		}
	}
	if !m.IsTerminal() {
		t.Error("expected terminal run")
	}
}

func TestRunMachine_PRFlow(t *testing.T) {
	m := NewRunMachine(RunVerifying)
	for _, target := range []RunState{RunPRCreated, RunCIPolling, RunSucceeded} {
		if err := m.TransitionTo(target); err != nil {
			t.Fatalf("TransitionTo(%s): %v", target, err)
		}
	}
}

func TestRunMachine_CancelMidRun(t *testing.T) {
	m := NewRunMachine(RunBuilding)
	if err := m.TransitionTo(RunCanceled); err != nil {
		t.Fatalf("cancel while building: %v", err)
	}
	if err := m.TransitionTo(RunVerifying); err == nil {
		t.Error("canceled run must not transition out")
	}
}

func TestVerificationReport_HighestPassedLevel(t *testing.T) {
	report := &VerificationReport{
		Levels: []LevelResult{
			{Level: 0, Passed: true},
			{Level: 1, Passed: true},
			{Level: 2, Passed: false},
			{Level: 3, Passed: true, Skipped: true},
		},
	}
	if got := report.HighestPassedLevel(); got != 1 {
		t.Errorf("HighestPassedLevel = %d, want 1", got)
	}

	var empty *VerificationReport
	if got := empty.HighestPassedLevel(); got != -1 {
		t.Errorf("nil report HighestPassedLevel = %d, want -1", got)
	}
}
