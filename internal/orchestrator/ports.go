package orchestrator

import (
	"context"

	"foreman/internal/broadcast"
	"foreman/internal/workorder"
)

// AgentResult is what one agent invocation produced.
type AgentResult struct {
	SessionID     string
	Model         string
	TokensIn      int
	TokensOut     int
	Cost          float64
	Success       bool
	Output        string
	CommitMessage string
}

// AgentRunner executes the coding agent for one iteration. Implementations
// must honor ctx cancellation and deadline.
type AgentRunner interface {
	Execute(ctx context.Context, wo *workorder.WorkOrder, iteration int) (*AgentResult, error)
}

// Verifier runs the tiered verification levels against a snapshot.
type Verifier interface {
	Verify(ctx context.Context, snapshot *workorder.Snapshot) (*workorder.VerificationReport, error)
}

// Workspace captures content-addressed snapshots of the working tree.
type Workspace interface {
	Snapshot(ctx context.Context, iteration int) (*workorder.Snapshot, error)
}

// Persistence stores run and iteration records.
type Persistence interface {
	SaveRun(run *workorder.Run) error
	SaveIteration(data *workorder.IterationData) error
}

// Publisher receives lifecycle and progress events from the loop. Satisfied
// by *broadcast.Broadcaster.
type Publisher interface {
	Publish(event broadcast.Event)
}

// nopPublisher discards events.
type nopPublisher struct{}

func (nopPublisher) Publish(broadcast.Event) {}
