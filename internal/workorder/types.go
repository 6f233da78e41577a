package workorder

import "time"

// Status is the lifecycle state of a work order.
type Status string

const (
	StatusQueued             Status = "queued"
	StatusRunning            Status = "running"
	StatusWaitingForChildren Status = "waiting_for_children"
	StatusIntegrating        Status = "integrating"
	StatusSucceeded          Status = "succeeded"
	StatusFailed             Status = "failed"
	StatusCanceled           Status = "canceled"
)

// WorkspaceKind tags the workspace source variant.
type WorkspaceKind string

const (
	WorkspaceLocal     WorkspaceKind = "local"
	WorkspaceGitHub    WorkspaceKind = "github"
	WorkspaceGitHubNew WorkspaceKind = "github_new"
)

// WorkspaceSource describes where the agent operates. Exactly the fields of
// the tagged kind are set.
type WorkspaceSource struct {
	Kind WorkspaceKind `json:"kind"`

	// local
	Path string `json:"path,omitempty"`

	// github
	Owner  string `json:"owner,omitempty"`
	Repo   string `json:"repo,omitempty"`
	Branch string `json:"branch,omitempty"`

	// github_new
	Name     string `json:"name,omitempty"`
	Template string `json:"template,omitempty"`
}

// WorkOrder is a user request to perform a coding task on a workspace.
type WorkOrder struct {
	ID                  string          `json:"id"`
	Task                string          `json:"task"`
	Workspace           WorkspaceSource `json:"workspace"`
	AgentType           string          `json:"agent_type"`
	MaxIterations       int             `json:"max_iterations"`
	MaxWallClockSeconds int             `json:"max_wall_clock_seconds"`
	HarnessProfile      string          `json:"harness_profile,omitempty"`
	Status              Status          `json:"status"`
	ParentID            string          `json:"parent_id,omitempty"`
	Depth               int             `json:"depth"`
	Priority            int             `json:"priority"`
	CreatedAt           time.Time       `json:"created_at"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the work order reached a terminal status.
func (w *WorkOrder) IsTerminal() bool {
	return IsTerminalStatus(w.Status)
}

// RunState is the lifecycle state of a single run.
type RunState string

const (
	RunQueued       RunState = "queued"
	RunLeased       RunState = "leased"
	RunBuilding     RunState = "building"
	RunSnapshotting RunState = "snapshotting"
	RunVerifying    RunState = "verifying"
	RunFeedback     RunState = "feedback"
	RunPRCreated    RunState = "pr_created"
	RunCIPolling    RunState = "ci_polling"
	RunSucceeded    RunState = "succeeded"
	RunFailed       RunState = "failed"
	RunCanceled     RunState = "canceled"
)

// RunResult summarizes how a run ended.
type RunResult string

const (
	ResultPassed    RunResult = "passed"
	ResultFailed    RunResult = "failed"
	ResultCancelled RunResult = "cancelled"
	ResultError     RunResult = "error"
	ResultNone      RunResult = ""
)

// Run is one end-to-end attempt to satisfy a work order.
type Run struct {
	ID          string     `json:"id"`
	WorkOrderID string     `json:"work_order_id"`
	Iteration   int        `json:"iteration"`
	State       RunState   `json:"state"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	SessionID   string     `json:"session_id,omitempty"`
	Result      RunResult  `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// IterationErrorType is the iteration-level error taxonomy.
type IterationErrorType string

const (
	ErrNone               IterationErrorType = "none"
	ErrAgentCrash         IterationErrorType = "agent_crash"
	ErrAgentFailure       IterationErrorType = "agent_failure"
	ErrVerificationFailed IterationErrorType = "verification_failed"
	ErrTimeout            IterationErrorType = "timeout"
	ErrSystemError        IterationErrorType = "system_error"
)

// IterationData records everything observed during one agent+verify cycle.
//
// Invariant: AgentSuccess && VerificationPassed implies ErrorType == ErrNone.
type IterationData struct {
	RunID       string     `json:"run_id"`
	Iteration   int        `json:"iteration"`
	State       RunState   `json:"state"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms"`

	SnapshotID string `json:"snapshot_id,omitempty"`

	// Agent fields
	SessionID    string  `json:"session_id,omitempty"`
	Model        string  `json:"model,omitempty"`
	TokensIn     int     `json:"tokens_in"`
	TokensOut    int     `json:"tokens_out"`
	Cost         float64 `json:"cost"`
	AgentSuccess bool    `json:"agent_success"`
	AgentOutput  string  `json:"agent_output,omitempty"`

	// Verification fields
	VerificationLevels   []int `json:"verification_levels,omitempty"`
	VerificationPassed   bool  `json:"verification_passed"`
	VerificationDuration int64 `json:"verification_duration_ms"`

	// Error fields
	ErrorType    IterationErrorType `json:"error_type"`
	ErrorMessage string             `json:"error_message,omitempty"`
}

// Snapshot is a content-addressed capture of the workspace after an iteration.
type Snapshot struct {
	AfterSha      string `json:"after_sha"`
	FilesChanged  int    `json:"files_changed"`
	Insertions    int    `json:"insertions"`
	Deletions     int    `json:"deletions"`
	Iteration     int    `json:"iteration"`
	Branch        string `json:"branch,omitempty"`
	CommitMessage string `json:"commit_message,omitempty"`
}

// HasChanges reports whether the snapshot captured any workspace change.
func (s *Snapshot) HasChanges() bool {
	return s != nil && (s.FilesChanged > 0 || s.Insertions > 0 || s.Deletions > 0)
}

// LevelResult is one verification tier's outcome.
type LevelResult struct {
	Level      int      `json:"level"`
	Passed     bool     `json:"passed"`
	Skipped    bool     `json:"skipped,omitempty"`
	Checks     []string `json:"checks,omitempty"`
	DurationMs int64    `json:"duration_ms"`
}

// VerificationReport aggregates per-level results L0..L3.
type VerificationReport struct {
	Levels      []LevelResult `json:"levels"`
	Passed      bool          `json:"passed"`
	Diagnostics []string      `json:"diagnostics,omitempty"`
	DurationMs  int64         `json:"duration_ms"`
}

// HighestPassedLevel returns the highest level that passed, or -1 when none did.
func (r *VerificationReport) HighestPassedLevel() int {
	if r == nil {
		return -1
	}
	highest := -1
	for _, lvl := range r.Levels {
		if lvl.Passed && !lvl.Skipped && lvl.Level > highest {
			highest = lvl.Level
		}
	}
	return highest
}

// QueuedWorkOrder is the queue's view of a submitted work order.
type QueuedWorkOrder struct {
	ID          string       `json:"id"`
	Priority    int          `json:"priority"`
	SubmittedAt time.Time    `json:"submitted_at"`
	Machine     *Machine     `json:"-"`
	QueueState  PositionKind `json:"queue_state"`
}

// PositionKind distinguishes waiting from running queue entries.
type PositionKind string

const (
	PositionWaiting PositionKind = "waiting"
	PositionRunning PositionKind = "running"
)

// QueuePosition is the externally visible position of a queued work order.
type QueuePosition struct {
	Position        int          `json:"position"` // 1-based
	Ahead           int          `json:"ahead"`
	State           PositionKind `json:"state"`
	EnqueuedAt      time.Time    `json:"enqueued_at"`
	EstimatedWaitMs int64        `json:"estimated_wait_ms,omitempty"`
}

// RetryAttempt tracks one scheduled retry for a work order.
type RetryAttempt struct {
	WorkOrderID   string        `json:"work_order_id"`
	AttemptNumber int           `json:"attempt_number"` // >= 1
	Delay         time.Duration `json:"delay"`
	ScheduledAt   time.Time     `json:"scheduled_at"`
}
