package strategy

import (
	"foreman/internal/workorder"
)

// Mode names a registered strategy implementation.
type Mode string

const (
	ModeFixed  Mode = "fixed"
	ModeHybrid Mode = "hybrid"
	ModeRalph  Mode = "ralph"
	ModeCustom Mode = "custom"
)

// Action is the strategy's verdict on the loop.
type Action string

const (
	ActionContinue Action = "continue"
	ActionStop     Action = "stop"
	ActionAbort    Action = "abort"
)

// Criterion is a completion-detection rule a strategy can be configured with.
type Criterion string

const (
	CriterionVerificationPass Criterion = "verification_pass"
	CriterionNoChanges        Criterion = "no_changes"
	CriterionLoopDetection    Criterion = "loop_detection"
	CriterionAgentSignal      Criterion = "agent_signal"
	CriterionCIPass           Criterion = "ci_pass"
)

// Config carries the union of per-strategy tunables. A strategy reads the
// fields it cares about and ignores the rest.
type Config struct {
	Mode          Mode        `json:"mode" yaml:"mode"`
	MaxIterations int         `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	MinIterations int         `json:"min_iterations,omitempty" yaml:"min_iterations,omitempty"`
	Criteria      []Criterion `json:"criteria,omitempty" yaml:"criteria,omitempty"`

	// hybrid
	BaseIterations     int `json:"base_iterations,omitempty" yaml:"base_iterations,omitempty"`
	MaxBonusIterations int `json:"max_bonus_iterations,omitempty" yaml:"max_bonus_iterations,omitempty"`

	// ralph
	WindowSize           int     `json:"window_size,omitempty" yaml:"window_size,omitempty"`
	ConvergenceThreshold float64 `json:"convergence_threshold,omitempty" yaml:"convergence_threshold,omitempty"`

	// custom
	ModulePath string `json:"module_path,omitempty" yaml:"module_path,omitempty"`
}

// Decision is the outcome of a ShouldContinue call.
type Decision struct {
	ShouldContinue bool           `json:"should_continue"`
	Action         Action         `json:"action"`
	Reason         string         `json:"reason"`
	PartialAccept  bool           `json:"partial_accept,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Continue is the default keep-going decision.
func Continue(reason string) Decision {
	return Decision{ShouldContinue: true, Action: ActionContinue, Reason: reason}
}

// Stop ends the loop normally.
func Stop(reason string) Decision {
	return Decision{ShouldContinue: false, Action: ActionStop, Reason: reason}
}

// Abort ends the loop and marks the run failed.
func Abort(reason string) Decision {
	return Decision{ShouldContinue: false, Action: ActionAbort, Reason: reason}
}

// IterationContext is everything a strategy may inspect when deciding.
type IterationContext struct {
	Iteration     int
	State         workorder.RunState
	Snapshot      *workorder.Snapshot
	Verification  *workorder.VerificationReport
	AgentOutput   string
	CommitMessage string
	CIPassed      bool
	History       []*workorder.IterationData
}

// Progress is a coarse completion estimate for status displays.
type Progress struct {
	Percent     float64 `json:"percent"` // [0,100]
	Iteration   int     `json:"iteration"`
	Description string  `json:"description,omitempty"`
}

// RepeatPattern describes one detected repetition.
type RepeatPattern struct {
	PatternType string `json:"pattern_type"` // "exact", "composite", "similarity"
	Fingerprint string `json:"fingerprint"`
	Count       int    `json:"count"`
}

// LoopDetection is the result of a DetectLoop call.
type LoopDetection struct {
	Detected       bool            `json:"detected"`
	RepeatPatterns []RepeatPattern `json:"repeat_patterns,omitempty"`
}

// Strategy decides when an iteration loop should terminate. Implementations
// keep per-run state and must be Reset between runs; they are not safe for
// concurrent use by multiple runs.
type Strategy interface {
	Initialize(config Config) error
	ShouldContinue(ctx *IterationContext) Decision
	OnLoopStart(ctx *IterationContext)
	OnIterationStart(ctx *IterationContext)
	OnIterationEnd(ctx *IterationContext, decision Decision)
	OnLoopEnd(ctx *IterationContext, decision Decision)
	GetProgress(ctx *IterationContext) Progress
	DetectLoop(ctx *IterationContext) LoopDetection
	Reset()
}

// noopHooks provides empty lifecycle hooks for strategies that do not need
// them all.
type noopHooks struct{}

func (noopHooks) OnLoopStart(*IterationContext)              {}
func (noopHooks) OnIterationStart(*IterationContext)         {}
func (noopHooks) OnIterationEnd(*IterationContext, Decision) {}
func (noopHooks) OnLoopEnd(*IterationContext, Decision)      {}
