package strategy

import "fmt"

const (
	defaultMaxIterations = 10
	exactRepeatThreshold = 3
)

// Fixed runs a bounded number of iterations and stops early when any
// configured completion criterion fires. Loop detection is an exact repeat
// of the same snapshot sha.
type Fixed struct {
	noopHooks
	config     Config
	shaHistory []string
}

// NewFixed returns an uninitialized fixed strategy.
func NewFixed() *Fixed {
	return &Fixed{}
}

func (f *Fixed) Initialize(config Config) error {
	if config.MaxIterations <= 0 {
		config.MaxIterations = defaultMaxIterations
	}
	f.config = config
	f.shaHistory = nil
	return nil
}

func (f *Fixed) ShouldContinue(ctx *IterationContext) Decision {
	f.recordSnapshot(ctx)

	if ctx.Iteration >= f.config.MaxIterations {
		return Stop("Max iterations reached")
	}
	if decision, stopped := f.checkCriteria(ctx); stopped {
		return decision
	}
	return Continue("Iteration budget remaining")
}

func (f *Fixed) recordSnapshot(ctx *IterationContext) {
	if ctx.Snapshot != nil && ctx.Snapshot.AfterSha != "" {
		f.shaHistory = append(f.shaHistory, ctx.Snapshot.AfterSha)
	}
}

func (f *Fixed) checkCriteria(ctx *IterationContext) (Decision, bool) {
	for _, criterion := range f.config.Criteria {
		switch criterion {
		case CriterionVerificationPass:
			if ctx.Verification != nil && ctx.Verification.Passed {
				return Stop("Verification passed"), true
			}
		case CriterionNoChanges:
			if ctx.Snapshot != nil && !ctx.Snapshot.HasChanges() {
				return Stop("No changes produced"), true
			}
		case CriterionAgentSignal:
			if hasCompletionSignal(ctx) {
				return Stop("Agent signaled completion"), true
			}
		case CriterionCIPass:
			if ctx.CIPassed {
				return Stop("CI passed"), true
			}
		case CriterionLoopDetection:
			if detection := f.DetectLoop(ctx); detection.Detected {
				return Stop("Loop detected"), true
			}
		}
	}
	return Decision{}, false
}

// DetectLoop flags an exact repeat when the same sha appears at least three
// times in recent history.
func (f *Fixed) DetectLoop(ctx *IterationContext) LoopDetection {
	counts := make(map[string]int, len(f.shaHistory))
	for _, sha := range f.shaHistory {
		counts[sha]++
	}

	var detection LoopDetection
	for sha, count := range counts {
		if count >= exactRepeatThreshold {
			detection.Detected = true
			detection.RepeatPatterns = append(detection.RepeatPatterns, RepeatPattern{
				PatternType: "exact",
				Fingerprint: sha,
				Count:       count,
			})
		}
	}
	return detection
}

func (f *Fixed) GetProgress(ctx *IterationContext) Progress {
	percent := float64(ctx.Iteration) / float64(f.config.MaxIterations) * 100
	if percent > 100 {
		percent = 100
	}
	return Progress{
		Percent:     percent,
		Iteration:   ctx.Iteration,
		Description: fmt.Sprintf("iteration %d of %d", ctx.Iteration, f.config.MaxIterations),
	}
}

func (f *Fixed) Reset() {
	f.shaHistory = nil
}
