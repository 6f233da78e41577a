package strategy

import "fmt"

const (
	defaultWindowSize           = 3
	defaultConvergenceThreshold = 0.1
)

// Ralph gates on a minimum iteration count, stops on verification pass or an
// explicit completion signal, and detects convergence by comparing agent
// outputs with Jaccard similarity over a sliding window.
//
// Check order per call: max-iter, min-iter gate, verification pass,
// completion signal, similarity loop, continue.
type Ralph struct {
	noopHooks
	config Config
	window []string
}

// NewRalph returns an uninitialized ralph strategy.
func NewRalph() *Ralph {
	return &Ralph{}
}

func (r *Ralph) Initialize(config Config) error {
	if config.MaxIterations <= 0 {
		config.MaxIterations = defaultMaxIterations
	}
	if config.MinIterations < 0 {
		config.MinIterations = 0
	}
	if config.WindowSize <= 0 {
		config.WindowSize = defaultWindowSize
	}
	if config.ConvergenceThreshold <= 0 || config.ConvergenceThreshold >= 1 {
		config.ConvergenceThreshold = defaultConvergenceThreshold
	}
	r.config = config
	r.window = nil
	return nil
}

func (r *Ralph) ShouldContinue(ctx *IterationContext) Decision {
	defer r.pushOutput(ctx.AgentOutput)

	if ctx.Iteration >= r.config.MaxIterations {
		return Stop("Max iterations reached")
	}
	if ctx.Iteration < r.config.MinIterations {
		return Continue("Below minimum iterations")
	}
	if ctx.Verification != nil && ctx.Verification.Passed {
		return Stop("Verification passed")
	}
	if hasCompletionSignal(ctx) {
		return Stop("Agent signaled completion")
	}
	if detection := r.DetectLoop(ctx); detection.Detected {
		return Stop("Loop detected via output similarity")
	}
	return Continue("No termination condition met")
}

// pushOutput appends to the sliding window, evicting the oldest entry past
// WindowSize.
func (r *Ralph) pushOutput(output string) {
	if output == "" {
		return
	}
	r.window = append(r.window, output)
	if len(r.window) > r.config.WindowSize {
		r.window = r.window[len(r.window)-r.config.WindowSize:]
	}
}

// DetectLoop compares the current output against each window entry; any
// pairwise similarity at or above 1-convergenceThreshold counts as a loop.
func (r *Ralph) DetectLoop(ctx *IterationContext) LoopDetection {
	if ctx.AgentOutput == "" {
		return LoopDetection{}
	}
	threshold := 1.0 - r.config.ConvergenceThreshold

	var detection LoopDetection
	for _, previous := range r.window {
		similarity := JaccardSimilarity(ctx.AgentOutput, previous)
		if similarity >= threshold {
			detection.Detected = true
			detection.RepeatPatterns = append(detection.RepeatPatterns, RepeatPattern{
				PatternType: "similarity",
				Fingerprint: fmt.Sprintf("jaccard=%.3f", similarity),
				Count:       1,
			})
		}
	}
	return detection
}

func (r *Ralph) GetProgress(ctx *IterationContext) Progress {
	percent := float64(ctx.Iteration) / float64(r.config.MaxIterations) * 100
	if percent > 100 {
		percent = 100
	}
	return Progress{
		Percent:     percent,
		Iteration:   ctx.Iteration,
		Description: fmt.Sprintf("iteration %d of %d", ctx.Iteration, r.config.MaxIterations),
	}
}

func (r *Ralph) Reset() {
	r.window = nil
}
