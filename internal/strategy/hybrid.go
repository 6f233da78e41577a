package strategy

import (
	"fmt"
	"sort"
	"strings"
)

const (
	defaultBaseIterations     = 5
	defaultMaxBonusIterations = 3
	compositeRepeatThreshold  = 3
)

// Hybrid runs a base budget plus a bonus allowance and distinguishes "ran
// out of budget" from "ran out of budget but was getting somewhere". Loop
// detection uses a composite fingerprint of the snapshot sha and the sorted
// verification diagnostics.
type Hybrid struct {
	noopHooks
	config       Config
	fingerprints []string
	initialLevel int
	highestLevel int
	sawLevel     bool
}

// NewHybrid returns an uninitialized hybrid strategy.
func NewHybrid() *Hybrid {
	return &Hybrid{}
}

func (h *Hybrid) Initialize(config Config) error {
	if config.BaseIterations <= 0 {
		config.BaseIterations = defaultBaseIterations
	}
	if config.MaxBonusIterations < 0 {
		config.MaxBonusIterations = defaultMaxBonusIterations
	}
	h.config = config
	h.Reset()
	return nil
}

func (h *Hybrid) maxTotal() int {
	return h.config.BaseIterations + h.config.MaxBonusIterations
}

func (h *Hybrid) ShouldContinue(ctx *IterationContext) Decision {
	h.observe(ctx)

	if decision, stopped := h.checkCriteria(ctx); stopped {
		return decision
	}
	if detection := h.DetectLoop(ctx); detection.Detected {
		return Stop("Loop detected")
	}

	if ctx.Iteration >= h.maxTotal() {
		if h.madeProgress() {
			d := Stop("Max iterations reached with progress")
			d.PartialAccept = true
			return d
		}
		return Stop("Max iterations reached")
	}
	return Continue("Iteration budget remaining")
}

// observe records the composite fingerprint and the verification level trend.
func (h *Hybrid) observe(ctx *IterationContext) {
	h.fingerprints = append(h.fingerprints, compositeFingerprint(ctx))

	if ctx.Verification == nil {
		return
	}
	level := ctx.Verification.HighestPassedLevel()
	if !h.sawLevel {
		h.initialLevel = level
		h.highestLevel = level
		h.sawLevel = true
		return
	}
	if level > h.highestLevel {
		h.highestLevel = level
	}
}

// madeProgress reports whether the highest passed verification level
// strictly increased since the first iteration.
func (h *Hybrid) madeProgress() bool {
	return h.sawLevel && h.highestLevel > h.initialLevel
}

func (h *Hybrid) checkCriteria(ctx *IterationContext) (Decision, bool) {
	for _, criterion := range h.config.Criteria {
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
		}
	}
	return Decision{}, false
}

func compositeFingerprint(ctx *IterationContext) string {
	sha := ""
	if ctx.Snapshot != nil {
		sha = ctx.Snapshot.AfterSha
	}
	var diags []string
	if ctx.Verification != nil {
		diags = append(diags, ctx.Verification.Diagnostics...)
	}
	sort.Strings(diags)
	return sha + "|" + strings.Join(diags, "|")
}

// DetectLoop flags three identical composite fingerprints in a row.
func (h *Hybrid) DetectLoop(ctx *IterationContext) LoopDetection {
	n := len(h.fingerprints)
	if n < compositeRepeatThreshold {
		return LoopDetection{}
	}
	last := h.fingerprints[n-1]
	for i := n - compositeRepeatThreshold; i < n; i++ {
		if h.fingerprints[i] != last {
			return LoopDetection{}
		}
	}
	return LoopDetection{
		Detected: true,
		RepeatPatterns: []RepeatPattern{{
			PatternType: "composite",
			Fingerprint: last,
			Count:       compositeRepeatThreshold,
		}},
	}
}

func (h *Hybrid) GetProgress(ctx *IterationContext) Progress {
	percent := float64(ctx.Iteration) / float64(h.maxTotal()) * 100
	if percent > 100 {
		percent = 100
	}
	desc := fmt.Sprintf("iteration %d of %d", ctx.Iteration, h.maxTotal())
	if ctx.Iteration > h.config.BaseIterations {
		desc = fmt.Sprintf("iteration %d of %d (bonus)", ctx.Iteration, h.maxTotal())
	}
	return Progress{Percent: percent, Iteration: ctx.Iteration, Description: desc}
}

func (h *Hybrid) Reset() {
	h.fingerprints = nil
	h.initialLevel = -1
	h.highestLevel = -1
	h.sawLevel = false
}
