package strategy

import "strings"

// completionSignals are the textual markers an agent may emit to declare it
// is done. Matched case-insensitively against output and commit message.
var completionSignals = []string{
	"TASK_COMPLETE",
	"TASK_COMPLETED",
	"DONE",
	"[COMPLETE]",
}

// hasCompletionSignal reports whether any completion marker appears in the
// agent output or the commit message.
func hasCompletionSignal(ctx *IterationContext) bool {
	return containsSignal(ctx.AgentOutput) || containsSignal(ctx.CommitMessage)
}

func containsSignal(text string) bool {
	if text == "" {
		return false
	}
	upper := strings.ToUpper(text)
	for _, signal := range completionSignals {
		if strings.Contains(upper, signal) {
			return true
		}
	}
	return false
}
