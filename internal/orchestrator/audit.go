package orchestrator

import (
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Churn summarizes how much the agent's output moved between two iterations.
// A near-zero churn across iterations is an operator-visible convergence
// signal, complementary to the strategy's similarity detection.
type Churn struct {
	Inserted  int     `json:"inserted"`
	Deleted   int     `json:"deleted"`
	Unchanged int     `json:"unchanged"`
	Ratio     float64 `json:"ratio"` // changed chars / total chars, [0,1]
}

// OutputChurn diffs the previous and current agent outputs character-wise.
func OutputChurn(previous, current string) Churn {
	if previous == "" && current == "" {
		return Churn{}
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(previous, current, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var churn Churn
	for _, d := range diffs {
		n := len(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			churn.Inserted += n
		case diffmatchpatch.DiffDelete:
			churn.Deleted += n
		case diffmatchpatch.DiffEqual:
			churn.Unchanged += n
		}
	}
	total := churn.Inserted + churn.Deleted + churn.Unchanged
	if total > 0 {
		churn.Ratio = float64(churn.Inserted+churn.Deleted) / float64(total)
	}
	return churn
}
