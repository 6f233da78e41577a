package app

import (
	"os"
	"time"
)

// Health is the liveness/readiness report served at /health.
type Health struct {
	Live       bool            `json:"live"`
	Ready      bool            `json:"ready"`
	Components map[string]bool `json:"components"`
	CheckedAt  time.Time       `json:"checked_at"`
}

// Health probes each component. Live is unconditional once the process
// serves requests; Ready requires the queue system behind the current
// rollout phase and the store directory to be usable.
func (c *Coordinator) Health() Health {
	components := map[string]bool{
		"legacy_queue": c.deps.LegacyQueue != nil && c.deps.LegacyQueue.Healthy(),
		"scheduler":    c.deps.Scheduler != nil && c.deps.Scheduler.Healthy(),
		"store":        c.storeUsable(),
		"broadcaster":  c.deps.Broadcaster != nil,
	}

	// The facade falls back to legacy when the new system is down, so
	// readiness needs only one healthy queue path plus the store.
	ready := components["store"] && (components["legacy_queue"] || components["scheduler"])

	return Health{
		Live:       true,
		Ready:      ready,
		Components: components,
		CheckedAt:  time.Now(),
	}
}

func (c *Coordinator) storeUsable() bool {
	if c.deps.Store == nil {
		return false
	}
	info, err := os.Stat(c.deps.Store.Dir())
	return err == nil && info.IsDir()
}
