package queue

import (
	"hash/fnv"
	"sync"

	"foreman/internal/logging"
	"foreman/internal/scheduler"
	"foreman/internal/workorder"
)

// Phase is the derived rollout phase.
type Phase string

const (
	PhaseDisabled Phase = "disabled"
	PhaseShadow   Phase = "shadow"
	PhasePartial  Phase = "partial"
	PhaseFull     Phase = "full"
)

// Target names which system handled an enqueue.
type Target string

const (
	TargetLegacy Target = "legacy"
	TargetNew    Target = "new"
)

// ShadowPrefix marks duplicated shadow traffic on the new system.
const ShadowPrefix = "shadow-"

// RolloutConfig controls routing between the legacy queue and the scheduler.
type RolloutConfig struct {
	UseNewQueueSystem bool `json:"use_new_queue_system"`
	ShadowMode        bool `json:"shadow_mode"`
	RolloutPercent    int  `json:"rollout_percent"` // [0,100]
}

// ConfigPatch is a partial RolloutConfig update; nil fields keep their value.
type ConfigPatch struct {
	UseNewQueueSystem *bool `json:"use_new_queue_system,omitempty"`
	ShadowMode        *bool `json:"shadow_mode,omitempty"`
	RolloutPercent    *int  `json:"rollout_percent,omitempty"`
}

// Counters is a snapshot of the facade's routing counters.
type Counters struct {
	TotalRouted      int64 `json:"total_routed"`
	RoutedToLegacy   int64 `json:"routed_to_legacy"`
	RoutedToNew      int64 `json:"routed_to_new"`
	ShadowEnqueues   int64 `json:"shadow_enqueues"`
	ShadowMismatches int64 `json:"shadow_mismatches"`
	LegacyFallbacks  int64 `json:"legacy_fallbacks"`
}

// System is the enqueue surface both queue implementations expose.
type System interface {
	Enqueue(qwo *workorder.QueuedWorkOrder) (scheduler.EnqueueResult, error)
	Position(id string) (workorder.QueuePosition, bool)
	Healthy() bool
}

// Facade routes enqueues between the legacy queue manager and the new
// scheduler. Routing for an id is a pure function of the id and the config;
// shadow mode duplicates traffic into the new system without ever affecting
// the primary result the caller sees.
type Facade struct {
	mu       sync.Mutex
	config   RolloutConfig
	legacy   System
	next     System
	counters Counters
	logger   logging.Logger
}

// NewFacade creates the rollout facade.
func NewFacade(config RolloutConfig, legacy, next System, logger logging.Logger) *Facade {
	config = clampConfig(config)
	return &Facade{
		config: config,
		legacy: legacy,
		next:   next,
		logger: logging.OrNop(logger),
	}
}

func clampConfig(config RolloutConfig) RolloutConfig {
	if config.RolloutPercent < 0 {
		config.RolloutPercent = 0
	}
	if config.RolloutPercent > 100 {
		config.RolloutPercent = 100
	}
	return config
}

// StableHash returns FNV-1a of the UTF-8 bytes of id, reduced mod 100.
// Deterministic and uniform; the basis for all partial-rollout routing.
func StableHash(id string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % 100)
}

// Phase derives the current rollout phase from config.
func (f *Facade) Phase() Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return phaseOf(f.config)
}

func phaseOf(config RolloutConfig) Phase {
	switch {
	case config.ShadowMode:
		return PhaseShadow
	case !config.UseNewQueueSystem:
		return PhaseDisabled
	case config.RolloutPercent >= 100:
		return PhaseFull
	case config.RolloutPercent > 0:
		return PhasePartial
	default:
		return PhaseDisabled
	}
}

// Route decides which system would handle id under the current config,
// before availability fallback. Pure in (id, config).
func (f *Facade) Route(id string) Target {
	f.mu.Lock()
	config := f.config
	f.mu.Unlock()
	return routeOf(id, config)
}

func routeOf(id string, config RolloutConfig) Target {
	if config.ShadowMode {
		return TargetLegacy
	}
	if !config.UseNewQueueSystem {
		return TargetLegacy
	}
	if StableHash(id) < config.RolloutPercent {
		return TargetNew
	}
	return TargetLegacy
}

// Enqueue routes the work order to its system. The caller sees the primary
// system's result; shadow traffic and shadow errors never surface.
func (f *Facade) Enqueue(qwo *workorder.QueuedWorkOrder) (scheduler.EnqueueResult, Target, error) {
	f.mu.Lock()
	config := f.config
	f.mu.Unlock()

	if config.ShadowMode {
		return f.enqueueShadow(qwo)
	}

	target := routeOf(qwo.ID, config)
	system := f.legacy
	if target == TargetNew {
		if f.next != nil && f.next.Healthy() {
			system = f.next
		} else {
			f.logger.Warn("New queue system unavailable, falling back to legacy for %s", qwo.ID)
			f.mu.Lock()
			f.counters.LegacyFallbacks++
			f.mu.Unlock()
			target = TargetLegacy
		}
	}

	result, err := system.Enqueue(qwo)

	f.mu.Lock()
	f.counters.TotalRouted++
	if target == TargetNew {
		f.counters.RoutedToNew++
	} else {
		f.counters.RoutedToLegacy++
	}
	f.mu.Unlock()

	return result, target, err
}

// enqueueShadow sends the primary to legacy and a duplicate to the new
// system under a shadow- id, comparing the two results.
func (f *Facade) enqueueShadow(qwo *workorder.QueuedWorkOrder) (scheduler.EnqueueResult, Target, error) {
	result, err := f.legacy.Enqueue(qwo)

	f.mu.Lock()
	f.counters.TotalRouted++
	f.counters.RoutedToLegacy++
	f.mu.Unlock()

	if f.next != nil {
		f.mu.Lock()
		f.counters.ShadowEnqueues++
		f.mu.Unlock()

		shadow := *qwo
		shadow.ID = ShadowPrefix + qwo.ID
		shadow.Machine = workorder.NewMachine(workorder.StatusQueued)

		// Shadow errors must never surface to the caller.
		func() {
			defer func() {
				if r := recover(); r != nil {
					f.recordMismatch(qwo.ID, "shadow enqueue panicked")
				}
			}()
			shadowResult, shadowErr := f.next.Enqueue(&shadow)
			if shadowResult.Accepted != result.Accepted {
				f.recordMismatch(qwo.ID, "accepted mismatch")
			} else if shadowErr != nil && err == nil {
				f.recordMismatch(qwo.ID, "shadow error")
			} else if shadowResult.Accepted && shadowResult.Position != result.Position {
				f.recordMismatch(qwo.ID, "position mismatch")
			}
		}()
	}

	return result, TargetLegacy, err
}

func (f *Facade) recordMismatch(id, reason string) {
	f.mu.Lock()
	f.counters.ShadowMismatches++
	f.mu.Unlock()
	f.logger.Warn("Shadow mismatch for %s: %s", id, reason)
}

// Position reports the queue position from whichever system holds id.
func (f *Facade) Position(id string) (workorder.QueuePosition, bool) {
	if pos, ok := f.legacy.Position(id); ok {
		return pos, true
	}
	if f.next != nil {
		return f.next.Position(id)
	}
	return workorder.QueuePosition{}, false
}

// UpdateConfig applies a partial config update under the facade lock and
// returns the resulting config.
func (f *Facade) UpdateConfig(patch ConfigPatch) RolloutConfig {
	f.mu.Lock()
	defer f.mu.Unlock()

	if patch.UseNewQueueSystem != nil {
		f.config.UseNewQueueSystem = *patch.UseNewQueueSystem
	}
	if patch.ShadowMode != nil {
		f.config.ShadowMode = *patch.ShadowMode
	}
	if patch.RolloutPercent != nil {
		f.config.RolloutPercent = *patch.RolloutPercent
	}
	f.config = clampConfig(f.config)
	f.logger.Info("Rollout config updated: useNew=%v shadow=%v percent=%d (phase=%s)",
		f.config.UseNewQueueSystem, f.config.ShadowMode, f.config.RolloutPercent, phaseOf(f.config))
	return f.config
}

// Config returns the current rollout config.
func (f *Facade) Config() RolloutConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.config
}

// GetCounters returns a snapshot of routing counters.
func (f *Facade) GetCounters() Counters {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counters
}

// ResetCounters zeroes all routing counters.
func (f *Facade) ResetCounters() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters = Counters{}
}

// Status is the externally visible rollout state.
type Status struct {
	Config   RolloutConfig `json:"config"`
	Phase    Phase         `json:"phase"`
	Counters Counters      `json:"counters"`
}

// GetStatus returns config, phase, and counters in one snapshot.
func (f *Facade) GetStatus() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Status{
		Config:   f.config,
		Phase:    phaseOf(f.config),
		Counters: f.counters,
	}
}
