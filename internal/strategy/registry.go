package strategy

import (
	"sort"
	"sync"

	fmerrors "foreman/internal/errors"
	"foreman/internal/logging"
)

// Factory builds a fresh strategy instance for one run.
type Factory func() Strategy

// Registry maps strategy modes to factories. Constructed explicitly and
// passed down from the application root; tests build fresh ones.
type Registry struct {
	mu        sync.Mutex
	factories map[Mode]Factory
	logger    logging.Logger
}

// NewRegistry returns a registry pre-populated with the built-in strategies.
func NewRegistry(logger logging.Logger) *Registry {
	r := &Registry{
		factories: make(map[Mode]Factory),
		logger:    logging.OrNop(logger),
	}
	r.factories[ModeFixed] = func() Strategy { return NewFixed() }
	r.factories[ModeHybrid] = func() Strategy { return NewHybrid() }
	r.factories[ModeRalph] = func() Strategy { return NewRalph() }
	r.factories[ModeCustom] = func() Strategy { return NewCustom() }
	return r
}

// Register adds a factory for mode. Re-registering an existing mode returns
// DuplicateStrategyError unless allowOverwrite is set.
func (r *Registry) Register(mode Mode, factory Factory, allowOverwrite bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[mode]; exists && !allowOverwrite {
		return &fmerrors.DuplicateStrategyError{Mode: string(mode)}
	}
	r.factories[mode] = factory
	r.logger.Debug("Registered strategy %q (overwrite=%v)", mode, allowOverwrite)
	return nil
}

// Create instantiates and initializes a strategy for config.Mode. Unknown
// modes return StrategyNotFoundError listing the available modes.
func (r *Registry) Create(config Config) (Strategy, error) {
	r.mu.Lock()
	factory, ok := r.factories[config.Mode]
	r.mu.Unlock()

	if !ok {
		return nil, &fmerrors.StrategyNotFoundError{
			Mode:      string(config.Mode),
			Available: r.Available(),
		}
	}

	s := factory()
	if err := s.Initialize(config); err != nil {
		return nil, err
	}
	return s, nil
}

// Available returns the registered modes, sorted.
func (r *Registry) Available() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	modes := make([]string, 0, len(r.factories))
	for mode := range r.factories {
		modes = append(modes, string(mode))
	}
	sort.Strings(modes)
	return modes
}
