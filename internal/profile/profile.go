package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	fmerrors "foreman/internal/errors"
	"foreman/internal/logging"
	"foreman/internal/strategy"
)

// Profile is a named harness configuration a work order can reference
// instead of spelling out agent and strategy settings inline.
type Profile struct {
	Name                string            `yaml:"name" json:"name"`
	Description         string            `yaml:"description,omitempty" json:"description,omitempty"`
	AgentType           string            `yaml:"agent_type" json:"agent_type"`
	Model               string            `yaml:"model,omitempty" json:"model,omitempty"`
	MaxIterations       int               `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	MaxWallClockSeconds int               `yaml:"max_wall_clock_seconds,omitempty" json:"max_wall_clock_seconds,omitempty"`
	VerificationLevels  []int             `yaml:"verification_levels,omitempty" json:"verification_levels,omitempty"`
	Strategy            strategy.Config   `yaml:"strategy" json:"strategy"`
	Env                 map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

func (p *Profile) validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile: name is required")
	}
	if p.AgentType == "" {
		return fmt.Errorf("profile %s: agent_type is required", p.Name)
	}
	return nil
}

// Store loads harness profiles from YAML files in a directory. Profiles are
// read once at load time; Reload picks up edits.
type Store struct {
	dir    string
	logger logging.Logger

	mu       sync.Mutex
	profiles map[string]*Profile
}

// NewStore creates a profile store over dir and loads it. A missing
// directory yields an empty store, not an error.
func NewStore(dir string, logger logging.Logger) (*Store, error) {
	s := &Store{
		dir:      dir,
		logger:   logging.OrNop(logger),
		profiles: make(map[string]*Profile),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads every profile file. A single malformed file fails the
// reload so a bad edit cannot silently drop profiles.
func (s *Store) Reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("profile: read dir %s: %w", s.dir, err)
	}

	loaded := make(map[string]*Profile)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		profile, err := loadFile(filepath.Join(s.dir, name))
		if err != nil {
			return err
		}
		if _, dup := loaded[profile.Name]; dup {
			return fmt.Errorf("profile: duplicate name %q in %s", profile.Name, name)
		}
		loaded[profile.Name] = profile
	}

	s.mu.Lock()
	s.profiles = loaded
	s.mu.Unlock()
	s.logger.Info("Loaded %d harness profiles from %s", len(loaded), s.dir)
	return nil
}

func loadFile(path string) (*Profile, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile: read %s: %w", path, err)
	}
	var profile Profile
	if err := yaml.Unmarshal(payload, &profile); err != nil {
		return nil, fmt.Errorf("profile: parse %s: %w", path, err)
	}
	if err := profile.validate(); err != nil {
		return nil, fmt.Errorf("profile: %s: %w", path, err)
	}
	return &profile, nil
}

// Resolve returns the named profile or NotFoundError.
func (s *Store) Resolve(name string) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	profile, ok := s.profiles[name]
	if !ok {
		return nil, &fmerrors.NotFoundError{Kind: "profile", ID: name}
	}
	copied := *profile
	return &copied, nil
}

// Names lists the loaded profile names, sorted.
func (s *Store) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.profiles))
	for name := range s.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
