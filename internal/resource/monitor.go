package resource

import (
	"sync"
	"time"

	"github.com/pbnjay/memory"

	"foreman/internal/logging"
)

// EventKind identifies monitor notifications.
type EventKind string

const (
	EventSlotAcquired   EventKind = "slot-acquired"
	EventSlotReleased   EventKind = "slot-released"
	EventMemoryWarning  EventKind = "memory-warning"
	EventMemoryCritical EventKind = "memory-critical"
)

// Listener receives monitor events. Called without the monitor lock held.
type Listener func(kind EventKind, snapshot MemorySnapshot)

// Config configures the monitor.
type Config struct {
	MaxConcurrentSlots int
	MemoryPerSlotMB    int
	WarningThreshold   float64 // fraction of total memory; >= 1.0 disables
	CriticalThreshold  float64 // fraction of total memory; >= 1.0 disables
	PollInterval       time.Duration
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentSlots: 3,
		MemoryPerSlotMB:    512,
		WarningThreshold:   0.80,
		CriticalThreshold:  0.92,
		PollInterval:       5 * time.Second,
	}
}

// MemorySnapshot is one observation of system memory.
type MemorySnapshot struct {
	TotalBytes   uint64    `json:"total_bytes"`
	FreeBytes    uint64    `json:"free_bytes"`
	UsedFraction float64   `json:"used_fraction"`
	ObservedAt   time.Time `json:"observed_at"`
}

// Slot is a held unit of concurrency capacity. Release through the monitor.
type Slot struct {
	ID         string
	AcquiredAt time.Time
	released   bool
}

// memoryProbe abstracts system memory reads so tests can inject pressure.
type memoryProbe func() (total, free uint64)

func systemMemory() (uint64, uint64) {
	return memory.TotalMemory(), memory.FreeMemory()
}

// Monitor gates dispatch on available slots and memory pressure. All state
// mutations happen under a single mutex; AcquireSlot is constant-time.
type Monitor struct {
	mu       sync.Mutex
	config   Config
	slots    map[string]*Slot
	listener Listener
	logger   logging.Logger

	probe        memoryProbe
	lastSnapshot MemorySnapshot
	warned       bool

	stopCh   chan struct{}
	stopOnce sync.Once
	started  bool
	wg       sync.WaitGroup
}

// NewMonitor creates a resource monitor. The listener may be nil.
func NewMonitor(config Config, listener Listener, logger logging.Logger) *Monitor {
	if config.MaxConcurrentSlots <= 0 {
		config.MaxConcurrentSlots = DefaultConfig().MaxConcurrentSlots
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	m := &Monitor{
		config:   config,
		slots:    make(map[string]*Slot),
		listener: listener,
		logger:   logging.OrNop(logger),
		probe:    systemMemory,
		stopCh:   make(chan struct{}),
	}
	m.lastSnapshot = m.observe()
	return m
}

// SetMemoryProbe replaces the system memory reader. Tests inject synthetic
// pressure through this; the snapshot is refreshed immediately.
func (m *Monitor) SetMemoryProbe(probe func() (total, free uint64)) {
	m.mu.Lock()
	m.probe = probe
	m.mu.Unlock()
	snapshot := m.observe()
	m.mu.Lock()
	m.lastSnapshot = snapshot
	m.mu.Unlock()
}

// Start begins the memory poll loop. Safe to call once.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.pollLoop()
}

// Stop halts the poll loop. Safe to call multiple times.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *Monitor) pollLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.poll()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) poll() {
	snapshot := m.observe()

	m.mu.Lock()
	m.lastSnapshot = snapshot
	wasWarned := m.warned
	warning := m.config.WarningThreshold < 1.0 && snapshot.UsedFraction >= m.config.WarningThreshold
	critical := m.config.CriticalThreshold < 1.0 && snapshot.UsedFraction >= m.config.CriticalThreshold
	m.warned = warning
	listener := m.listener
	m.mu.Unlock()

	if listener == nil {
		return
	}
	if critical {
		m.logger.Warn("Memory critical: %.1f%% used", snapshot.UsedFraction*100)
		listener(EventMemoryCritical, snapshot)
	} else if warning && !wasWarned {
		m.logger.Warn("Memory warning: %.1f%% used", snapshot.UsedFraction*100)
		listener(EventMemoryWarning, snapshot)
	}
}

func (m *Monitor) observe() MemorySnapshot {
	m.mu.Lock()
	probe := m.probe
	m.mu.Unlock()
	total, free := probe()
	used := 0.0
	if total > 0 {
		used = 1.0 - float64(free)/float64(total)
	}
	return MemorySnapshot{
		TotalBytes:   total,
		FreeBytes:    free,
		UsedFraction: used,
		ObservedAt:   time.Now(),
	}
}

// AcquireSlot returns a slot handle iff a slot is free and memory pressure is
// below critical. Non-blocking; returns nil when nothing is available.
func (m *Monitor) AcquireSlot(id string) *Slot {
	m.mu.Lock()
	if len(m.slots) >= m.config.MaxConcurrentSlots {
		m.mu.Unlock()
		return nil
	}
	if m.config.CriticalThreshold < 1.0 && m.lastSnapshot.UsedFraction >= m.config.CriticalThreshold {
		m.mu.Unlock()
		m.logger.Warn("Slot denied for %s: memory critical (%.1f%% used)", id, m.lastSnapshot.UsedFraction*100)
		return nil
	}
	if _, held := m.slots[id]; held {
		m.mu.Unlock()
		return nil
	}

	slot := &Slot{ID: id, AcquiredAt: time.Now()}
	m.slots[id] = slot
	snapshot := m.lastSnapshot
	listener := m.listener
	m.mu.Unlock()

	m.logger.Debug("Slot acquired: %s (%d/%d in use)", id, m.ActiveSlots(), m.config.MaxConcurrentSlots)
	if listener != nil {
		listener(EventSlotAcquired, snapshot)
	}
	return slot
}

// ReleaseSlot returns a slot to the pool. Idempotent.
func (m *Monitor) ReleaseSlot(slot *Slot) {
	if slot == nil {
		return
	}

	m.mu.Lock()
	if slot.released {
		m.mu.Unlock()
		return
	}
	slot.released = true
	delete(m.slots, slot.ID)
	snapshot := m.lastSnapshot
	listener := m.listener
	m.mu.Unlock()

	m.logger.Debug("Slot released: %s (%d/%d in use)", slot.ID, m.ActiveSlots(), m.config.MaxConcurrentSlots)
	if listener != nil {
		listener(EventSlotReleased, snapshot)
	}
}

// CanStart reports whether at least one slot is free and memory allows it.
func (m *Monitor) CanStart() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.slots) >= m.config.MaxConcurrentSlots {
		return false
	}
	if m.config.CriticalThreshold < 1.0 && m.lastSnapshot.UsedFraction >= m.config.CriticalThreshold {
		return false
	}
	return true
}

// ActiveSlots returns the number of slots currently held.
func (m *Monitor) ActiveSlots() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

// MaxSlots returns the configured slot limit.
func (m *Monitor) MaxSlots() int {
	return m.config.MaxConcurrentSlots
}

// Memory returns the most recent memory snapshot.
func (m *Monitor) Memory() MemorySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSnapshot
}

// AvailableMemoryMB reports free memory from the last observation.
func (m *Monitor) AvailableMemoryMB() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.lastSnapshot.FreeBytes / (1024 * 1024))
}
