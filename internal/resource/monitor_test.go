package resource

import (
	"sync"
	"testing"
	"time"
)

func testConfig(slots int) Config {
	return Config{
		MaxConcurrentSlots: slots,
		MemoryPerSlotMB:    128,
		WarningThreshold:   1.0, // disabled
		CriticalThreshold:  1.0, // disabled
		PollInterval:       10 * time.Millisecond,
	}
}

func TestMonitor_AcquireRelease(t *testing.T) {
	m := NewMonitor(testConfig(2), nil, nil)

	a := m.AcquireSlot("wo-a")
	if a == nil {
		t.Fatal("expected slot for wo-a")
	}
	b := m.AcquireSlot("wo-b")
	if b == nil {
		t.Fatal("expected slot for wo-b")
	}
	if c := m.AcquireSlot("wo-c"); c != nil {
		t.Fatal("expected nil when all slots held")
	}
	if m.ActiveSlots() != 2 {
		t.Errorf("ActiveSlots = %d, want 2", m.ActiveSlots())
	}

	m.ReleaseSlot(a)
	if c := m.AcquireSlot("wo-c"); c == nil {
		t.Fatal("expected slot after release")
	}
}

func TestMonitor_ReleaseIdempotent(t *testing.T) {
	m := NewMonitor(testConfig(1), nil, nil)

	slot := m.AcquireSlot("wo-a")
	m.ReleaseSlot(slot)
	m.ReleaseSlot(slot)
	m.ReleaseSlot(nil)

	if m.ActiveSlots() != 0 {
		t.Errorf("ActiveSlots = %d, want 0", m.ActiveSlots())
	}
	// A double release must not free someone else's slot.
	other := m.AcquireSlot("wo-b")
	m.ReleaseSlot(slot)
	if m.ActiveSlots() != 1 {
		t.Errorf("double release dropped a held slot")
	}
	m.ReleaseSlot(other)
}

func TestMonitor_DuplicateIDRejected(t *testing.T) {
	m := NewMonitor(testConfig(3), nil, nil)

	if m.AcquireSlot("wo-a") == nil {
		t.Fatal("first acquire failed")
	}
	if m.AcquireSlot("wo-a") != nil {
		t.Error("same id acquired two slots")
	}
}

func TestMonitor_CriticalMemoryBlocksAcquire(t *testing.T) {
	cfg := testConfig(2)
	cfg.CriticalThreshold = 0.90
	m := NewMonitor(cfg, nil, nil)
	m.probe = func() (uint64, uint64) {
		return 1000, 50 // 95% used
	}
	m.lastSnapshot = m.observe()

	if m.AcquireSlot("wo-a") != nil {
		t.Error("acquire should fail under critical memory pressure")
	}
	if m.CanStart() {
		t.Error("CanStart should be false under critical memory pressure")
	}
}

func TestMonitor_ThresholdAtOneDisablesCheck(t *testing.T) {
	cfg := testConfig(1)
	cfg.CriticalThreshold = 1.0
	m := NewMonitor(cfg, nil, nil)
	m.probe = func() (uint64, uint64) {
		return 1000, 0 // 100% used
	}
	m.lastSnapshot = m.observe()

	if m.AcquireSlot("wo-a") == nil {
		t.Error("threshold >= 1.0 must disable the memory check")
	}
}

func TestMonitor_NeverExceedsMaxSlots(t *testing.T) {
	const max = 4
	m := NewMonitor(testConfig(max), nil, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if slot := m.AcquireSlot(slotID(n)); slot != nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if granted != max {
		t.Errorf("granted %d slots, want %d", granted, max)
	}
	if m.ActiveSlots() != max {
		t.Errorf("ActiveSlots = %d, want %d", m.ActiveSlots(), max)
	}
}

func TestMonitor_Events(t *testing.T) {
	var mu sync.Mutex
	var kinds []EventKind
	listener := func(kind EventKind, _ MemorySnapshot) {
		mu.Lock()
		kinds = append(kinds, kind)
		mu.Unlock()
	}

	m := NewMonitor(testConfig(1), listener, nil)
	slot := m.AcquireSlot("wo-a")
	m.ReleaseSlot(slot)

	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != 2 || kinds[0] != EventSlotAcquired || kinds[1] != EventSlotReleased {
		t.Errorf("events = %v, want [slot-acquired slot-released]", kinds)
	}
}

func slotID(n int) string {
	return "wo-" + string(rune('a'+n%26)) + string(rune('0'+n/26))
}
