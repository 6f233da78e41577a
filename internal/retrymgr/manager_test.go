package retrymgr

import (
	"errors"
	"sync"
	"testing"
	"time"

	fmerrors "foreman/internal/errors"
	"foreman/internal/workorder"
)

func fastConfig() Config {
	return Config{
		MaxRetries:   3,
		BaseDelay:    5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2,
		JitterFactor: 0,
	}
}

func TestManager_ScheduleFires(t *testing.T) {
	m := NewManager(fastConfig(), nil)

	done := make(chan workorder.RetryAttempt, 1)
	attempt, err := m.Schedule("wo-1", func(a workorder.RetryAttempt) {
		done <- a
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if attempt.AttemptNumber != 1 {
		t.Errorf("AttemptNumber = %d, want 1", attempt.AttemptNumber)
	}

	select {
	case fired := <-done:
		if fired.WorkOrderID != "wo-1" {
			t.Errorf("fired for %s, want wo-1", fired.WorkOrderID)
		}
	case <-time.After(time.Second):
		t.Fatal("retry never fired")
	}

	if m.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after fire, want 0", m.PendingCount())
	}
}

func TestManager_OnePendingPerID(t *testing.T) {
	cfg := fastConfig()
	cfg.BaseDelay = 200 * time.Millisecond
	m := NewManager(cfg, nil)

	if _, err := m.Schedule("wo-1", func(workorder.RetryAttempt) {}); err != nil {
		t.Fatalf("first Schedule: %v", err)
	}
	defer m.Cancel("wo-1")

	_, err := m.Schedule("wo-1", func(workorder.RetryAttempt) {})
	var dup *fmerrors.AlreadyEnqueuedError
	if !errors.As(err, &dup) {
		t.Fatalf("expected AlreadyEnqueuedError, got %v", err)
	}
}

func TestManager_CancelPreventsCallback(t *testing.T) {
	cfg := fastConfig()
	cfg.BaseDelay = 30 * time.Millisecond
	m := NewManager(cfg, nil)

	var mu sync.Mutex
	fired := false
	if _, err := m.Schedule("wo-1", func(workorder.RetryAttempt) {
		mu.Lock()
		fired = true
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	if !m.Cancel("wo-1") {
		t.Fatal("Cancel returned false for pending retry")
	}

	time.Sleep(80 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if fired {
		t.Error("cancelled retry fired anyway")
	}
}

func TestManager_CancelAll(t *testing.T) {
	cfg := fastConfig()
	cfg.BaseDelay = 50 * time.Millisecond
	m := NewManager(cfg, nil)

	for _, id := range []string{"a", "b", "c"} {
		if _, err := m.Schedule(id, func(workorder.RetryAttempt) {
			t.Error("callback fired after CancelAll")
		}); err != nil {
			t.Fatalf("Schedule(%s): %v", id, err)
		}
	}

	if n := m.CancelAll(); n != 3 {
		t.Errorf("CancelAll = %d, want 3", n)
	}
	if m.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0", m.PendingCount())
	}
	time.Sleep(100 * time.Millisecond)
}

func TestManager_ExhaustsBudget(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 2
	m := NewManager(cfg, nil)

	for i := 1; i <= 2; i++ {
		done := make(chan struct{})
		if _, err := m.Schedule("wo-1", func(workorder.RetryAttempt) { close(done) }); err != nil {
			t.Fatalf("Schedule attempt %d: %v", i, err)
		}
		<-done
	}

	_, err := m.Schedule("wo-1", func(workorder.RetryAttempt) {})
	var exhausted *fmerrors.ResourceExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ResourceExhaustedError, got %v", err)
	}
}

func TestManager_RecordSuccessResetsHistory(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 1
	m := NewManager(cfg, nil)

	done := make(chan struct{})
	if _, err := m.Schedule("wo-1", func(workorder.RetryAttempt) { close(done) }); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	<-done

	m.RecordSuccess("wo-1")
	if m.Attempts("wo-1") != 0 {
		t.Errorf("Attempts = %d after RecordSuccess, want 0", m.Attempts("wo-1"))
	}

	attempt, err := m.Schedule("wo-1", func(workorder.RetryAttempt) {})
	if err != nil {
		t.Fatalf("Schedule after RecordSuccess: %v", err)
	}
	if attempt.AttemptNumber != 1 {
		t.Errorf("AttemptNumber = %d, want 1", attempt.AttemptNumber)
	}
	m.Cancel("wo-1")
}

func TestManager_DelayGrowsPerAttempt(t *testing.T) {
	cfg := fastConfig()
	m := NewManager(cfg, nil)

	var delays []time.Duration
	for i := 0; i < 3; i++ {
		done := make(chan struct{})
		attempt, err := m.Schedule("wo-1", func(workorder.RetryAttempt) { close(done) })
		if err != nil {
			t.Fatalf("Schedule: %v", err)
		}
		delays = append(delays, attempt.Delay)
		<-done
	}

	if !(delays[0] <= delays[1] && delays[1] <= delays[2]) {
		t.Errorf("delays not monotone: %v", delays)
	}
}
