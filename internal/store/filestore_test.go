package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	fmerrors "foreman/internal/errors"
	"foreman/internal/workorder"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := New(Config{Dir: t.TempDir()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func sampleWorkOrder(id string, status workorder.Status) *workorder.WorkOrder {
	return &workorder.WorkOrder{
		ID:            id,
		Task:          "fix the flaky test",
		Workspace:     workorder.WorkspaceSource{Kind: workorder.WorkspaceLocal, Path: "/tmp/repo"},
		AgentType:     "coder",
		MaxIterations: 5,
		Status:        status,
		CreatedAt:     time.Now(),
	}
}

func TestFileStore_SaveAndGetWorkOrder(t *testing.T) {
	s := newTestStore(t)
	wo := sampleWorkOrder("wo-1", workorder.StatusQueued)

	if err := s.SaveWorkOrder(wo); err != nil {
		t.Fatalf("SaveWorkOrder: %v", err)
	}

	got, err := s.GetWorkOrder("wo-1")
	if err != nil {
		t.Fatalf("GetWorkOrder: %v", err)
	}
	if got.ID != wo.ID || got.Task != wo.Task || got.Status != wo.Status {
		t.Errorf("got %+v", got)
	}
	if got.Workspace.Kind != workorder.WorkspaceLocal || got.Workspace.Path != "/tmp/repo" {
		t.Errorf("workspace = %+v", got.Workspace)
	}
}

func TestFileStore_GetMissingIsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetWorkOrder("nope")
	if !fmerrors.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestFileStore_OverwriteUpdates(t *testing.T) {
	s := newTestStore(t)
	wo := sampleWorkOrder("wo-1", workorder.StatusQueued)
	_ = s.SaveWorkOrder(wo)

	wo.Status = workorder.StatusRunning
	if err := s.SaveWorkOrder(wo); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetWorkOrder("wo-1")
	if got.Status != workorder.StatusRunning {
		t.Errorf("status = %s after overwrite", got.Status)
	}
}

func TestFileStore_ListByStatus(t *testing.T) {
	s := newTestStore(t)
	_ = s.SaveWorkOrder(sampleWorkOrder("wo-1", workorder.StatusQueued))
	_ = s.SaveWorkOrder(sampleWorkOrder("wo-2", workorder.StatusRunning))
	_ = s.SaveWorkOrder(sampleWorkOrder("wo-3", workorder.StatusQueued))

	queued, err := s.ListWorkOrdersByStatus(workorder.StatusQueued)
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 2 {
		t.Fatalf("queued = %d, want 2", len(queued))
	}
}

func TestFileStore_DeleteIdempotent(t *testing.T) {
	s := newTestStore(t)
	_ = s.SaveWorkOrder(sampleWorkOrder("wo-1", workorder.StatusQueued))

	if err := s.DeleteWorkOrder("wo-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteWorkOrder("wo-1"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := s.GetWorkOrder("wo-1"); !fmerrors.IsNotFound(err) {
		t.Errorf("record survives delete: %v", err)
	}
}

func TestFileStore_RunsAndIterations(t *testing.T) {
	s := newTestStore(t)

	run := &workorder.Run{
		ID:          "run-1",
		WorkOrderID: "wo-1",
		State:       workorder.RunLeased,
		StartedAt:   time.Now(),
	}
	if err := s.SaveRun(run); err != nil {
		t.Fatal(err)
	}
	_ = s.SaveRun(&workorder.Run{ID: "run-other", WorkOrderID: "wo-2", StartedAt: time.Now()})

	runs, err := s.ListRuns("wo-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != "run-1" {
		t.Fatalf("runs = %+v", runs)
	}

	for i := 3; i >= 1; i-- {
		if err := s.SaveIteration(&workorder.IterationData{
			RunID:     "run-1",
			Iteration: i,
			ErrorType: workorder.ErrNone,
		}); err != nil {
			t.Fatal(err)
		}
	}
	iterations, err := s.ListIterations("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(iterations) != 3 {
		t.Fatalf("iterations = %d", len(iterations))
	}
	for i, data := range iterations {
		if data.Iteration != i+1 {
			t.Errorf("iteration order broken: %d at index %d", data.Iteration, i)
		}
	}
}

func TestScan_CleanStore(t *testing.T) {
	s := newTestStore(t)
	_ = s.SaveWorkOrder(sampleWorkOrder("wo-1", workorder.StatusQueued))
	_ = s.SaveWorkOrder(sampleWorkOrder("wo-2", workorder.StatusSucceeded))

	result, err := s.Scan(ScanLogAndContinue)
	if err != nil {
		t.Fatal(err)
	}
	if result.TotalFiles != 2 || result.ValidCount != 2 || result.InvalidCount != 0 {
		t.Errorf("result = %+v", result)
	}
}

func corruptFile(t *testing.T, s *FileStore, name, content string) {
	t.Helper()
	path := filepath.Join(s.dir, workOrdersDir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestScan_LogAndContinue(t *testing.T) {
	s := newTestStore(t)
	_ = s.SaveWorkOrder(sampleWorkOrder("wo-1", workorder.StatusQueued))
	corruptFile(t, s, "broken.json", "{not json")
	corruptFile(t, s, "wo-bad.json", `{"id":"wo-bad","status":"exploded"}`)

	result, err := s.Scan(ScanLogAndContinue)
	if err != nil {
		t.Fatalf("log-and-continue returned error: %v", err)
	}
	if result.TotalFiles != 3 || result.ValidCount != 1 || result.InvalidCount != 2 {
		t.Errorf("result = %+v", result)
	}
	if len(result.CorruptedFiles) != 2 {
		t.Errorf("corrupted = %v", result.CorruptedFiles)
	}
	if result.DurationMs < 0 {
		t.Errorf("duration = %d", result.DurationMs)
	}
}

func TestScan_FailFast(t *testing.T) {
	s := newTestStore(t)
	corruptFile(t, s, "broken.json", "{not json")

	_, err := s.Scan(ScanFailFast)
	if err == nil {
		t.Fatal("fail-fast scan accepted corrupt record")
	}
}

func TestScan_NameMismatchIsCorrupt(t *testing.T) {
	s := newTestStore(t)
	corruptFile(t, s, "wo-1.json", `{"id":"wo-2","status":"queued"}`)

	result, err := s.Scan(ScanLogAndContinue)
	if err != nil {
		t.Fatal(err)
	}
	if result.InvalidCount != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestMaintenance_SweepExpiresDeadLetters(t *testing.T) {
	s := newTestStore(t)
	m := NewMaintenance(s, MaintenanceConfig{
		Schedule:            "@hourly",
		DeadLetterRetention: time.Hour,
	}, nil)

	dlDir := filepath.Join(s.dir, deadLetterDir)
	oldFile := filepath.Join(dlDir, "old.json")
	newFile := filepath.Join(dlDir, "new.json")
	if err := os.WriteFile(oldFile, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(newFile, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	stale := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(oldFile, stale, stale); err != nil {
		t.Fatal(err)
	}

	m.Sweep()

	if _, err := os.Stat(oldFile); !os.IsNotExist(err) {
		t.Error("stale dead letter survived sweep")
	}
	if _, err := os.Stat(newFile); err != nil {
		t.Error("fresh dead letter removed by sweep")
	}
	count, err := s.DeadLetterCount()
	if err != nil || count != 1 {
		t.Errorf("DeadLetterCount = %d, %v", count, err)
	}
}

func TestMaintenance_StartStop(t *testing.T) {
	s := newTestStore(t)
	m := NewMaintenance(s, MaintenanceConfig{Schedule: "@every 1h"}, nil)
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	m.Stop()
}

func TestMaintenance_InvalidSchedule(t *testing.T) {
	s := newTestStore(t)
	m := NewMaintenance(s, MaintenanceConfig{Schedule: "not a cron spec"}, nil)
	if err := m.Start(); err == nil {
		t.Fatal("invalid schedule accepted")
	}
}
