package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"foreman/internal/broadcast"
	"foreman/internal/orchestrator"
	"foreman/internal/profile"
	"foreman/internal/queue"
	"foreman/internal/resource"
	"foreman/internal/retrymgr"
	"foreman/internal/scheduler"
	"foreman/internal/store"
	"foreman/internal/strategy"
	"foreman/internal/workorder"
)

type testAgent struct {
	block  bool
	output string
}

func (a *testAgent) Execute(ctx context.Context, wo *workorder.WorkOrder, iteration int) (*orchestrator.AgentResult, error) {
	if a.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &orchestrator.AgentResult{
		SessionID: "sess-1",
		Success:   true,
		Output:    a.output,
	}, nil
}

type testVerifier struct {
	pass bool
}

func (v *testVerifier) Verify(ctx context.Context, snapshot *workorder.Snapshot) (*workorder.VerificationReport, error) {
	return &workorder.VerificationReport{
		Levels: []workorder.LevelResult{{Level: 0, Passed: true}, {Level: 1, Passed: v.pass}},
		Passed: v.pass,
	}, nil
}

type testWorkspace struct{}

func (testWorkspace) Snapshot(ctx context.Context, iteration int) (*workorder.Snapshot, error) {
	return &workorder.Snapshot{AfterSha: "sha", Iteration: iteration, FilesChanged: 1}, nil
}

type coordFixture struct {
	coordinator *Coordinator
	store       *store.FileStore
	legacy      *queue.Manager
	monitor     *resource.Monitor
	retries     *retrymgr.Manager
	broadcaster *broadcast.Broadcaster
}

func newCoordFixture(t *testing.T, agent *testAgent, verifier *testVerifier, profileDir string) *coordFixture {
	t.Helper()

	fs, err := store.New(store.Config{Dir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	profiles, err := profile.NewStore(profileDir, nil)
	if err != nil {
		t.Fatalf("profile.NewStore: %v", err)
	}
	monitor := resource.NewMonitor(resource.Config{
		MaxConcurrentSlots: 2,
		WarningThreshold:   1.0,
		CriticalThreshold:  1.0,
		PollInterval:       time.Hour,
	}, nil, nil)
	legacy := queue.NewManager(queue.ManagerConfig{MaxQueueDepth: 10}, nil)
	sched := scheduler.New(scheduler.Config{MaxQueueDepth: 10, PollInterval: time.Hour}, monitor, nil)
	facade := queue.NewFacade(queue.RolloutConfig{}, legacy, sched, nil)
	broadcaster := broadcast.New(broadcast.Config{}, nil)
	retries := retrymgr.NewManager(retrymgr.Config{
		MaxRetries: 2,
		BaseDelay:  time.Hour, // retries must never fire mid-test
	}, nil)
	orch := orchestrator.New(agent, verifier, testWorkspace{}, fs, broadcaster, nil)

	c := NewCoordinator(Deps{
		Store:        fs,
		Profiles:     profiles,
		Facade:       facade,
		Scheduler:    sched,
		LegacyQueue:  legacy,
		Monitor:      monitor,
		Orchestrator: orch,
		Strategies:   strategy.NewRegistry(nil),
		Broadcaster:  broadcaster,
		Retries:      retries,
	})
	return &coordFixture{
		coordinator: c,
		store:       fs,
		legacy:      legacy,
		monitor:     monitor,
		retries:     retries,
		broadcaster: broadcaster,
	}
}

func submitReq() SubmitRequest {
	return SubmitRequest{
		Task:          "fix the flaky test",
		Workspace:     workorder.WorkspaceSource{Kind: workorder.WorkspaceLocal, Path: "/tmp/ws"},
		AgentType:     "claude",
		MaxIterations: 3,
		Strategy: &strategy.Config{
			Mode:          strategy.ModeFixed,
			MaxIterations: 3,
			Criteria:      []strategy.Criterion{strategy.CriterionVerificationPass},
		},
	}
}

func TestCoordinator_SubmitPersistsAndEnqueues(t *testing.T) {
	f := newCoordFixture(t, &testAgent{}, &testVerifier{pass: true}, t.TempDir())

	wo, err := f.coordinator.Submit(submitReq())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if wo.Status != workorder.StatusQueued {
		t.Errorf("status = %s, want queued", wo.Status)
	}

	persisted, err := f.store.GetWorkOrder(wo.ID)
	if err != nil {
		t.Fatalf("GetWorkOrder: %v", err)
	}
	if persisted.Task != "fix the flaky test" {
		t.Errorf("persisted task = %q", persisted.Task)
	}

	pos, ok := f.coordinator.Position(wo.ID)
	if !ok {
		t.Fatal("no queue position after submit")
	}
	if pos.Position != 1 {
		t.Errorf("position = %d, want 1", pos.Position)
	}
}

func TestCoordinator_SubmitValidation(t *testing.T) {
	f := newCoordFixture(t, &testAgent{}, &testVerifier{pass: true}, t.TempDir())

	cases := []struct {
		name   string
		mutate func(*SubmitRequest)
	}{
		{"missing task", func(r *SubmitRequest) { r.Task = "" }},
		{"missing workspace kind", func(r *SubmitRequest) { r.Workspace = workorder.WorkspaceSource{} }},
		{"local without path", func(r *SubmitRequest) { r.Workspace.Path = "" }},
		{"github without repo", func(r *SubmitRequest) {
			r.Workspace = workorder.WorkspaceSource{Kind: workorder.WorkspaceGitHub, Owner: "acme"}
		}},
		{"negative iterations", func(r *SubmitRequest) { r.MaxIterations = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := submitReq()
			tc.mutate(&req)
			if _, err := f.coordinator.Submit(req); err == nil {
				t.Error("expected validation error")
			} else {
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Errorf("error type = %T, want *ValidationError", err)
				}
			}
		})
	}
}

func TestCoordinator_SubmitResolvesProfile(t *testing.T) {
	profileDir := t.TempDir()
	manifest := `name: nightly
agent_type: claude
max_iterations: 7
strategy:
  mode: ralph
  max_iterations: 7
  min_iterations: 2
`
	if err := os.WriteFile(filepath.Join(profileDir, "nightly.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	f := newCoordFixture(t, &testAgent{}, &testVerifier{pass: true}, profileDir)
	req := SubmitRequest{
		Task:           "improve coverage",
		Workspace:      workorder.WorkspaceSource{Kind: workorder.WorkspaceLocal, Path: "/tmp/ws"},
		HarnessProfile: "nightly",
	}
	wo, err := f.coordinator.Submit(req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if wo.AgentType != "claude" {
		t.Errorf("agent type = %q, want claude from profile", wo.AgentType)
	}
	if wo.MaxIterations != 7 {
		t.Errorf("max iterations = %d, want 7 from profile", wo.MaxIterations)
	}
}

func TestCoordinator_SubmitUnknownProfile(t *testing.T) {
	f := newCoordFixture(t, &testAgent{}, &testVerifier{pass: true}, t.TempDir())
	req := submitReq()
	req.HarnessProfile = "no-such-profile"
	if _, err := f.coordinator.Submit(req); err == nil {
		t.Error("expected error for unknown profile")
	}
}

func TestCoordinator_ExecuteSuccess(t *testing.T) {
	f := newCoordFixture(t, &testAgent{output: "done"}, &testVerifier{pass: true}, t.TempDir())
	wo, err := f.coordinator.Submit(submitReq())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	f.coordinator.Execute(context.Background(), wo.ID)

	settled, err := f.store.GetWorkOrder(wo.ID)
	if err != nil {
		t.Fatalf("GetWorkOrder: %v", err)
	}
	if settled.Status != workorder.StatusSucceeded {
		t.Errorf("status = %s, want succeeded", settled.Status)
	}
	if settled.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	runs, err := f.store.ListRuns(wo.ID)
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListRuns = %d runs, err %v", len(runs), err)
	}
	if runs[0].Result != workorder.ResultPassed {
		t.Errorf("run result = %s, want passed", runs[0].Result)
	}
}

func TestCoordinator_ExecuteFailureSchedulesRetry(t *testing.T) {
	f := newCoordFixture(t, &testAgent{}, &testVerifier{pass: false}, t.TempDir())
	req := submitReq()
	req.Strategy.MaxIterations = 1
	wo, err := f.coordinator.Submit(req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	f.coordinator.Execute(context.Background(), wo.ID)

	settled, _ := f.store.GetWorkOrder(wo.ID)
	if settled.Status != workorder.StatusFailed {
		t.Errorf("status = %s, want failed", settled.Status)
	}
	if f.retries.PendingCount() != 1 {
		t.Errorf("pending retries = %d, want 1", f.retries.PendingCount())
	}
}

func TestCoordinator_CancelQueued(t *testing.T) {
	f := newCoordFixture(t, &testAgent{}, &testVerifier{pass: true}, t.TempDir())
	wo, err := f.coordinator.Submit(submitReq())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := f.coordinator.Cancel(wo.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	settled, _ := f.store.GetWorkOrder(wo.ID)
	if settled.Status != workorder.StatusCanceled {
		t.Errorf("status = %s, want canceled", settled.Status)
	}
	if f.legacy.Depth() != 0 {
		t.Errorf("legacy queue depth = %d after cancel", f.legacy.Depth())
	}

	err = f.coordinator.Cancel(wo.ID)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Errorf("second cancel error = %v, want *ConflictError", err)
	}
}

func TestCoordinator_CancelRunningTripsToken(t *testing.T) {
	agent := &testAgent{block: true}
	f := newCoordFixture(t, agent, &testVerifier{pass: true}, t.TempDir())
	wo, err := f.coordinator.Submit(submitReq())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.coordinator.Execute(context.Background(), wo.ID)
	}()

	// Wait for the run to be in flight before cancelling.
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.coordinator.mu.Lock()
		_, running := f.coordinator.cancels[wo.ID]
		f.coordinator.mu.Unlock()
		if running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := f.coordinator.Cancel(wo.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after cancel")
	}

	settled, _ := f.store.GetWorkOrder(wo.ID)
	if settled.Status != workorder.StatusCanceled {
		t.Errorf("status = %s, want canceled", settled.Status)
	}
}

func TestCoordinator_StartRunConflicts(t *testing.T) {
	f := newCoordFixture(t, &testAgent{}, &testVerifier{pass: true}, t.TempDir())
	wo, err := f.coordinator.Submit(submitReq())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	f.coordinator.Execute(context.Background(), wo.ID)

	_, err = f.coordinator.StartRun(wo.ID)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Errorf("StartRun on succeeded = %v, want *ConflictError", err)
	}
}

func TestCoordinator_StartRunResubmitsFailed(t *testing.T) {
	f := newCoordFixture(t, &testAgent{}, &testVerifier{pass: false}, t.TempDir())
	req := submitReq()
	req.Strategy.MaxIterations = 1
	wo, err := f.coordinator.Submit(req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.coordinator.Execute(context.Background(), wo.ID)

	run, err := f.coordinator.StartRun(wo.ID)
	if err != nil {
		t.Fatalf("StartRun after failure: %v", err)
	}
	if run.WorkOrderID != wo.ID {
		t.Errorf("run work order = %s", run.WorkOrderID)
	}
	resubmitted, _ := f.store.GetWorkOrder(wo.ID)
	if resubmitted.Status != workorder.StatusQueued {
		t.Errorf("status = %s, want queued after resubmit", resubmitted.Status)
	}
}

func TestCoordinator_ExecuteAdoptsPendingRun(t *testing.T) {
	f := newCoordFixture(t, &testAgent{output: "done"}, &testVerifier{pass: true}, t.TempDir())
	wo, err := f.coordinator.Submit(submitReq())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	pending, err := f.coordinator.StartRun(wo.ID)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if pending.State != workorder.RunQueued {
		t.Fatalf("pending run state = %s, want queued", pending.State)
	}

	f.coordinator.Execute(context.Background(), wo.ID)

	// The run id handed out by StartRun is the run that executed; no
	// second record appears.
	runs, err := f.store.ListRuns(wo.ID)
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListRuns = %d runs, err %v", len(runs), err)
	}
	if runs[0].ID != pending.ID {
		t.Errorf("executed run id = %s, want adopted %s", runs[0].ID, pending.ID)
	}
	if runs[0].State != workorder.RunSucceeded || runs[0].Result != workorder.ResultPassed {
		t.Errorf("adopted run = state %s result %s", runs[0].State, runs[0].Result)
	}
}

func TestCoordinator_ExecuteQueuedRequiresSlot(t *testing.T) {
	f := newCoordFixture(t, &testAgent{output: "done"}, &testVerifier{pass: true}, t.TempDir())
	wo, err := f.coordinator.Submit(submitReq())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	qwo := &workorder.QueuedWorkOrder{ID: wo.ID, Machine: workorder.NewMachine(workorder.StatusQueued)}

	// Exhaust the monitor so the legacy path cannot claim a slot.
	a := f.monitor.AcquireSlot("other-1")
	b := f.monitor.AcquireSlot("other-2")
	if a == nil || b == nil {
		t.Fatal("could not exhaust slots")
	}

	if f.coordinator.ExecuteQueued(context.Background(), qwo) {
		t.Fatal("ExecuteQueued reported started without a slot")
	}
	still, _ := f.store.GetWorkOrder(wo.ID)
	if still.Status != workorder.StatusQueued {
		t.Errorf("status = %s, want queued after declined dispatch", still.Status)
	}

	f.monitor.ReleaseSlot(a)
	if !f.coordinator.ExecuteQueued(context.Background(), qwo) {
		t.Fatal("ExecuteQueued declined with a slot free")
	}
	settled, _ := f.store.GetWorkOrder(wo.ID)
	if settled.Status != workorder.StatusSucceeded {
		t.Errorf("status = %s, want succeeded", settled.Status)
	}
}

func TestCoordinator_ListPaging(t *testing.T) {
	f := newCoordFixture(t, &testAgent{}, &testVerifier{pass: true}, t.TempDir())
	for i := 0; i < 5; i++ {
		if _, err := f.coordinator.Submit(submitReq()); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	page, err := f.coordinator.List("", 2, 0)
	if err != nil || len(page) != 2 {
		t.Fatalf("List limit 2 = %d orders, err %v", len(page), err)
	}
	rest, err := f.coordinator.List("", 0, 4)
	if err != nil || len(rest) != 1 {
		t.Fatalf("List offset 4 = %d orders, err %v", len(rest), err)
	}
	none, err := f.coordinator.List(workorder.StatusFailed, 0, 0)
	if err != nil || len(none) != 0 {
		t.Fatalf("List failed = %d orders, err %v", len(none), err)
	}
}

func TestCoordinator_RestoreReenqueues(t *testing.T) {
	f := newCoordFixture(t, &testAgent{}, &testVerifier{pass: true}, t.TempDir())
	wo, err := f.coordinator.Submit(submitReq())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// A second coordinator over the same store simulates a restart.
	legacy := queue.NewManager(queue.ManagerConfig{MaxQueueDepth: 10}, nil)
	monitor := resource.NewMonitor(resource.Config{
		MaxConcurrentSlots: 1,
		WarningThreshold:   1.0,
		CriticalThreshold:  1.0,
		PollInterval:       time.Hour,
	}, nil, nil)
	sched := scheduler.New(scheduler.Config{MaxQueueDepth: 10, PollInterval: time.Hour}, monitor, nil)
	profiles, _ := profile.NewStore(t.TempDir(), nil)
	restarted := NewCoordinator(Deps{
		Store:        f.store,
		Profiles:     profiles,
		Facade:       queue.NewFacade(queue.RolloutConfig{}, legacy, sched, nil),
		Scheduler:    sched,
		LegacyQueue:  legacy,
		Monitor:      monitor,
		Orchestrator: orchestrator.New(&testAgent{}, &testVerifier{pass: true}, testWorkspace{}, f.store, nil, nil),
		Strategies:   strategy.NewRegistry(nil),
		Retries:      retrymgr.NewManager(retrymgr.Config{BaseDelay: time.Hour}, nil),
	})
	if err := restarted.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if _, ok := restarted.Position(wo.ID); !ok {
		t.Error("restored work order has no queue position")
	}
}

func TestCoordinator_Health(t *testing.T) {
	f := newCoordFixture(t, &testAgent{}, &testVerifier{pass: true}, t.TempDir())
	h := f.coordinator.Health()
	if !h.Live {
		t.Error("not live")
	}
	if !h.Ready {
		t.Errorf("not ready: %+v", h.Components)
	}
	if !h.Components["legacy_queue"] || !h.Components["store"] {
		t.Errorf("components = %+v", h.Components)
	}
}

func TestCoordinator_Stats(t *testing.T) {
	f := newCoordFixture(t, &testAgent{}, &testVerifier{pass: true}, t.TempDir())
	if _, err := f.coordinator.Submit(submitReq()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	s := f.coordinator.GetStats()
	if s.Legacy.Depth != 1 {
		t.Errorf("legacy depth = %d, want 1", s.Legacy.Depth)
	}
	if s.Rollout.Counters.TotalRouted != 1 {
		t.Errorf("total routed = %d, want 1", s.Rollout.Counters.TotalRouted)
	}
}
