package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"foreman/internal/broadcast"
	"foreman/internal/orchestrator"
	"foreman/internal/profile"
	"foreman/internal/queue"
	"foreman/internal/resource"
	"foreman/internal/retrymgr"
	"foreman/internal/scheduler"
	"foreman/internal/server/app"
	"foreman/internal/store"
	"foreman/internal/strategy"
	"foreman/internal/workorder"
)

type stubAgent struct{}

func (stubAgent) Execute(ctx context.Context, wo *workorder.WorkOrder, iteration int) (*orchestrator.AgentResult, error) {
	return &orchestrator.AgentResult{Success: true, Output: "ok"}, nil
}

type stubVerifier struct{}

func (stubVerifier) Verify(ctx context.Context, snapshot *workorder.Snapshot) (*workorder.VerificationReport, error) {
	return &workorder.VerificationReport{
		Levels: []workorder.LevelResult{{Level: 0, Passed: true}},
		Passed: true,
	}, nil
}

type stubWorkspace struct{}

func (stubWorkspace) Snapshot(ctx context.Context, iteration int) (*workorder.Snapshot, error) {
	return &workorder.Snapshot{AfterSha: "sha", Iteration: iteration}, nil
}

func newTestServer(t *testing.T, config Config) (*Server, *app.Coordinator) {
	t.Helper()

	fs, err := store.New(store.Config{Dir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	profiles, err := profile.NewStore(t.TempDir(), nil)
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
	broadcaster := broadcast.New(broadcast.Config{}, nil)

	coordinator := app.NewCoordinator(app.Deps{
		Store:        fs,
		Profiles:     profiles,
		Facade:       queue.NewFacade(queue.RolloutConfig{}, legacy, sched, nil),
		Scheduler:    sched,
		LegacyQueue:  legacy,
		Monitor:      monitor,
		Orchestrator: orchestrator.New(stubAgent{}, stubVerifier{}, stubWorkspace{}, fs, broadcaster, nil),
		Strategies:   strategy.NewRegistry(nil),
		Broadcaster:  broadcaster,
		Retries:      retrymgr.NewManager(retrymgr.Config{BaseDelay: time.Hour}, nil),
	})

	server, err := New(config, coordinator, nil)
	if err != nil {
		t.Fatalf("http.New: %v", err)
	}
	return server, coordinator
}

func doJSON(t *testing.T, handler nethttp.Handler, method, path, token string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("response not an envelope: %v\n%s", err, rec.Body.String())
	}
	return rec, env
}

func submitBody() map[string]any {
	return map[string]any{
		"task":      "refactor the parser",
		"workspace": map[string]any{"kind": "local", "path": "/tmp/ws"},
		"agent_type": "claude",
		"strategy": map[string]any{
			"mode":           "fixed",
			"max_iterations": 2,
			"criteria":       []string{"verification_pass"},
		},
	}
}

func submittedID(t *testing.T, env envelope) string {
	t.Helper()
	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("data is %T", env.Data)
	}
	id, _ := data["id"].(string)
	if id == "" {
		t.Fatalf("no id in %v", data)
	}
	return id
}

func TestServer_HealthEndpoints(t *testing.T) {
	server, _ := newTestServer(t, Config{})

	rec, env := doJSON(t, server.Handler(), "GET", "/health", "", nil)
	if rec.Code != nethttp.StatusOK || !env.Success {
		t.Errorf("/health = %d, success=%v", rec.Code, env.Success)
	}
	if env.RequestID == "" {
		t.Error("no requestId in envelope")
	}

	rec, _ = doJSON(t, server.Handler(), "GET", "/health/live", "", nil)
	if rec.Code != nethttp.StatusOK {
		t.Errorf("/health/live = %d", rec.Code)
	}
	rec, _ = doJSON(t, server.Handler(), "GET", "/health/ready", "", nil)
	if rec.Code != nethttp.StatusOK {
		t.Errorf("/health/ready = %d", rec.Code)
	}
}

func TestServer_SubmitAndFetchWorkOrder(t *testing.T) {
	server, _ := newTestServer(t, Config{})

	rec, env := doJSON(t, server.Handler(), "POST", "/api/v1/work-orders", "", submitBody())
	if rec.Code != nethttp.StatusCreated {
		t.Fatalf("POST = %d: %s", rec.Code, rec.Body.String())
	}
	id := submittedID(t, env)

	rec, env = doJSON(t, server.Handler(), "GET", "/api/v1/work-orders/"+id, "", nil)
	if rec.Code != nethttp.StatusOK || !env.Success {
		t.Fatalf("GET detail = %d", rec.Code)
	}
	detail := env.Data.(map[string]any)
	wo := detail["work_order"].(map[string]any)
	if wo["status"] != "queued" {
		t.Errorf("status = %v, want queued", wo["status"])
	}
	if detail["queue_position"] == nil {
		t.Error("no queue_position in detail")
	}

	rec, env = doJSON(t, server.Handler(), "GET", "/api/v1/work-orders", "", nil)
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}
	list := env.Data.(map[string]any)
	if int(list["count"].(float64)) != 1 {
		t.Errorf("count = %v, want 1", list["count"])
	}
}

func TestServer_ValidationAndErrorCodes(t *testing.T) {
	server, _ := newTestServer(t, Config{})

	body := submitBody()
	body["task"] = ""
	rec, env := doJSON(t, server.Handler(), "POST", "/api/v1/work-orders", "", body)
	if rec.Code != nethttp.StatusBadRequest || env.Error == nil || env.Error.Code != CodeBadRequest {
		t.Errorf("empty task: code=%d error=%+v", rec.Code, env.Error)
	}

	rec, env = doJSON(t, server.Handler(), "GET", "/api/v1/work-orders/nope", "", nil)
	if rec.Code != nethttp.StatusNotFound || env.Error.Code != CodeNotFound {
		t.Errorf("missing order: code=%d error=%+v", rec.Code, env.Error)
	}

	rec, env = doJSON(t, server.Handler(), "GET", "/api/v1/work-orders?limit=banana", "", nil)
	if rec.Code != nethttp.StatusBadRequest {
		t.Errorf("bad limit: code=%d", rec.Code)
	}

	rec, env = doJSON(t, server.Handler(), "GET", "/api/v1/queue/position/nope", "", nil)
	if rec.Code != nethttp.StatusNotFound {
		t.Errorf("missing position: code=%d", rec.Code)
	}
}

func TestServer_AuthOnMutatingEndpoints(t *testing.T) {
	server, _ := newTestServer(t, Config{AuthToken: "sekrit"})

	rec, env := doJSON(t, server.Handler(), "POST", "/api/v1/work-orders", "", submitBody())
	if rec.Code != nethttp.StatusUnauthorized || env.Error.Code != CodeUnauthorized {
		t.Errorf("no token: code=%d error=%+v", rec.Code, env.Error)
	}

	rec, env = doJSON(t, server.Handler(), "POST", "/api/v1/work-orders", "wrong", submitBody())
	if rec.Code != nethttp.StatusUnauthorized {
		t.Errorf("wrong token: code=%d", rec.Code)
	}

	rec, _ = doJSON(t, server.Handler(), "POST", "/api/v1/work-orders", "sekrit", submitBody())
	if rec.Code != nethttp.StatusCreated {
		t.Errorf("valid token: code=%d", rec.Code)
	}

	// Reads stay open.
	rec, _ = doJSON(t, server.Handler(), "GET", "/api/v1/work-orders", "", nil)
	if rec.Code != nethttp.StatusOK {
		t.Errorf("unauthenticated read: code=%d", rec.Code)
	}
}

func TestServer_CancelConflicts(t *testing.T) {
	server, _ := newTestServer(t, Config{})

	_, env := doJSON(t, server.Handler(), "POST", "/api/v1/work-orders", "", submitBody())
	id := submittedID(t, env)

	rec, _ := doJSON(t, server.Handler(), "DELETE", "/api/v1/work-orders/"+id, "", nil)
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("cancel = %d", rec.Code)
	}
	rec, env = doJSON(t, server.Handler(), "DELETE", "/api/v1/work-orders/"+id, "", nil)
	if rec.Code != nethttp.StatusConflict || env.Error.Code != CodeConflict {
		t.Errorf("second cancel: code=%d error=%+v", rec.Code, env.Error)
	}
}

func TestServer_StartRunGate(t *testing.T) {
	server, coordinator := newTestServer(t, Config{})

	_, env := doJSON(t, server.Handler(), "POST", "/api/v1/work-orders", "", submitBody())
	id := submittedID(t, env)

	rec, _ := doJSON(t, server.Handler(), "POST", "/api/v1/work-orders/"+id+"/runs", "", nil)
	if rec.Code != nethttp.StatusCreated {
		t.Fatalf("start run on queued = %d: %s", rec.Code, rec.Body.String())
	}

	// Drive the work order to a terminal state; starting a run must now 409.
	coordinator.Execute(context.Background(), id)
	rec, env = doJSON(t, server.Handler(), "POST", "/api/v1/work-orders/"+id+"/runs", "", nil)
	if rec.Code != nethttp.StatusConflict || env.Error.Code != CodeConflict {
		t.Errorf("start run on succeeded: code=%d error=%+v", rec.Code, env.Error)
	}
}

func TestServer_RolloutEndpoints(t *testing.T) {
	server, _ := newTestServer(t, Config{})

	patch := map[string]any{"use_new_queue_system": true, "rollout_percent": 150}
	rec, env := doJSON(t, server.Handler(), "POST", "/api/v1/queue/rollout/config", "", patch)
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("rollout config = %d", rec.Code)
	}
	updated := env.Data.(map[string]any)
	if int(updated["rollout_percent"].(float64)) != 100 {
		t.Errorf("rollout percent = %v, want clamped 100", updated["rollout_percent"])
	}

	rec, env = doJSON(t, server.Handler(), "GET", "/api/v1/queue/rollout/status", "", nil)
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("rollout status = %d", rec.Code)
	}
	status := env.Data.(map[string]any)
	if status["phase"] != "full" {
		t.Errorf("phase = %v, want full", status["phase"])
	}

	rec, _ = doJSON(t, server.Handler(), "GET", "/api/v1/queue/rollout/comparison", "", nil)
	if rec.Code != nethttp.StatusOK {
		t.Errorf("rollout comparison = %d", rec.Code)
	}
}

func TestServer_QueueStats(t *testing.T) {
	server, _ := newTestServer(t, Config{})
	doJSON(t, server.Handler(), "POST", "/api/v1/work-orders", "", submitBody())

	rec, env := doJSON(t, server.Handler(), "GET", "/api/v1/queue/stats", "", nil)
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("queue stats = %d", rec.Code)
	}
	stats := env.Data.(map[string]any)
	legacy := stats["legacy"].(map[string]any)
	if int(legacy["depth"].(float64)) != 1 {
		t.Errorf("legacy depth = %v, want 1", legacy["depth"])
	}
}

func TestServer_SSEStream(t *testing.T) {
	server, coordinator := newTestServer(t, Config{})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	_, env := doJSON(t, server.Handler(), "POST", "/api/v1/work-orders", "", submitBody())
	id := submittedID(t, env)
	run, err := coordinator.StartRun(id)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	resp, err := nethttp.Get(ts.URL + "/api/v1/runs/" + run.ID + "/stream")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("content type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read first frame: %v", err)
	}
	if strings.TrimSpace(line) != "event: connected" {
		t.Fatalf("first frame = %q, want connected event", line)
	}
	dataLine, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read connected data: %v", err)
	}
	var connected map[string]any
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(dataLine), "data: ")), &connected); err != nil {
		t.Fatalf("connected payload: %v", err)
	}
	if connected["runId"] != run.ID {
		t.Errorf("connected runId = %v", connected["runId"])
	}
	if connected["clientId"] == "" {
		t.Error("connected frame missing clientId")
	}

	// A published event for the work order must arrive as a frame.
	coordinator.Broadcaster().Publish(broadcast.NewEvent(broadcast.EventProgressUpdate, id, map[string]any{"iteration": 1}))
	deadline := time.Now().Add(2 * time.Second)
	for {
		line, err = reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read event frame: %v", err)
		}
		if strings.TrimSpace(line) == "event: progress_update" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("progress_update frame never arrived")
		}
	}
}

func TestServer_WebSocketProtocol(t *testing.T) {
	server, coordinator := newTestServer(t, Config{})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	_, env := doJSON(t, server.Handler(), "POST", "/api/v1/work-orders", "", submitBody())
	id := submittedID(t, env)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	if err := conn.WriteJSON(map[string]any{"type": "subscribe", "workOrderId": id}); err != nil {
		t.Fatal(err)
	}
	var event broadcast.Event
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read confirmation: %v", err)
	}
	if event.Type != broadcast.EventSubscriptionConfirmed {
		t.Errorf("first message = %s, want subscription_confirmed", event.Type)
	}

	coordinator.Broadcaster().Publish(broadcast.NewEvent(broadcast.EventRunStarted, id, nil))
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read lifecycle event: %v", err)
	}
	if event.Type != broadcast.EventRunStarted {
		t.Errorf("lifecycle event = %s, want run_started", event.Type)
	}

	if err := conn.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatal(err)
	}
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if event.Type != broadcast.EventPong {
		t.Errorf("ping reply = %s, want pong", event.Type)
	}

	if err := conn.WriteJSON(map[string]any{"type": "mystery"}); err != nil {
		t.Fatal(err)
	}
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read error reply: %v", err)
	}
	if event.Type != broadcast.EventError {
		t.Errorf("unknown type reply = %s, want error", event.Type)
	}
}

func TestServer_WebSocketQueryTokenAuth(t *testing.T) {
	server, _ := newTestServer(t, Config{AuthToken: "sekrit"})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	base := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if _, _, err := websocket.DefaultDialer.Dial(base, nil); err == nil {
		t.Error("dial without token succeeded")
	}
	conn, _, err := websocket.DefaultDialer.Dial(base+"?token=sekrit", nil)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	conn.Close()
}

func TestServer_DetailCacheServesTerminalOrders(t *testing.T) {
	server, coordinator := newTestServer(t, Config{})

	_, env := doJSON(t, server.Handler(), "POST", "/api/v1/work-orders", "", submitBody())
	id := submittedID(t, env)
	coordinator.Execute(context.Background(), id)

	rec, _ := doJSON(t, server.Handler(), "GET", "/api/v1/work-orders/"+id, "", nil)
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("first detail = %d", rec.Code)
	}
	if _, cached := server.detailCache.Get(id); !cached {
		t.Error("terminal work order not cached")
	}
	rec, env = doJSON(t, server.Handler(), "GET", "/api/v1/work-orders/"+id, "", nil)
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("cached detail = %d", rec.Code)
	}
	detail := env.Data.(map[string]any)
	wo := detail["work_order"].(map[string]any)
	if wo["status"] != "succeeded" {
		t.Errorf("cached status = %v", wo["status"])
	}
}

func TestServer_RateLimitSheds(t *testing.T) {
	server, _ := newTestServer(t, Config{RateLimit: 1, RateBurst: 1})

	rec, _ := doJSON(t, server.Handler(), "GET", "/health", "", nil)
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("first request = %d", rec.Code)
	}
	rec, env := doJSON(t, server.Handler(), "GET", "/health", "", nil)
	if rec.Code != nethttp.StatusServiceUnavailable || env.Error.Code != CodeServiceUnavailable {
		t.Errorf("second request = %d, error=%+v", rec.Code, env.Error)
	}
}
