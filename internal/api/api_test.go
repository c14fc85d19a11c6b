package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conductor/internal/concurrency"
	"github.com/shaiso/Conductor/internal/domain"
	"github.com/shaiso/Conductor/internal/memstore"
	"github.com/shaiso/Conductor/internal/orchestration"
	"github.com/shaiso/Conductor/internal/scheduler"
	"github.com/shaiso/Conductor/internal/settings"
	"github.com/shaiso/Conductor/internal/workqueue"
)

type testServer struct {
	store *memstore.Store
	mux   *http.ServeMux
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memstore.New()
	slots := concurrency.New(concurrency.Config{Store: store})
	cache := settings.New(settings.Config{Store: store})
	engine := orchestration.New(orchestration.Config{
		Runs:        store,
		Deployments: store,
		Slots:       slots,
		Settings:    cache,
		Logger:      logger,
	})
	tracker := workqueue.NewTracker(workqueue.TrackerConfig{
		Queues:      store,
		Deployments: store,
		Settings:    cache,
		Logger:      logger,
	})
	queues := workqueue.NewService(workqueue.ServiceConfig{
		Queues:  store,
		Runs:    store,
		Limits:  slots,
		Tracker: tracker,
		Agents:  store,
		Logger:  logger,
	})
	materializer := scheduler.NewMaterializer(scheduler.MaterializerConfig{
		Deployments: store,
		Runs:        engine,
		Logger:      logger,
	})

	h := NewHandler(Config{
		Engine:       engine,
		Slots:        slots,
		Queues:       queues,
		Deployments:  store,
		Materializer: materializer,
		Settings:     cache,
		Policies:     store,
		Logs:         store,
		Logger:       logger,
	})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return &testServer{store: store, mux: mux}
}

func (s *testServer) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d; body: %s", rec.Code, want, rec.Body.String())
	}
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var resp struct {
		Data  T   `json:"data"`
		Total int `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v; body: %s", err, rec.Body.String())
	}
	return resp.Data
}

func (s *testServer) createRun(t *testing.T, req CreateRunRequest) domain.Run {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/runs", req, nil)
	expectStatus(t, rec, http.StatusCreated)
	return decodeData[domain.Run](t, rec)
}

func (s *testServer) setState(t *testing.T, runID uuid.UUID, st domain.StateType, wantCode int) ResultResponse {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/runs/"+runID.String()+"/set_state",
		SetStateRequest{State: StateRequest{Type: st}}, nil)
	expectStatus(t, rec, wantCode)
	return decodeData[ResultResponse](t, rec)
}

// --- Run Tests ---

func TestAPI_RunTransitions(t *testing.T) {
	s := newTestServer(t)
	run := s.createRun(t, CreateRunRequest{Name: "etl"})

	res := s.setState(t, run.ID, domain.StateRunning, http.StatusCreated)
	if res.Status != orchestration.StatusAccept {
		t.Fatalf("RUNNING: status = %s, want ACCEPT", res.Status)
	}

	res = s.setState(t, run.ID, domain.StatePending, http.StatusOK)
	if res.Status != orchestration.StatusAbort {
		t.Errorf("PENDING while running: status = %s, want ABORT", res.Status)
	}

	s.setState(t, run.ID, domain.StateCompleted, http.StatusCreated)
	res = s.setState(t, run.ID, domain.StateRunning, http.StatusOK)
	if res.Status != orchestration.StatusReject || res.Rule != "PreventTerminalExit" {
		t.Errorf("after COMPLETED: got %s by %q, want REJECT by PreventTerminalExit", res.Status, res.Rule)
	}
	if res.State == nil || res.State.Type != domain.StateCompleted {
		t.Errorf("rejected result should carry the current COMPLETED state, got %+v", res.State)
	}

	rec := s.do(t, http.MethodGet, "/api/v1/runs/"+run.ID.String()+"/states", nil, nil)
	expectStatus(t, rec, http.StatusOK)
	if states := decodeData[[]domain.State](t, rec); len(states) != 3 {
		t.Errorf("history length = %d, want 3", len(states))
	}
}

func TestAPI_RunErrors(t *testing.T) {
	s := newTestServer(t)
	run := s.createRun(t, CreateRunRequest{})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown run", http.MethodGet, "/api/v1/runs/" + uuid.NewString(), nil, http.StatusNotFound},
		{"malformed id", http.MethodGet, "/api/v1/runs/not-a-uuid", nil, http.StatusBadRequest},
		{"missing state type", http.MethodPost, "/api/v1/runs/" + run.ID.String() + "/set_state", SetStateRequest{}, http.StatusBadRequest},
		{"unknown state type", http.MethodPost, "/api/v1/runs/" + run.ID.String() + "/set_state",
			SetStateRequest{State: StateRequest{Type: "EXPLODED"}}, http.StatusUnprocessableEntity},
		{"terminal initial state", http.MethodPost, "/api/v1/runs",
			CreateRunRequest{State: &StateRequest{Type: domain.StateCompleted}}, http.StatusUnprocessableEntity},
		{"proposal for unknown run", http.MethodPost, "/api/v1/runs/" + uuid.NewString() + "/set_state",
			SetStateRequest{State: StateRequest{Type: domain.StateRunning}}, http.StatusNotFound},
		{"bad list filter", http.MethodGet, "/api/v1/runs?state=NOPE", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, tt.body, nil)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d; body: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestAPI_CreateRunIdempotent(t *testing.T) {
	s := newTestServer(t)
	req := CreateRunRequest{Name: "nightly", IdempotencyKey: "nightly-2024-01-01"}

	first := s.createRun(t, req)
	rec := s.do(t, http.MethodPost, "/api/v1/runs", req, nil)
	expectStatus(t, rec, http.StatusOK)
	if again := decodeData[domain.Run](t, rec); again.ID != first.ID {
		t.Errorf("second create returned %s, want existing %s", again.ID, first.ID)
	}
}

// --- Concurrency Tests ---

func TestAPI_ConcurrencyLimits(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/concurrency_limits", CreateLimitRequest{Key: "etl", Limit: 1}, nil)
	expectStatus(t, rec, http.StatusCreated)
	rec = s.do(t, http.MethodPost, "/api/v1/concurrency_limits", CreateLimitRequest{Key: "etl", Limit: 2}, nil)
	expectStatus(t, rec, http.StatusConflict)

	a, b := uuid.New(), uuid.New()
	acquire := func(runID uuid.UUID) GrantResponse {
		rec := s.do(t, http.MethodPost, "/api/v1/concurrency_limits/increment",
			SlotsRequest{Keys: []string{"etl"}, RunID: runID}, nil)
		expectStatus(t, rec, http.StatusOK)
		return decodeData[GrantResponse](t, rec)
	}

	if g := acquire(a); !g.Granted {
		t.Fatal("first run should get the slot")
	}
	if g := acquire(b); g.Granted {
		t.Fatal("second run should not get the slot")
	}

	rec = s.do(t, http.MethodPost, "/api/v1/concurrency_limits/decrement",
		SlotsRequest{Keys: []string{"etl"}, RunID: a}, nil)
	expectStatus(t, rec, http.StatusNoContent)
	if g := acquire(b); !g.Granted {
		t.Error("slot should be free after decrement")
	}

	rec = s.do(t, http.MethodPost, "/api/v1/concurrency_limits/etl/reset", ResetLimitRequest{}, nil)
	expectStatus(t, rec, http.StatusOK)
	if l := decodeData[domain.ConcurrencyLimit](t, rec); len(l.ActiveSlots) != 0 {
		t.Errorf("active slots after reset = %d, want 0", len(l.ActiveSlots))
	}

	rec = s.do(t, http.MethodPost, "/api/v1/concurrency_limits/etl/reset",
		ResetLimitRequest{SlotOverride: []uuid.UUID{a, b}}, nil)
	expectStatus(t, rec, http.StatusUnprocessableEntity)

	expectStatus(t, s.do(t, http.MethodDelete, "/api/v1/concurrency_limits/etl", nil, nil), http.StatusNoContent)
	expectStatus(t, s.do(t, http.MethodGet, "/api/v1/concurrency_limits/etl", nil, nil), http.StatusNotFound)
}

// --- Work Queue Tests ---

func TestAPI_WorkQueuePolling(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/work_queues", CreateWorkQueueRequest{Name: "default"}, nil)
	expectStatus(t, rec, http.StatusCreated)
	q := decodeData[domain.WorkQueue](t, rec)

	expectStatus(t, s.do(t, http.MethodPost, "/api/v1/work_queues", CreateWorkQueueRequest{Name: "default"}, nil),
		http.StatusConflict)

	status := func() WorkQueueStatusResponse {
		rec := s.do(t, http.MethodGet, "/api/v1/work_queues/"+q.ID.String()+"/status", nil, nil)
		expectStatus(t, rec, http.StatusOK)
		return decodeData[WorkQueueStatusResponse](t, rec)
	}

	getRuns := "/api/v1/work_queues/" + q.ID.String() + "/get_runs"
	expectStatus(t, s.do(t, http.MethodPost, getRuns, GetRunsRequest{}, map[string]string{UIHeader: "true"}), http.StatusOK)
	if st := status(); st.Status != domain.WorkQueueNotReady || st.LastPolled != nil {
		t.Errorf("after UI read: status = %s, last polled = %v; want NOT_READY and no poll", st.Status, st.LastPolled)
	}

	expectStatus(t, s.do(t, http.MethodPost, getRuns, GetRunsRequest{}, nil), http.StatusOK)
	st := status()
	if st.Status != domain.WorkQueueReady || st.LastPolled == nil {
		t.Errorf("after worker poll: status = %s, last polled = %v; want READY with poll time", st.Status, st.LastPolled)
	}
	if !st.Healthy {
		t.Error("freshly polled queue without late runs should be healthy")
	}

	rec = s.do(t, http.MethodGet, "/api/v1/work_queues/by_name?name=default", nil, nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decodeData[domain.WorkQueue](t, rec); got.ID != q.ID {
		t.Errorf("by name: id = %s, want %s", got.ID, q.ID)
	}

	paused := true
	rec = s.do(t, http.MethodPatch, "/api/v1/work_queues/"+q.ID.String(), UpdateWorkQueueRequest{IsPaused: &paused}, nil)
	expectStatus(t, rec, http.StatusOK)
	if st := status(); st.Status != domain.WorkQueuePaused {
		t.Errorf("after pause: status = %s, want PAUSED", st.Status)
	}
}

func TestAPI_WorkQueueByNameDoesNotShadowStatus(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/work_queues", CreateWorkQueueRequest{Name: "status"}, nil)
	expectStatus(t, rec, http.StatusCreated)
	q := decodeData[domain.WorkQueue](t, rec)

	rec = s.do(t, http.MethodGet, "/api/v1/work_queues/by_name?name=status", nil, nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decodeData[domain.WorkQueue](t, rec); got.ID != q.ID {
		t.Errorf("by name: id = %s, want %s", got.ID, q.ID)
	}

	expectStatus(t, s.do(t, http.MethodGet, "/api/v1/work_queues/"+q.ID.String()+"/status", nil, nil), http.StatusOK)
	expectStatus(t, s.do(t, http.MethodGet, "/api/v1/work_queues/by_name", nil, nil), http.StatusBadRequest)
	expectStatus(t, s.do(t, http.MethodGet, "/api/v1/work_queues/by_name?name=missing", nil, nil), http.StatusNotFound)
}

func TestAPI_WorkQueueAgents(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/work_queues", CreateWorkQueueRequest{Name: "agents"}, nil)
	expectStatus(t, rec, http.StatusCreated)
	q := decodeData[domain.WorkQueue](t, rec)

	agent := uuid.New()
	getRuns := "/api/v1/work_queues/" + q.ID.String() + "/get_runs"
	expectStatus(t, s.do(t, http.MethodPost, getRuns, GetRunsRequest{AgentID: &agent}, map[string]string{UIHeader: "true"}), http.StatusOK)
	expectStatus(t, s.do(t, http.MethodPost, getRuns, GetRunsRequest{AgentID: &agent}, nil), http.StatusOK)
	expectStatus(t, s.do(t, http.MethodPost, getRuns, GetRunsRequest{}, nil), http.StatusOK)

	rec = s.do(t, http.MethodGet, "/api/v1/work_queues/"+q.ID.String()+"/agents", nil, nil)
	expectStatus(t, rec, http.StatusOK)
	agents := decodeData[[]domain.Agent](t, rec)
	if len(agents) != 1 || agents[0].ID != agent || agents[0].WorkQueueID != q.ID {
		t.Errorf("agents = %+v, want only %s on %s", agents, agent, q.ID)
	}

	expectStatus(t, s.do(t, http.MethodGet, "/api/v1/work_queues/"+uuid.New().String()+"/agents", nil, nil), http.StatusNotFound)
}

// --- Log Tests ---

func TestAPI_Logs(t *testing.T) {
	s := newTestServer(t)
	runID := uuid.New()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	logs := []CreateLogRequest{
		{Name: "worker", Level: domain.LogLevelInfo, Message: "started", RunID: &runID, Timestamp: base},
		{Name: "worker", Level: domain.LogLevelError, Message: "failed", RunID: &runID, Timestamp: base.Add(time.Second)},
		{Name: "worker", Level: domain.LogLevelInfo, Message: "other run", Timestamp: base},
	}
	expectStatus(t, s.do(t, http.MethodPost, "/api/v1/logs", logs, nil), http.StatusCreated)

	rec := s.do(t, http.MethodPost, "/api/v1/logs/filter", ReadLogsRequest{RunIDs: []uuid.UUID{runID}, Sort: "TIMESTAMP_DESC"}, nil)
	expectStatus(t, rec, http.StatusOK)
	got := decodeData[[]domain.Log](t, rec)
	if len(got) != 2 || got[0].Message != "failed" || got[1].Message != "started" {
		t.Errorf("run logs = %+v, want failed then started", got)
	}

	rec = s.do(t, http.MethodPost, "/api/v1/logs/filter", ReadLogsRequest{MinLevel: domain.LogLevelError}, nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decodeData[[]domain.Log](t, rec); len(got) != 1 || got[0].Message != "failed" {
		t.Errorf("error logs = %+v, want only failed", got)
	}

	tests := []struct {
		name string
		path string
		body any
	}{
		{"missing name", "/api/v1/logs", []CreateLogRequest{{Level: domain.LogLevelInfo, Timestamp: base}}},
		{"missing timestamp", "/api/v1/logs", []CreateLogRequest{{Name: "worker"}}},
		{"unknown sort", "/api/v1/logs/filter", ReadLogsRequest{Sort: "LEVEL"}},
		{"negative offset", "/api/v1/logs/filter", ReadLogsRequest{Offset: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, s.do(t, http.MethodPost, tt.path, tt.body, nil), http.StatusBadRequest)
		})
	}
}

// --- Deployment Tests ---

func TestAPI_DeploymentScheduleMaterialize(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/deployments", CreateDeploymentRequest{Name: "nightly"}, nil)
	expectStatus(t, rec, http.StatusCreated)
	dep := decodeData[domain.Deployment](t, rec)
	base := "/api/v1/deployments/" + dep.ID.String()

	bad := CreateScheduleRequest{Schedule: domain.Schedule{Cron: &domain.CronSchedule{Expr: "every tuesday"}}}
	expectStatus(t, s.do(t, http.MethodPost, base+"/schedules", bad, nil), http.StatusBadRequest)

	daily := CreateScheduleRequest{Schedule: domain.Schedule{Interval: &domain.IntervalSchedule{IntervalSec: 86400}}}
	rec = s.do(t, http.MethodPost, base+"/schedules", daily, nil)
	expectStatus(t, rec, http.StatusCreated)
	sch := decodeData[domain.DeploymentSchedule](t, rec)
	if !sch.Active {
		t.Error("schedule should be active by default")
	}

	materialize := func() MaterializeResponse {
		rec := s.do(t, http.MethodPost, base+"/materialize", MaterializeRequest{Count: 3}, nil)
		expectStatus(t, rec, http.StatusOK)
		out := decodeData[[]MaterializeResponse](t, rec)
		if len(out) != 1 {
			t.Fatalf("materialized schedules = %d, want 1", len(out))
		}
		return out[0]
	}

	first := materialize()
	if first.Created != 3 || len(first.RunIDs) != 3 {
		t.Errorf("first: created = %d, runs = %d; want 3 and 3", first.Created, len(first.RunIDs))
	}
	second := materialize()
	if second.Created != 0 || second.Existing != 3 {
		t.Errorf("second: created = %d, existing = %d; want 0 and 3", second.Created, second.Existing)
	}

	inactive := false
	rec = s.do(t, http.MethodPatch, base+"/schedules/"+sch.ID.String(), UpdateScheduleRequest{Active: &inactive}, nil)
	expectStatus(t, rec, http.StatusOK)
	if got := materialize(); got.Created != 0 || len(got.RunIDs) != 0 {
		t.Errorf("inactive schedule materialized %d runs", len(got.RunIDs))
	}

	other := "/api/v1/deployments/" + uuid.NewString() + "/schedules/" + sch.ID.String()
	expectStatus(t, s.do(t, http.MethodDelete, other, nil, nil), http.StatusNotFound)
	expectStatus(t, s.do(t, http.MethodDelete, base+"/schedules/"+sch.ID.String(), nil, nil), http.StatusNoContent)
}

// --- Configuration Tests ---

func TestAPI_Configuration(t *testing.T) {
	s := newTestServer(t)
	path := "/api/v1/configuration/" + settings.KeySlotWaitSeconds

	expectStatus(t, s.do(t, http.MethodGet, path, nil, nil), http.StatusNotFound)

	rec := s.do(t, http.MethodPut, path, PutConfigurationRequest{Value: map[string]any{"value": 5}}, nil)
	expectStatus(t, rec, http.StatusOK)

	rec = s.do(t, http.MethodGet, path, nil, nil)
	expectStatus(t, rec, http.StatusOK)
	if c := decodeData[domain.Configuration](t, rec); c.Value["value"] != float64(5) {
		t.Errorf("value = %v, want 5", c.Value["value"])
	}
}

func TestAPI_NotificationPolicies(t *testing.T) {
	s := newTestServer(t)

	expectStatus(t, s.do(t, http.MethodPost, "/api/v1/notification_policies", CreatePolicyRequest{}, nil),
		http.StatusBadRequest)

	rec := s.do(t, http.MethodPost, "/api/v1/notification_policies",
		CreatePolicyRequest{StateNames: []string{"Failed"}, Target: "ops"}, nil)
	expectStatus(t, rec, http.StatusCreated)
	p := decodeData[domain.NotificationPolicy](t, rec)

	rec = s.do(t, http.MethodGet, "/api/v1/notification_policies?active=true", nil, nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decodeData[[]domain.NotificationPolicy](t, rec); len(got) != 1 {
		t.Errorf("policies = %d, want 1", len(got))
	}

	expectStatus(t, s.do(t, http.MethodDelete, "/api/v1/notification_policies/"+p.ID.String(), nil, nil),
		http.StatusNoContent)
}
