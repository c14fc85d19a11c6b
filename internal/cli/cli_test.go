package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

// fakeAPI — минимальный сервер, отвечающий в формате Conductor API.
type fakeAPI struct {
	t        *testing.T
	requests []string
	bodies   map[string]string
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	data := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"data": v})
	}
	record := func(r *http.Request) {
		f.requests = append(f.requests, r.Method+" "+r.URL.RequestURI())
		if r.Body != nil {
			b, _ := io.ReadAll(r.Body)
			f.bodies[r.Method+" "+r.URL.Path] = string(b)
		}
	}

	mux.HandleFunc("GET /api/v1/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		if r.PathValue("id") == "missing" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":"NOT_FOUND","message":"run not found"}}`))
			return
		}
		data(w, http.StatusOK, map[string]any{
			"id": r.PathValue("id"), "kind": "FLOW", "name": "nightly",
			"state": map[string]any{"type": "RUNNING", "name": "Running"}, "run_count": 1,
		})
	})
	mux.HandleFunc("POST /api/v1/runs/{id}/set_state", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		data(w, http.StatusOK, map[string]any{"status": "REJECT", "rule": "SecureConcurrencySlots", "retry_after_seconds": 30})
	})
	mux.HandleFunc("GET /api/v1/concurrency_limits", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		data(w, http.StatusOK, []map[string]any{
			{"key": "db", "limit": 2, "active_slots": []string{"a"}},
			{"key": "api", "limit": 5, "active_slots": []string{}},
		})
	})
	mux.HandleFunc("DELETE /api/v1/concurrency_limits/{key}", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/v1/work_queues/by_name", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		data(w, http.StatusOK, map[string]any{"id": "9f2b1c1e-3b0a-4e39-9f7a-0d1c2b3a4f5e", "name": r.URL.Query().Get("name"), "status": "READY"})
	})
	mux.HandleFunc("PATCH /api/v1/work_queues/{id}", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		data(w, http.StatusOK, map[string]any{"id": r.PathValue("id"), "name": "default", "status": "PAUSED", "is_paused": true})
	})
	return mux
}

func newTestCLI(t *testing.T) (*fakeAPI, func() *Client, *bytes.Buffer, func() *Output) {
	t.Helper()
	api := &fakeAPI{t: t, bodies: make(map[string]string)}
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	var buf bytes.Buffer
	clientFn := func() *Client { return NewClient(srv.URL) }
	outputFn := func() *Output { return &Output{jsonMode: false, w: &buf, errW: &buf} }
	return api, clientFn, &buf, outputFn
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) error {
	t.Helper()
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	return cmd.Execute()
}

// --- Client Tests ---

func TestClient_GetRun(t *testing.T) {
	_, clientFn, _, _ := newTestCLI(t)

	run, err := clientFn().GetRun("abc")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.ID != "abc" || run.StateType() != "RUNNING" || run.RunCount != 1 {
		t.Errorf("unexpected run: %+v", run)
	}
}

func TestClient_APIError(t *testing.T) {
	_, clientFn, _, _ := newTestCLI(t)

	_, err := clientFn().GetRun("missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "NOT_FOUND" {
		t.Errorf("unexpected error: %+v", apiErr)
	}
	if apiErr.Error() != "NOT_FOUND: run not found" {
		t.Errorf("unexpected message: %q", apiErr.Error())
	}
}

func TestClient_NoContent(t *testing.T) {
	api, clientFn, _, _ := newTestCLI(t)

	if err := clientFn().DeleteLimit("db"); err != nil {
		t.Fatalf("DeleteLimit: %v", err)
	}
	if len(api.requests) != 1 || api.requests[0] != "DELETE /api/v1/concurrency_limits/db" {
		t.Errorf("unexpected requests: %v", api.requests)
	}
}

// --- Command Tests ---

func TestRunSetStateCmd(t *testing.T) {
	api, clientFn, buf, outputFn := newTestCLI(t)

	err := execute(t, NewRunCmd(clientFn, outputFn), "set-state", "abc", "RUNNING", "--message", "go")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	var body struct {
		State   StateRequest `json:"state"`
		AgentID string       `json:"agent_id"`
	}
	if err := json.Unmarshal([]byte(api.bodies["POST /api/v1/runs/abc/set_state"]), &body); err != nil {
		t.Fatalf("decode request body: %v", err)
	}
	if body.State.Type != "RUNNING" || body.State.Message != "go" || body.AgentID != "cli" {
		t.Errorf("unexpected request body: %+v", body)
	}

	out := buf.String()
	for _, want := range []string{"REJECT", "SecureConcurrencySlots", "30.0s"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestConcurrencyListCmd(t *testing.T) {
	_, clientFn, buf, outputFn := newTestCLI(t)

	if err := execute(t, NewConcurrencyCmd(clientFn, outputFn), "ls"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header, separator and 2 rows, got %d lines:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[2], "db") || !strings.Contains(lines[2], "1") {
		t.Errorf("unexpected row: %q", lines[2])
	}
}

func TestConcurrencyCreateCmd_InvalidLimit(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"negative", []string{"create", "db", "--", "-1"}},
		{"not a number", []string{"create", "db", "many"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api, clientFn, _, outputFn := newTestCLI(t)

			err := execute(t, NewConcurrencyCmd(clientFn, outputFn), tt.args...)
			if err == nil || !strings.Contains(err.Error(), "invalid limit") {
				t.Fatalf("expected invalid limit error, got %v", err)
			}
			if len(api.requests) != 0 {
				t.Errorf("no request expected, got %v", api.requests)
			}
		})
	}
}

func TestWorkQueuePauseCmd_ResolvesName(t *testing.T) {
	api, clientFn, buf, outputFn := newTestCLI(t)

	if err := execute(t, NewWorkQueueCmd(clientFn, outputFn), "pause", "default"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	want := []string{
		"GET /api/v1/work_queues/by_name?name=default",
		"PATCH /api/v1/work_queues/9f2b1c1e-3b0a-4e39-9f7a-0d1c2b3a4f5e",
	}
	if strings.Join(api.requests, ",") != strings.Join(want, ",") {
		t.Errorf("requests = %v, want %v", api.requests, want)
	}
	if body := api.bodies[want[1]]; !strings.Contains(body, `"is_paused":true`) {
		t.Errorf("unexpected patch body: %s", body)
	}
	if !strings.Contains(buf.String(), "status PAUSED") {
		t.Errorf("unexpected output: %s", buf.String())
	}
}

// --- Output Tests ---

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("stdout closed") }

func TestOutput_WriteErrorsReachCommand(t *testing.T) {
	for _, jsonMode := range []bool{false, true} {
		_, clientFn, _, _ := newTestCLI(t)
		outputFn := func() *Output { return &Output{jsonMode: jsonMode, w: failingWriter{}, errW: io.Discard} }

		err := execute(t, NewRunCmd(clientFn, outputFn), "show", "abc")
		if err == nil || !strings.Contains(err.Error(), "stdout closed") {
			t.Errorf("json=%v: expected write error, got %v", jsonMode, err)
		}
	}
}

func TestOutput_JSONModeKeepsStderrQuiet(t *testing.T) {
	_, clientFn, _, _ := newTestCLI(t)
	var stdout, stderr bytes.Buffer
	outputFn := func() *Output { return &Output{jsonMode: true, w: &stdout, errW: &stderr} }

	if err := execute(t, NewWorkQueueCmd(clientFn, outputFn), "pause", "default"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if stderr.Len() != 0 {
		t.Errorf("stderr should be empty in json mode, got %q", stderr.String())
	}

	if err := execute(t, NewRunCmd(clientFn, outputFn), "show", "abc"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	var run RunResponse
	if err := json.Unmarshal(stdout.Bytes(), &run); err != nil {
		t.Fatalf("stdout is not JSON: %v\n%s", err, stdout.String())
	}
	if run.ID != "abc" {
		t.Errorf("run id = %q, want abc", run.ID)
	}
}
