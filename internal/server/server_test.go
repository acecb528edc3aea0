package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/me/trialopt/pkg/model"
)

type staticSource struct{ run *model.Run }

func (s staticSource) Snapshot() *model.Run {
	if s.run == nil {
		return nil
	}
	return s.run.Clone()
}

func testRun() *model.Run {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	run := model.NewRun("run-42", 2, 10, model.Minimize, "elapsed_hours", now)
	for id := 1; id <= 3; id++ {
		tr := model.NewTrial(id, map[string]any{"batch_size": float64(id)}, now)
		tr.ExternalID = "wf"
		tr.Transition(model.TrialStateSubmitted, now)
		tr.Transition(model.TrialStateRunning, now)
		if id < 3 {
			tr.Transition(model.TrialStateCompleted, now)
			tr.Metrics = map[string]float64{"elapsed_hours": float64(4 - id)}
			run.TrialsCompleted++
		}
		tr.Cost = 1
		run.Trials = append(run.Trials, tr)
	}
	run.NextTrialID = 4
	run.RecomputeCost()
	run.RecomputeBest()
	return run
}

func testServer(run *model.Run) *Server {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(staticSource{run: run}, logger)
}

// envelope is used to decode the standard response envelope.
type envelope struct {
	Status     string            `json:"status"`
	RequestID  string            `json:"request_id"`
	RunID      string            `json:"run_id"`
	Timestamp  string            `json:"timestamp"`
	Data       json.RawMessage   `json:"data"`
	Pagination *model.Pagination `json:"pagination"`
	Error      *model.APIError   `json:"error"`
}

func doGet(t *testing.T, srv *Server, path string, wantCode int) envelope {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != wantCode {
		t.Fatalf("GET %s: status=%d, want %d, body=%s", path, w.Code, wantCode, w.Body.String())
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("GET %s: invalid JSON: %v", path, err)
	}
	return env
}

func TestDiscovery(t *testing.T) {
	env := doGet(t, testServer(testRun()), "/api/v1/", http.StatusOK)
	if env.Status != "ok" {
		t.Errorf("status = %q, want ok", env.Status)
	}
	if env.RequestID == "" {
		t.Error("request_id is empty")
	}
	var data discoveryResponse
	json.Unmarshal(env.Data, &data)
	if len(data.Endpoints) != 5 {
		t.Errorf("endpoints count = %d, want 5", len(data.Endpoints))
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name    string
		run     *model.Run
		wantRun string
	}{
		{"running", testRun(), "run-42"},
		{"not started", nil, "not_started"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := doGet(t, testServer(tt.run), "/api/v1/health", http.StatusOK)
			var data healthResponse
			json.Unmarshal(env.Data, &data)
			if data.Status != "healthy" || data.Version != Version {
				t.Errorf("health = %+v", data)
			}
			if data.Run != tt.wantRun {
				t.Errorf("run = %q, want %q", data.Run, tt.wantRun)
			}
		})
	}
}

func TestGetRun(t *testing.T) {
	env := doGet(t, testServer(testRun()), "/api/v1/run", http.StatusOK)
	var data struct {
		RunID           string `json:"run_id"`
		TrialsCompleted int    `json:"trials_completed"`
		Active          int    `json:"active"`
		BestTrialID     *int   `json:"best_trial_id"`
		TotalCost       float64
	}
	json.Unmarshal(env.Data, &data)
	if data.RunID != "run-42" || data.TrialsCompleted != 2 || data.Active != 1 {
		t.Errorf("run = %+v", data)
	}
	if data.BestTrialID == nil || *data.BestTrialID != 2 {
		t.Errorf("best = %v, want 2 (lowest elapsed_hours)", data.BestTrialID)
	}
}

func TestGetRun_NotStarted(t *testing.T) {
	env := doGet(t, testServer(nil), "/api/v1/run", http.StatusServiceUnavailable)
	if env.Status != "error" || env.Error == nil || env.Error.Code != model.ErrUnavailable {
		t.Errorf("envelope = %+v", env)
	}
}

func TestGetBest(t *testing.T) {
	env := doGet(t, testServer(testRun()), "/api/v1/best", http.StatusOK)
	var tr model.Trial
	json.Unmarshal(env.Data, &tr)
	if tr.ID != 2 {
		t.Errorf("best id = %d, want 2", tr.ID)
	}

	empty := model.NewRun("r", 1, 1, model.Maximize, "m", time.Now())
	env = doGet(t, testServer(empty), "/api/v1/best", http.StatusNotFound)
	if env.Error == nil || env.Error.Code != model.ErrNotFound {
		t.Errorf("error = %+v, want NOT_FOUND", env.Error)
	}
}

func TestListTrials(t *testing.T) {
	srv := testServer(testRun())

	env := doGet(t, srv, "/api/v1/trials/?limit=2", http.StatusOK)
	if env.Pagination == nil || env.Pagination.Total != 3 || !env.Pagination.HasMore {
		t.Errorf("pagination = %+v", env.Pagination)
	}
	var trials []model.Trial
	json.Unmarshal(env.Data, &trials)
	if len(trials) != 2 || trials[0].ID != 1 {
		t.Errorf("trials = %+v", trials)
	}

	env = doGet(t, srv, "/api/v1/trials/?state=running", http.StatusOK)
	json.Unmarshal(env.Data, &trials)
	if len(trials) != 1 || trials[0].ID != 3 {
		t.Errorf("running trials = %+v", trials)
	}
}

func TestListTrials_BadQuery(t *testing.T) {
	srv := testServer(testRun())
	for _, path := range []string{
		"/api/v1/trials/?limit=abc",
		"/api/v1/trials/?offset=-x",
		"/api/v1/trials/?state=sleeping",
	} {
		env := doGet(t, srv, path, http.StatusBadRequest)
		if env.Error == nil || env.Error.Code != model.ErrValidation {
			t.Errorf("%s: error = %+v, want VALIDATION_ERROR", path, env.Error)
		}
	}
}

func TestGetTrial(t *testing.T) {
	srv := testServer(testRun())

	env := doGet(t, srv, "/api/v1/trials/1", http.StatusOK)
	var tr model.Trial
	json.Unmarshal(env.Data, &tr)
	if tr.ID != 1 || tr.State != model.TrialStateCompleted {
		t.Errorf("trial = %+v", tr)
	}

	doGet(t, srv, "/api/v1/trials/99", http.StatusNotFound)
	doGet(t, srv, "/api/v1/trials/one", http.StatusBadRequest)
}

func TestRequestIDPropagation(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "req_caller")
	w := httptest.NewRecorder()
	testServer(nil).ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "req_caller" {
		t.Errorf("X-Request-ID = %q, want req_caller", got)
	}
}

func TestRunIDPropagation(t *testing.T) {
	tests := []struct {
		name  string
		run   *model.Run
		path  string
		code  int
		runID string
	}{
		{"running", testRun(), "/api/v1/run", http.StatusOK, "run-42"},
		{"error response", testRun(), "/api/v1/trials/99", http.StatusNotFound, "run-42"},
		{"not started", nil, "/api/v1/health", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			w := httptest.NewRecorder()
			testServer(tt.run).ServeHTTP(w, req)
			if w.Code != tt.code {
				t.Fatalf("status = %d, want %d", w.Code, tt.code)
			}
			if got := w.Header().Get("X-Run-ID"); got != tt.runID {
				t.Errorf("X-Run-ID = %q, want %q", got, tt.runID)
			}
			var env envelope
			if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if env.RunID != tt.runID {
				t.Errorf("envelope run_id = %q, want %q", env.RunID, tt.runID)
			}
		})
	}
}

// countingSource counts snapshot reads.
type countingSource struct {
	run   *model.Run
	calls int
}

func (c *countingSource) Snapshot() *model.Run {
	c.calls++
	return c.run.Clone()
}

func TestSnapshotReadOncePerRequest(t *testing.T) {
	src := &countingSource{run: testRun()}
	srv := New(src, slog.New(slog.NewTextHandler(io.Discard, nil)))
	req := httptest.NewRequest("GET", "/api/v1/trials/?state=completed", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if src.calls != 1 {
		t.Errorf("snapshot read %d times, want 1", src.calls)
	}
}

func TestRequestLogCarriesRunID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	srv := New(staticSource{run: testRun()}, logger)

	req := httptest.NewRequest("GET", "/api/v1/best", nil)
	req.Header.Set("X-Request-ID", "req_logged")
	srv.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	for _, want := range []string{"msg=request", "request_id=req_logged", "run_id=run-42", "status=200"} {
		if !strings.Contains(out, want) {
			t.Errorf("log %q missing %q", out, want)
		}
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := testServer(testRun())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
