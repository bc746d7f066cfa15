package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pep299/daily-digest/internal/model"
	"github.com/pep299/daily-digest/internal/orchestrator"
	"github.com/pep299/daily-digest/internal/store"
)

type fakeRunner struct {
	outcome  model.RunOutcome
	runDates []time.Time
	ctxErr   error
	deadline time.Time
	status   map[string]orchestrator.RunStatus
	pruned   int
	pruneErr error
}

func (f *fakeRunner) Run(ctx context.Context, runDate time.Time) model.RunOutcome {
	f.runDates = append(f.runDates, runDate)
	f.ctxErr = ctx.Err()
	f.deadline, _ = ctx.Deadline()
	out := f.outcome
	out.RunDate = runDate
	return out
}

func (f *fakeRunner) Status(ctx context.Context, runDate time.Time) (orchestrator.RunStatus, error) {
	st, ok := f.status[model.DateKey(runDate)]
	if !ok {
		return orchestrator.RunStatus{}, store.ErrNotFound
	}
	return st, nil
}

func (f *fakeRunner) Prune(ctx context.Context) (int, error) {
	return f.pruned, f.pruneErr
}

func newTestServer(runner Runner, token string) *Server {
	s := NewServer(runner, time.UTC, token, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return time.Date(2025, 3, 14, 23, 30, 0, 0, time.UTC) }
	return s
}

func do(t *testing.T, s *Server, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.SetupRoutes().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return resp
}

func TestHealthHandler(t *testing.T) {
	w := do(t, newTestServer(&fakeRunner{}, ""), "GET", "/api/v1/health", "", "")

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("Expected CORS header, got %q", w.Header().Get("Access-Control-Allow-Origin"))
	}
	if resp := decode(t, w); resp.Status != "ok" {
		t.Errorf("Expected status 'ok', got '%s'", resp.Status)
	}
}

func TestTriggerRunDefaultsToToday(t *testing.T) {
	runner := &fakeRunner{outcome: model.RunOutcome{Status: model.OutcomeCompleted}}
	w := do(t, newTestServer(runner, "secret"), "POST", "/api/v1/runs", "", "secret")

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(runner.runDates) != 1 {
		t.Fatalf("Expected 1 run, got %d", len(runner.runDates))
	}
	want := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	if !runner.runDates[0].Equal(want) {
		t.Errorf("Expected run date %v, got %v", want, runner.runDates[0])
	}
}

func TestTriggerRunUsesConfiguredLocation(t *testing.T) {
	runner := &fakeRunner{outcome: model.RunOutcome{Status: model.OutcomeCompleted}}
	s := newTestServer(runner, "")
	s.location = time.FixedZone("JST", 9*3600)

	do(t, s, "POST", "/api/v1/runs", "", "")

	want := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)
	if len(runner.runDates) != 1 || !runner.runDates[0].Equal(want) {
		t.Errorf("Expected run date %v, got %v", want, runner.runDates)
	}
}

func TestTriggerRunWithDate(t *testing.T) {
	runner := &fakeRunner{outcome: model.RunOutcome{Status: model.OutcomeCompleted}}
	w := do(t, newTestServer(runner, ""), "POST", "/api/v1/runs", `{"date":"2025-01-02"}`, "")

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if got := model.DateKey(runner.runDates[0]); got != "2025-01-02" {
		t.Errorf("Expected run date 2025-01-02, got %s", got)
	}
}

func TestTriggerRunOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		status     model.OutcomeStatus
		wantStatus int
	}{
		{"completed", model.OutcomeCompleted, http.StatusOK},
		{"skipped", model.OutcomeSkippedAlreadyRunning, http.StatusConflict},
		{"failed", model.OutcomeFailed, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{outcome: model.RunOutcome{Status: tt.status, Reason: "why"}}
			w := do(t, newTestServer(runner, ""), "POST", "/api/v1/runs", "", "")
			if w.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, w.Code)
			}
		})
	}
}

func TestTriggerRunBadRequest(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"date":`},
		{"invalid date", `{"date":"14/03/2025"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			w := do(t, newTestServer(runner, ""), "POST", "/api/v1/runs", tt.body, "")
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", w.Code)
			}
			if len(runner.runDates) != 0 {
				t.Errorf("Expected no run, got %d", len(runner.runDates))
			}
		})
	}
}

func TestAuthRequired(t *testing.T) {
	tests := []struct {
		name  string
		path  string
		token string
	}{
		{"runs without token", "/api/v1/runs", ""},
		{"runs with wrong token", "/api/v1/runs", "nope"},
		{"prune without token", "/api/v1/dedup/prune", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			w := do(t, newTestServer(runner, "secret"), "POST", tt.path, "", tt.token)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("Expected status 401, got %d", w.Code)
			}
			if len(runner.runDates) != 0 {
				t.Errorf("Expected no run, got %d", len(runner.runDates))
			}
		})
	}
}

func TestRunStatusHandler(t *testing.T) {
	runner := &fakeRunner{status: map[string]orchestrator.RunStatus{
		"2025-03-14": {RunDate: time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC), Stage: model.StageCompleted, Attempt: 1},
	}}
	s := newTestServer(runner, "secret")

	w := do(t, s, "GET", "/api/v1/runs/2025-03-14", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	data, ok := decode(t, w).Data.(map[string]interface{})
	if !ok {
		t.Fatalf("Expected object data, got %T", decode(t, w).Data)
	}
	if data["stage"] != string(model.StageCompleted) {
		t.Errorf("Expected stage %s, got %v", model.StageCompleted, data["stage"])
	}

	if w := do(t, s, "GET", "/api/v1/runs/2025-03-13", "", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
	if w := do(t, s, "GET", "/api/v1/runs/yesterday", "", ""); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestPruneHandler(t *testing.T) {
	s := newTestServer(&fakeRunner{pruned: 3}, "secret")
	w := do(t, s, "POST", "/api/v1/dedup/prune", "", "secret")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	data := decode(t, w).Data.(map[string]interface{})
	if data["removed"] != float64(3) {
		t.Errorf("Expected removed 3, got %v", data["removed"])
	}

	s = newTestServer(&fakeRunner{pruneErr: errors.New("db down")}, "")
	if w := do(t, s, "POST", "/api/v1/dedup/prune", "", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	runner := &fakeRunner{}
	w := do(t, newTestServer(runner, "secret"), "OPTIONS", "/api/v1/runs", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if len(runner.runDates) != 0 {
		t.Errorf("Expected no run on preflight")
	}
}

func TestTriggerRunOutlivesRequest(t *testing.T) {
	runner := &fakeRunner{outcome: model.RunOutcome{Status: model.OutcomeCompleted}}
	s := newTestServer(runner, "").WithRunTimeout(time.Minute)

	reqCtx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest("POST", "/api/v1/runs", nil).WithContext(reqCtx)
	w := httptest.NewRecorder()
	s.SetupRoutes().ServeHTTP(w, req)

	if len(runner.runDates) != 1 {
		t.Fatalf("Expected 1 run, got %d", len(runner.runDates))
	}
	if runner.ctxErr != nil {
		t.Errorf("Expected run context to survive a cancelled request, got %v", runner.ctxErr)
	}
	if runner.deadline.IsZero() {
		t.Fatal("Expected run context to carry a deadline")
	}
	if remaining := time.Until(runner.deadline); remaining <= 0 || remaining > time.Minute {
		t.Errorf("Expected deadline within 1m, got %v", remaining)
	}
}
