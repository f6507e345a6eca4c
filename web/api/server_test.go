package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/claude-phase-orchestrator/internal/breaker"
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/budget"
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/events"
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/statestore"
)

type fakeRunStore struct {
	states map[string]*domain.ExecutorState
}

func (f *fakeRunStore) ListRuns() ([]string, error) {
	ids := make([]string, 0, len(f.states))
	for id := range f.states {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeRunStore) LoadState(runID string) (*domain.ExecutorState, error) {
	state, ok := f.states[runID]
	if !ok {
		return nil, statestore.ErrNotFound
	}
	return state, nil
}

type fakeProposals struct {
	list []*domain.ScopeReductionProposal
}

func (f *fakeProposals) ListProposals() ([]*domain.ScopeReductionProposal, error) {
	return f.list, nil
}

func testState() *domain.ExecutorState {
	return &domain.ExecutorState{
		RunID:     "run-1",
		ProjectID: "energy-erp",
		Status:    domain.RunRunning,
		Version:   domain.StateFormatVersion,
		Phases: []domain.PhaseState{
			{PhaseID: "a", Name: "scan", Status: domain.PhaseCompleted, MaxAttempts: 3},
			{PhaseID: "b", Name: "build", Status: domain.PhaseInProgress, MaxAttempts: 3,
				Attempts: []domain.AttemptRecord{{AttemptID: "at-1", Status: domain.AttemptRunning}}},
		},
	}
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	store := &fakeRunStore{states: map[string]*domain.ExecutorState{"run-1": testState()}}
	registry := breaker.NewRegistry(breaker.DefaultConfig())
	registry.GetOrCreate("builder")

	s := NewServer(store, registry, &fakeProposals{}, budget.NewTracker(100), "")
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func getJSON(t *testing.T, url string, into interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if into != nil {
		if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
			t.Fatalf("decoding %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestStatusEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	var status StatusResponse
	if code := getJSON(t, ts.URL+"/api/status", &status); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if status.Runs != 1 {
		t.Errorf("Runs = %d, want 1", status.Runs)
	}
	if status.BudgetLeft != 1 {
		t.Errorf("BudgetLeft = %v, want 1 (nothing spent)", status.BudgetLeft)
	}
}

func TestGetRunEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	var run RunResponse
	if code := getJSON(t, ts.URL+"/api/runs/run-1", &run); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if run.RunID != "run-1" || len(run.Phases) != 2 {
		t.Errorf("run = %+v, want run-1 with 2 phases", run)
	}
	if run.Phases[1].Status != "in_progress" {
		t.Errorf("phase b status = %s, want in_progress", run.Phases[1].Status)
	}

	if code := getJSON(t, ts.URL+"/api/runs/missing", nil); code != http.StatusNotFound {
		t.Errorf("missing run status code = %d, want 404", code)
	}
}

func TestBreakersEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	var breakers []BreakerResponse
	if code := getJSON(t, ts.URL+"/api/breakers", &breakers); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if len(breakers) != 1 || breakers[0].Name != "builder" {
		t.Fatalf("breakers = %+v, want one named builder", breakers)
	}
	if breakers[0].State != "closed" {
		t.Errorf("state = %s, want closed", breakers[0].State)
	}
}

func TestProposalsEndpoint_EmptyIsArray(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/proposals")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var buf [2]byte
	n, _ := resp.Body.Read(buf[:])
	if n < 1 || buf[0] != '[' {
		t.Errorf("proposals body starts with %q, want JSON array", buf[:n])
	}
}

func TestWebSocketStream(t *testing.T) {
	s, ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", wsURL, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for s.wsHub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	want := events.Event{Kind: events.KindPhaseCompleted, RunID: "run-1", PhaseID: "b", Message: "done"}
	s.wsHub.Broadcast(want)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var got events.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("reading event: %v", err)
	}
	if got.Kind != want.Kind || got.RunID != want.RunID {
		t.Errorf("event = %+v, want %+v", got, want)
	}
}
