// Package api exposes run state, breaker status, and proposals over
// HTTP, with SSE and WebSocket event streams for live observers.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hochfrequenz/claude-phase-orchestrator/internal/breaker"
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/budget"
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/events"
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/recovery"
)

// RunStore is the read side of the state store the API serves
type RunStore interface {
	ListRuns() ([]string, error)
	LoadState(runID string) (*domain.ExecutorState, error)
}

// ProposalLister reads scope-reduction proposal artifacts
type ProposalLister interface {
	ListProposals() ([]*domain.ScopeReductionProposal, error)
}

// Server is the HTTP API server
type Server struct {
	store     RunStore
	breakers  *breaker.Registry
	proposals ProposalLister
	usage     *budget.Tracker
	addr      string
	mux       *http.ServeMux
	sseHub    *SSEHub
	wsHub     *WSHub
}

// NewServer creates a new API server
func NewServer(store RunStore, breakers *breaker.Registry, proposals ProposalLister, usage *budget.Tracker, addr string) *Server {
	s := &Server{
		store:     store,
		breakers:  breakers,
		proposals: proposals,
		usage:     usage,
		addr:      addr,
		mux:       http.NewServeMux(),
		sseHub:    NewSSEHub(),
		wsHub:     NewWSHub(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/runs", s.listRunsHandler())
	s.mux.HandleFunc("/api/runs/", s.getRunHandler())
	s.mux.HandleFunc("/api/breakers", s.breakersHandler())
	s.mux.HandleFunc("/api/proposals", s.proposalsHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
	s.mux.HandleFunc("/api/ws", s.wsHandler())
}

// Start starts the HTTP server
func (s *Server) Start() error {
	go s.sseHub.Run()
	return http.ListenAndServe(s.addr, s.mux)
}

// Handler returns the underlying mux, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// EventHandler returns an events.Handler that broadcasts each
// orchestration event to all connected SSE and WebSocket clients
func (s *Server) EventHandler() events.Handler {
	return func(ctx context.Context, ev events.Event) error {
		s.sseHub.Broadcast(SSEEvent{Type: string(ev.Kind), Data: ev})
		s.wsHub.Broadcast(ev)
		return nil
	}
}

// Broadcast sends an event to all SSE clients
func (s *Server) Broadcast(event SSEEvent) {
	s.sseHub.Broadcast(event)
}

var _ ProposalLister = (*recovery.Coordinator)(nil)

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
