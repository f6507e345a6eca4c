package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/hochfrequenz/claude-phase-orchestrator/internal/breaker"
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/statestore"
)

// StatusResponse is the API response for overall status
type StatusResponse struct {
	Runs         int     `json:"runs"`
	TokensInput  int64   `json:"tokens_input"`
	TokensOutput int64   `json:"tokens_output"`
	CostUSD      float64 `json:"cost_usd"`
	BudgetLeft   float64 `json:"budget_remaining"`
}

// RunResponse is the API response for one run
type RunResponse struct {
	RunID     string          `json:"run_id"`
	ProjectID string          `json:"project_id"`
	Status    string          `json:"status"`
	Phases    []PhaseResponse `json:"phases"`
}

// PhaseResponse is the API response for one phase
type PhaseResponse struct {
	PhaseID     string `json:"phase_id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	LastError   string `json:"last_error,omitempty"`
}

// BreakerResponse is the API response for one circuit breaker
type BreakerResponse struct {
	Name    string          `json:"name"`
	State   string          `json:"state"`
	Metrics breaker.Metrics `json:"metrics"`
}

func runToResponse(state *domain.ExecutorState) RunResponse {
	resp := RunResponse{
		RunID:     state.RunID,
		ProjectID: state.ProjectID,
		Status:    string(state.Status),
		Phases:    make([]PhaseResponse, 0, len(state.Phases)),
	}
	for i := range state.Phases {
		p := &state.Phases[i]
		pr := PhaseResponse{
			PhaseID:     p.PhaseID,
			Name:        p.Name,
			Status:      string(p.Status),
			Attempts:    p.AttemptCount(),
			MaxAttempts: p.MaxAttempts,
		}
		if last := p.LatestAttempt(); last != nil {
			pr.LastError = last.ErrorMessage
		}
		resp.Phases = append(resp.Phases, pr)
	}
	return resp
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs, err := s.store.ListRuns()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		resp := StatusResponse{Runs: len(runs), BudgetLeft: 1}
		if s.usage != nil {
			u := s.usage.Snapshot()
			resp.TokensInput = u.TokensInput
			resp.TokensOutput = u.TokensOutput
			resp.CostUSD = u.CostUSD
			resp.BudgetLeft = s.usage.Remaining()
		}
		writeJSON(w, resp)
	}
}

func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := s.store.ListRuns()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		runs := make([]RunResponse, 0, len(ids))
		for _, id := range ids {
			state, err := s.store.LoadState(id)
			if err != nil {
				continue // unreadable run, skip
			}
			runs = append(runs, runToResponse(state))
		}
		writeJSON(w, runs)
	}
}

func (s *Server) getRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := strings.TrimPrefix(r.URL.Path, "/api/runs/")
		if runID == "" {
			writeError(w, http.StatusBadRequest, "run id required")
			return
		}

		state, err := s.store.LoadState(runID)
		if err != nil {
			if errors.Is(err, statestore.ErrNotFound) {
				writeError(w, http.StatusNotFound, "run not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, runToResponse(state))
	}
}

func (s *Server) breakersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names := s.breakers.Names()
		resp := make([]BreakerResponse, 0, len(names))
		for _, name := range names {
			b, ok := s.breakers.Get(name)
			if !ok {
				continue
			}
			resp = append(resp, BreakerResponse{
				Name:    name,
				State:   string(b.State()),
				Metrics: b.Metrics(),
			})
		}
		writeJSON(w, resp)
	}
}

func (s *Server) proposalsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.proposals == nil {
			writeJSON(w, []struct{}{})
			return
		}
		list, err := s.proposals.ListProposals()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if list == nil {
			list = []*domain.ScopeReductionProposal{}
		}
		writeJSON(w, list)
	}
}
