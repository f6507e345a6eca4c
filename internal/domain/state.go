package domain

import (
	"fmt"
	"time"
)

// StateFormatVersion is bumped whenever the persisted layout changes shape
const StateFormatVersion = 1

// AttemptRecord is one execution attempt of a phase. Immutable once completed.
type AttemptRecord struct {
	AttemptID            string        `json:"attempt_id"`
	AttemptNumber        int           `json:"attempt_number"`
	StartedAt            time.Time     `json:"started_at"`
	CompletedAt          *time.Time    `json:"completed_at"`
	Status               AttemptStatus `json:"status"`
	ErrorMessage         string        `json:"error_message"`
	ErrorType            string        `json:"error_type"`
	SideEffectsAttempted []string      `json:"side_effects_attempted"`
	IdempotencyKeys      []string      `json:"idempotency_keys"`
	Checkpoint           string        `json:"checkpoint"`
}

// PhaseState is one unit of orchestrated work
type PhaseState struct {
	PhaseID              string          `json:"phase_id"`
	PhaseNumber          int             `json:"phase_number"`
	Name                 string          `json:"name"`
	Status               PhaseStatus     `json:"status"`
	Attempts             []AttemptRecord `json:"attempts"`
	MaxAttempts          int             `json:"max_attempts"`
	CurrentCheckpoint    string          `json:"current_checkpoint"`
	Dependencies         []string        `json:"dependencies"`
	SideEffectsCommitted []string        `json:"side_effects_committed"`
	StartedAt            *time.Time      `json:"started_at"`
	CompletedAt          *time.Time      `json:"completed_at"`
}

// AttemptCount returns how many attempts have been made for this phase
func (p *PhaseState) AttemptCount() int {
	return len(p.Attempts)
}

// LatestAttempt returns the most recent attempt, or nil if none exist
func (p *PhaseState) LatestAttempt() *AttemptRecord {
	if len(p.Attempts) == 0 {
		return nil
	}
	return &p.Attempts[len(p.Attempts)-1]
}

// RetriesRemaining returns true if the phase may be attempted again
func (p *PhaseState) RetriesRemaining() bool {
	return len(p.Attempts) < p.MaxAttempts
}

// IsTerminal returns true once the phase can never be scheduled again
func (p *PhaseState) IsTerminal() bool {
	switch p.Status {
	case PhaseCompleted, PhaseSkipped:
		return true
	case PhaseFailed:
		return !p.RetriesRemaining()
	default:
		return false
	}
}

// HasIdempotencyKey reports whether key appears in any attempt of this phase
func (p *PhaseState) HasIdempotencyKey(key string) bool {
	for i := range p.Attempts {
		for _, k := range p.Attempts[i].IdempotencyKeys {
			if k == key {
				return true
			}
		}
	}
	return false
}

// ExecutorState is the whole run. Owned exclusively by the state store.
type ExecutorState struct {
	RunID             string            `json:"run_id"`
	ProjectID         string            `json:"project_id"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	Phases            []PhaseState      `json:"phases"`
	CurrentPhaseIndex int               `json:"current_phase_index"`
	Status            RunStatus         `json:"status"`
	Version           int               `json:"version"`
	ConfigHash        string            `json:"config_hash"`
	Metadata          map[string]string `json:"metadata"`
}

// Phase returns the phase with the given id
func (s *ExecutorState) Phase(phaseID string) (*PhaseState, error) {
	for i := range s.Phases {
		if s.Phases[i].PhaseID == phaseID {
			return &s.Phases[i], nil
		}
	}
	return nil, fmt.Errorf("phase %q not found in run %s", phaseID, s.RunID)
}

// CompletedSet returns the ids of all completed or skipped phases
func (s *ExecutorState) CompletedSet() map[string]bool {
	done := make(map[string]bool)
	for i := range s.Phases {
		switch s.Phases[i].Status {
		case PhaseCompleted, PhaseSkipped:
			done[s.Phases[i].PhaseID] = true
		}
	}
	return done
}

// Validate checks structural invariants and returns every violation found
func (s *ExecutorState) Validate() error {
	var problems []string
	if s.RunID == "" {
		problems = append(problems, "run_id is empty")
	}
	if s.Version <= 0 {
		problems = append(problems, "version must be positive")
	}
	seen := make(map[string]bool)
	for i := range s.Phases {
		p := &s.Phases[i]
		if p.PhaseID == "" {
			problems = append(problems, fmt.Sprintf("phase %d: phase_id is empty", i))
		}
		if seen[p.PhaseID] {
			problems = append(problems, fmt.Sprintf("phase %d: duplicate phase_id %q", i, p.PhaseID))
		}
		seen[p.PhaseID] = true
		if p.MaxAttempts <= 0 {
			problems = append(problems, fmt.Sprintf("phase %s: max_attempts must be positive", p.PhaseID))
		}
		for j := range p.Attempts {
			if p.Attempts[j].AttemptNumber != j {
				problems = append(problems, fmt.Sprintf("phase %s: attempt %d has attempt_number %d", p.PhaseID, j, p.Attempts[j].AttemptNumber))
			}
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// ValidationError reports every violated constraint, not just the first
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %d problem(s): %v", len(e.Problems), e.Problems)
}
