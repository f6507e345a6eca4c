package domain

import (
	"testing"
	"time"
)

func TestPhaseState_RetriesRemaining(t *testing.T) {
	p := &PhaseState{PhaseID: "build", MaxAttempts: 2}
	if !p.RetriesRemaining() {
		t.Error("RetriesRemaining() = false with no attempts, want true")
	}

	p.Attempts = append(p.Attempts, AttemptRecord{AttemptNumber: 0}, AttemptRecord{AttemptNumber: 1})
	if p.RetriesRemaining() {
		t.Error("RetriesRemaining() = true with max attempts used, want false")
	}
}

func TestPhaseState_IsTerminal(t *testing.T) {
	tests := []struct {
		name     string
		status   PhaseStatus
		attempts int
		max      int
		want     bool
	}{
		{"completed", PhaseCompleted, 1, 3, true},
		{"skipped", PhaseSkipped, 0, 3, true},
		{"failed with retries left", PhaseFailed, 1, 3, false},
		{"failed exhausted", PhaseFailed, 3, 3, true},
		{"pending", PhasePending, 0, 3, false},
		{"in progress", PhaseInProgress, 1, 3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &PhaseState{Status: tt.status, MaxAttempts: tt.max}
			for i := 0; i < tt.attempts; i++ {
				p.Attempts = append(p.Attempts, AttemptRecord{AttemptNumber: i})
			}
			if got := p.IsTerminal(); got != tt.want {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPhaseState_HasIdempotencyKey(t *testing.T) {
	p := &PhaseState{
		Attempts: []AttemptRecord{
			{AttemptNumber: 0, IdempotencyKeys: []string{"k1"}},
			{AttemptNumber: 1, IdempotencyKeys: []string{"k2", "k3"}},
		},
	}

	if !p.HasIdempotencyKey("k1") {
		t.Error("HasIdempotencyKey(k1) = false, want true (earlier attempt)")
	}
	if !p.HasIdempotencyKey("k3") {
		t.Error("HasIdempotencyKey(k3) = false, want true")
	}
	if p.HasIdempotencyKey("k4") {
		t.Error("HasIdempotencyKey(k4) = true, want false")
	}
}

func TestExecutorState_CompletedSet(t *testing.T) {
	s := &ExecutorState{
		Phases: []PhaseState{
			{PhaseID: "a", Status: PhaseCompleted},
			{PhaseID: "b", Status: PhaseSkipped},
			{PhaseID: "c", Status: PhasePending},
		},
	}

	done := s.CompletedSet()
	if !done["a"] || !done["b"] {
		t.Errorf("CompletedSet() = %v, want a and b present", done)
	}
	if done["c"] {
		t.Error("CompletedSet() includes pending phase c")
	}
}

func TestExecutorState_Validate_ReportsAllProblems(t *testing.T) {
	s := &ExecutorState{
		RunID:   "",
		Version: 0,
		Phases: []PhaseState{
			{PhaseID: "a", MaxAttempts: 0, Attempts: []AttemptRecord{{AttemptNumber: 5}}},
		},
	}

	err := s.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}
	verr, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("Validate() error type = %T, want *ValidationError", err)
	}
	// empty run_id, non-positive version, non-positive max_attempts, bad attempt number
	if len(verr.Problems) != 4 {
		t.Errorf("Problems count = %d, want 4: %v", len(verr.Problems), verr.Problems)
	}
}

func TestScopeReductionProposal_Validate(t *testing.T) {
	now := time.Now()
	good := ScopeReductionProposal{
		ProposalID:       "abc",
		RunID:            "run-1",
		PhaseID:          "build",
		CurrentScope:     []string{"x", "y"},
		ProposedScope:    []string{"x"},
		DroppedItems:     []string{"y"},
		RequiresApproval: true,
		CreatedAt:        now,
	}
	if err := good.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}

	bad := good
	bad.ProposedScope = nil
	bad.DroppedItems = []string{"z"}
	bad.RequiresApproval = false
	err := bad.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}
	verr := err.(*ValidationError)
	if len(verr.Problems) != 3 {
		t.Errorf("Problems count = %d, want 3: %v", len(verr.Problems), verr.Problems)
	}
}
