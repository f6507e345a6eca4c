package domain

import (
	"fmt"
	"time"
)

// ScopeReductionProposal is a proposed, human-reviewable scope cut.
// It is written once to a proposal artifact and never applied automatically.
type ScopeReductionProposal struct {
	ProposalID       string    `json:"proposal_id"`
	RunID            string    `json:"run_id"`
	PhaseID          string    `json:"phase_id"`
	AnchorDigest     string    `json:"anchor_digest"`
	CurrentScope     []string  `json:"current_scope"`
	ProposedScope    []string  `json:"proposed_scope"`
	DroppedItems     []string  `json:"dropped_items"`
	Justification    string    `json:"justification"`
	BudgetRemaining  float64   `json:"budget_remaining"`
	RequiresApproval bool      `json:"requires_approval"`
	CreatedAt        time.Time `json:"created_at"`
}

// Validate checks the proposal invariants and returns every violation found
func (p *ScopeReductionProposal) Validate() error {
	var problems []string
	if p.ProposalID == "" {
		problems = append(problems, "proposal_id is empty")
	}
	if p.RunID == "" {
		problems = append(problems, "run_id is empty")
	}
	if p.PhaseID == "" {
		problems = append(problems, "phase_id is empty")
	}
	if len(p.ProposedScope) == 0 {
		problems = append(problems, "proposed_scope must not be empty")
	}
	if !p.RequiresApproval {
		problems = append(problems, "requires_approval must be true")
	}
	current := make(map[string]bool, len(p.CurrentScope))
	for _, item := range p.CurrentScope {
		current[item] = true
	}
	for _, item := range p.DroppedItems {
		if !current[item] {
			problems = append(problems, fmt.Sprintf("dropped item %q is not in current_scope", item))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// EvidenceRecord is an auditable summary of a recovery action's inputs and
// outcome, kept for diagnosis without storing full content dumps.
type EvidenceRecord struct {
	EventID      string    `json:"event_id"`
	InputHash    string    `json:"input_hash"`
	ErrorSummary string    `json:"error_summary"`
	Success      bool      `json:"success"`
	CreatedAt    time.Time `json:"created_at"`
}

// PatchCorrectionResult is the outcome of one patch correction attempt
type PatchCorrectionResult struct {
	Attempted       bool            `json:"attempted"`
	Reason          string          `json:"reason,omitempty"`
	OriginalInput   string          `json:"original_input"`
	ErrorDetail     string          `json:"error_detail"`
	CorrectedOutput string          `json:"corrected_output,omitempty"`
	Success         bool            `json:"success"`
	Evidence        *EvidenceRecord `json:"evidence,omitempty"`
}
