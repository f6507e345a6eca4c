// Package policy decides what to do when a phase cannot make forward
// progress.
package policy

import (
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/domain"
)

// Context carries the inputs to one decision. Constructed fresh per
// call, never stored.
type Context struct {
	Reason              domain.StuckReason
	IterationsUsed      int
	BudgetRemaining     float64 // fraction in [0, 1]
	EscalationsUsed     int
	ConsecutiveFailures int
	ReplanAttempted     bool
}

// Config holds the policy thresholds
type Config struct {
	MaxIterationsPerPhase      int
	MaxEscalationsPerPhase     int
	BudgetWarningThreshold     float64
	ConsecutiveFailuresTrigger int
}

// DefaultConfig returns the standard thresholds
func DefaultConfig() Config {
	return Config{
		MaxIterationsPerPhase:      10,
		MaxEscalationsPerPhase:     2,
		BudgetWarningThreshold:     0.8,
		ConsecutiveFailuresTrigger: 3,
	}
}

// escalationBudgetFloor is the minimum remaining budget fraction below
// which escalating to a more expensive model is never worth it
const escalationBudgetFloor = 0.3

// Policy is a pure decision function over a Context. It holds only
// immutable thresholds, so the same context always yields the same
// decision.
type Policy struct {
	cfg Config
}

// New creates a policy with the given thresholds
func New(cfg Config) *Policy {
	return &Policy{cfg: cfg}
}

// Trigger returns the consecutive-failure count at which callers
// should consult the policy
func (p *Policy) Trigger() int {
	return p.cfg.ConsecutiveFailuresTrigger
}

// Decide maps a stuck context to the next action. The rules are
// ordered cheapest-safe-action first: a free re-plan before a paid
// escalation, scope reduction before spending more budget, and human
// involvement only for states nothing automatic can resolve.
func (p *Policy) Decide(ctx Context) domain.Decision {
	// 1. States no automatic action can resolve
	if ctx.Reason == domain.ReasonIrreducibleAmbiguity || ctx.Reason == domain.ReasonRequiresApproval {
		return domain.DecisionNeedsHuman
	}

	// 2. Iteration ceiling reached
	if ctx.IterationsUsed >= p.cfg.MaxIterationsPerPhase {
		return domain.DecisionStop
	}

	// 3. Budget pressure: stop claiming more and narrow the work instead
	if ctx.BudgetRemaining < 1-p.cfg.BudgetWarningThreshold {
		return domain.DecisionReduceScope
	}

	// 4. Repeated failures get one free re-plan before anything costs more
	if ctx.ConsecutiveFailures >= p.cfg.ConsecutiveFailuresTrigger && !ctx.ReplanAttempted {
		return domain.DecisionReplan
	}

	// 5. Re-plan didn't help: escalate the model if budget allows
	if ctx.ReplanAttempted &&
		ctx.ConsecutiveFailures >= p.cfg.ConsecutiveFailuresTrigger &&
		ctx.EscalationsUsed < p.cfg.MaxEscalationsPerPhase &&
		ctx.BudgetRemaining > escalationBudgetFloor {
		return domain.DecisionEscalateModel
	}

	// 6. Goal drift warrants a re-plan even without failures
	if ctx.Reason == domain.ReasonGoalDriftWarning {
		return domain.DecisionReplan
	}

	// 7. Nothing left to try
	return domain.DecisionStop
}
