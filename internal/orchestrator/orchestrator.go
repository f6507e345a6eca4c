// Package orchestrator drives a run: pick the next executable phase,
// run a breaker-guarded attempt, record the outcome, and consult the
// stuck-handling policy when progress stalls.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/hochfrequenz/claude-phase-orchestrator/internal/breaker"
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/budget"
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/events"
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/plan"
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/policy"
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/recovery"
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/statestore"
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/step"
)

// builderBreaker is the breaker name guarding the external step process
const builderBreaker = "builder"

// StepRunner runs one external builder/auditor step
type StepRunner interface {
	Run(ctx context.Context, req step.Request) *domain.StepResult
}

// Deps collects the collaborators the loop drives
type Deps struct {
	Store    *statestore.Store
	Breakers *breaker.Registry
	Policy   *policy.Policy
	Recovery *recovery.Coordinator
	Budget   *budget.Tracker
	Events   *events.Pool
	Runner   StepRunner
	Plan     *plan.Plan
}

// Orchestrator executes one run to completion or halt
type Orchestrator struct {
	deps   Deps
	logger *log.Logger

	// per-phase stuck-handling counters, reset never: a phase keeps its
	// history across attempts within one process lifetime
	progress map[string]*phaseProgress
}

// phaseProgress tracks the counters feeding policy decisions
type phaseProgress struct {
	iterations          int
	consecutiveFailures int
	escalationsUsed     int
	replanAttempted     bool
	escalateNext        bool
	replanNext          bool
}

// Summary is the human-readable outcome of a run
type Summary struct {
	RunID      string            `json:"run_id"`
	Status     domain.RunStatus  `json:"status"`
	Reason     string            `json:"reason"`
	Phases     map[string]string `json:"phases"`
	Usage      budget.Usage      `json:"usage"`
	FinishedAt time.Time         `json:"finished_at"`
}

func (s *Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s finished %s: %s\n", s.RunID, s.Status, s.Reason)
	for id, status := range s.Phases {
		fmt.Fprintf(&b, "  phase %s: %s\n", id, status)
	}
	fmt.Fprintf(&b, "  usage: %d in / %d out tokens, $%.2f, %d iterations",
		s.Usage.TokensInput, s.Usage.TokensOutput, s.Usage.CostUSD, s.Usage.Iterations)
	return b.String()
}

// New creates an orchestrator
func New(deps Deps) *Orchestrator {
	return &Orchestrator{
		deps:     deps,
		logger:   log.New(os.Stderr, "[orchestrator] ", log.LstdFlags),
		progress: make(map[string]*phaseProgress),
	}
}

func (o *Orchestrator) phaseProgress(phaseID string) *phaseProgress {
	p, ok := o.progress[phaseID]
	if !ok {
		p = &phaseProgress{}
		o.progress[phaseID] = p
	}
	return p
}

// Run drives the state to completion or a halt decision. The returned
// summary is always non-nil when the error is nil or a halt; a
// PersistenceError aborts immediately.
func (o *Orchestrator) Run(ctx context.Context, state *domain.ExecutorState) (*Summary, error) {
	for {
		if err := ctx.Err(); err != nil {
			return o.summarize(state, "context cancelled"), nil
		}

		phase := o.deps.Store.GetNextExecutablePhase(state)
		if phase == nil {
			reason := "all schedulable phases finished"
			if state.Status == domain.RunFailed {
				reason = "one or more phases exhausted their attempts"
			}
			summary := o.summarize(state, reason)
			o.publish(events.Event{Kind: events.KindRunFinished, RunID: state.RunID, Message: reason})
			return summary, nil
		}

		prog := o.phaseProgress(phase.PhaseID)
		prog.iterations++
		o.deps.Budget.AddIteration()

		halted, err := o.runAttempt(ctx, state, phase, prog)
		if err != nil {
			return nil, err
		}
		if halted != "" {
			summary := o.summarize(state, halted)
			o.publish(events.Event{Kind: events.KindRunFinished, RunID: state.RunID, Message: halted})
			return summary, nil
		}
	}
}

// runAttempt executes one guarded attempt of a phase. It returns a
// non-empty halt reason when the policy decided to stop the run.
func (o *Orchestrator) runAttempt(ctx context.Context, state *domain.ExecutorState, phase *domain.PhaseState, prog *phaseProgress) (string, error) {
	attempt, err := o.deps.Store.StartPhase(state, phase.PhaseID)
	if err != nil {
		return "", err
	}
	o.logger.Printf("run %s phase %s attempt %d starting", state.RunID, phase.PhaseID, attempt.AttemptNumber)
	o.publish(events.Event{
		Kind: events.KindPhaseStarted, RunID: state.RunID, PhaseID: phase.PhaseID,
		Message: fmt.Sprintf("attempt %d of %d", attempt.AttemptNumber+1, phase.MaxAttempts),
	})

	req := step.Request{
		RunID:   state.RunID,
		PhaseID: phase.PhaseID,
		Prompt:  o.promptFor(phase, prog),
	}
	if attempt.AttemptNumber > 0 && !prog.replanNext {
		// A retry continues the phase's existing session; a re-plan
		// starts clean so the fresh prompt is actually delivered.
		req.Resume = true
	}
	if prog.escalateNext {
		req.Escalate = true
		prog.escalateNext = false
	}
	prog.replanNext = false

	b := o.deps.Breakers.GetOrCreate(builderBreaker)
	before := b.State()
	var result *domain.StepResult
	status, callErr := b.Call(func() error {
		result = o.deps.Runner.Run(ctx, req)
		if !result.Success {
			return fmt.Errorf("%s: %s", result.ErrorKind, result.ErrorMessage)
		}
		return nil
	})
	o.deps.Breakers.Persist(builderBreaker)
	if after := b.State(); after != before {
		o.logger.Printf("breaker %s transitioned %s -> %s", builderBreaker, before, after)
		o.publish(events.Event{
			Kind: events.KindBreakerChange, RunID: state.RunID, PhaseID: phase.PhaseID,
			Message: fmt.Sprintf("breaker %s: %s -> %s", builderBreaker, before, after),
		})
	}

	switch status {
	case breaker.CallRejected:
		// The step never ran; record the rejection as a failed attempt
		// and let the policy decide what to do with the dependency down.
		if err := o.deps.Store.CompletePhase(state, phase.PhaseID, false, domain.ErrorKindRejected, callErr.Error(), nil); err != nil {
			return "", err
		}
		return o.handleFailure(ctx, state, phase, prog, domain.ReasonNoProgress, callErr.Error())

	case breaker.CallFailed:
		o.deps.Budget.Add(int64(result.TokensInput), int64(result.TokensOutput), result.CostUSD)
		o.tryPatchCorrection(ctx, state, attempt, result)
		if err := o.deps.Store.CompletePhase(state, phase.PhaseID, false, result.ErrorKind, result.ErrorMessage, nil); err != nil {
			return "", err
		}
		o.publish(events.Event{
			Kind: events.KindPhaseFailed, RunID: state.RunID, PhaseID: phase.PhaseID,
			Message: result.ErrorMessage,
		})
		return o.handleFailure(ctx, state, phase, prog, domain.ReasonRepeatedFailures, result.ErrorMessage)
	}

	// Success path: commit side effects through the ledger first.
	o.deps.Budget.Add(int64(result.TokensInput), int64(result.TokensOutput), result.CostUSD)
	committed, err := o.commitSideEffects(state, phase.PhaseID, result.SideEffects)
	if err != nil {
		return "", err
	}
	if result.Checkpoint != "" {
		if err := o.deps.Store.SetCheckpoint(state, phase.PhaseID, result.Checkpoint); err != nil {
			return "", err
		}
	}
	if err := o.deps.Store.CompletePhase(state, phase.PhaseID, true, "", "", committed); err != nil {
		return "", err
	}

	prog.consecutiveFailures = 0
	o.logger.Printf("run %s phase %s completed", state.RunID, phase.PhaseID)
	o.publish(events.Event{Kind: events.KindPhaseCompleted, RunID: state.RunID, PhaseID: phase.PhaseID, Message: "completed"})
	return "", nil
}

// commitSideEffects registers each side effect's idempotency key.
// Already-registered keys mean the effect happened on an earlier
// attempt or process; they are skipped as done, never treated as
// failures.
func (o *Orchestrator) commitSideEffects(state *domain.ExecutorState, phaseID string, effects []domain.SideEffect) ([]string, error) {
	var committed []string
	for _, fx := range effects {
		fresh, err := o.deps.Store.RegisterIdempotencyKey(state, phaseID, fx.Key)
		if err != nil {
			return nil, err
		}
		if !fresh {
			o.logger.Printf("side effect %s already recorded, skipping as done", fx.Key)
			continue
		}
		committed = append(committed, fx.Key)
	}
	return committed, nil
}

// tryPatchCorrection offers a failed step one bounded correction pass
func (o *Orchestrator) tryPatchCorrection(ctx context.Context, state *domain.ExecutorState, attempt *domain.AttemptRecord, result *domain.StepResult) {
	if o.deps.Recovery == nil || result.ErrorKind != domain.ErrorKindStep {
		return
	}
	if !o.deps.Recovery.ShouldAttempt(result.ErrorMessage, o.deps.Budget.Remaining()) {
		return
	}
	corr := o.deps.Recovery.AttemptOnce(ctx, attempt.AttemptID, result.Checkpoint, result.ErrorMessage)
	if corr.Attempted && corr.Success {
		o.logger.Printf("patch correction for attempt %s produced a corrected output", attempt.AttemptID)
	}
}

// handleFailure updates the stuck counters and consults the policy when
// the failure threshold is reached. It returns a non-empty halt reason
// for a Stop decision.
func (o *Orchestrator) handleFailure(ctx context.Context, state *domain.ExecutorState, phase *domain.PhaseState, prog *phaseProgress, reason domain.StuckReason, detail string) (string, error) {
	prog.consecutiveFailures++

	// Below the failure trigger and with budget left, a plain retry is
	// still the cheapest action: the state store already returned the
	// phase to pending if attempts remain.
	if prog.consecutiveFailures < o.deps.Policy.Trigger() && !o.deps.Budget.Exhausted() {
		return "", nil
	}

	pctx := policy.Context{
		Reason:              reason,
		IterationsUsed:      prog.iterations,
		BudgetRemaining:     o.deps.Budget.Remaining(),
		EscalationsUsed:     prog.escalationsUsed,
		ConsecutiveFailures: prog.consecutiveFailures,
		ReplanAttempted:     prog.replanAttempted,
	}
	decision := o.deps.Policy.Decide(pctx)
	o.logger.Printf("run %s phase %s stuck (%s): decision %s", state.RunID, phase.PhaseID, reason, decision)
	o.publish(events.Event{
		Kind: events.KindStuckDecision, RunID: state.RunID, PhaseID: phase.PhaseID,
		Message: string(decision),
		Fields:  map[string]string{"reason": string(reason), "detail": detail},
	})

	switch decision {
	case domain.DecisionReplan:
		prog.replanAttempted = true
		prog.replanNext = true
		prog.consecutiveFailures = 0
		return "", nil

	case domain.DecisionEscalateModel:
		prog.escalationsUsed++
		prog.escalateNext = true
		return "", nil

	case domain.DecisionReduceScope:
		if err := o.proposeScopeReduction(state, phase); err != nil {
			return "", err
		}
		if err := o.deps.Store.BlockPhase(state, phase.PhaseID); err != nil {
			return "", err
		}
		return "", nil

	case domain.DecisionNeedsHuman:
		if err := o.deps.Store.BlockPhase(state, phase.PhaseID); err != nil {
			return "", err
		}
		return "", nil

	default: // DecisionStop
		return fmt.Sprintf("policy stopped phase %s: %s", phase.PhaseID, detail), nil
	}
}

// proposeScopeReduction writes a scope-reduction proposal artifact for
// the phase. Nothing is applied until a human approves it.
func (o *Orchestrator) proposeScopeReduction(state *domain.ExecutorState, phase *domain.PhaseState) error {
	if o.deps.Recovery == nil {
		return nil
	}
	scope := o.scopeFor(phase.PhaseID)
	if len(scope) == 0 {
		scope = []string{phase.Name}
	}
	var dropped []string
	if len(scope) > 1 {
		dropped = scope[len(scope)/2:]
	}

	proposal, err := o.deps.Recovery.Generate(
		state.RunID, phase.PhaseID, state.ConfigHash,
		scope, dropped, "", o.deps.Budget.Remaining(),
	)
	if err != nil {
		return fmt.Errorf("generating scope reduction: %w", err)
	}
	o.publish(events.Event{
		Kind: events.KindProposal, RunID: state.RunID, PhaseID: phase.PhaseID,
		Message: fmt.Sprintf("scope-reduction proposal %s awaiting approval", proposal.ProposalID),
	})
	return nil
}

func (o *Orchestrator) scopeFor(phaseID string) []string {
	if o.deps.Plan == nil {
		return nil
	}
	if spec, ok := o.deps.Plan.Phase(phaseID); ok {
		return spec.Scope
	}
	return nil
}

// promptFor builds the step prompt from the plan's goal and scope
func (o *Orchestrator) promptFor(phase *domain.PhaseState, prog *phaseProgress) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Work on phase %q.\n", phase.Name)
	if o.deps.Plan != nil {
		if spec, ok := o.deps.Plan.Phase(phase.PhaseID); ok {
			if spec.Goal != "" {
				fmt.Fprintf(&b, "Goal: %s\n", spec.Goal)
			}
			if len(spec.Scope) > 0 {
				fmt.Fprintf(&b, "Scope: %s\n", strings.Join(spec.Scope, ", "))
			}
		}
	}
	if phase.CurrentCheckpoint != "" {
		fmt.Fprintf(&b, "Resume from checkpoint: %s\n", phase.CurrentCheckpoint)
	}
	if prog.replanNext {
		b.WriteString("The previous approach failed repeatedly. Re-plan from scratch before making changes.\n")
	}
	if last := phase.LatestAttempt(); last != nil && last.ErrorMessage != "" {
		fmt.Fprintf(&b, "Previous attempt failed with: %s\n", last.ErrorMessage)
	}
	return b.String()
}

func (o *Orchestrator) summarize(state *domain.ExecutorState, reason string) *Summary {
	phases := make(map[string]string, len(state.Phases))
	for i := range state.Phases {
		p := &state.Phases[i]
		phases[p.PhaseID] = fmt.Sprintf("%s (%d/%d attempts)", p.Status, p.AttemptCount(), p.MaxAttempts)
	}
	return &Summary{
		RunID:      state.RunID,
		Status:     state.Status,
		Reason:     reason,
		Phases:     phases,
		Usage:      o.deps.Budget.Snapshot(),
		FinishedAt: time.Now().UTC(),
	}
}

func (o *Orchestrator) publish(ev events.Event) {
	if o.deps.Events == nil {
		return
	}
	o.deps.Events.Publish(ev)
}
