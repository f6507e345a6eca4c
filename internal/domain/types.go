package domain

// PhaseStatus represents the lifecycle state of a phase
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseCompleted  PhaseStatus = "completed"
	PhaseFailed     PhaseStatus = "failed"
	PhaseBlocked    PhaseStatus = "blocked"
	PhaseSkipped    PhaseStatus = "skipped"
)

// RunStatus represents the execution state of a run
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// AttemptStatus represents the state of a single phase attempt
type AttemptStatus string

const (
	AttemptRunning   AttemptStatus = "running"
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
)

// StuckReason classifies why a phase cannot make forward progress
type StuckReason string

const (
	ReasonRepeatedFailures     StuckReason = "repeated_failures"
	ReasonIrreducibleAmbiguity StuckReason = "irreducible_ambiguity"
	ReasonRequiresApproval     StuckReason = "requires_approval"
	ReasonGoalDriftWarning     StuckReason = "goal_drift_warning"
	ReasonNoProgress           StuckReason = "no_progress"
)

// Decision is the action chosen by the stuck-handling policy
type Decision string

const (
	DecisionReplan        Decision = "replan"
	DecisionReduceScope   Decision = "reduce_scope"
	DecisionEscalateModel Decision = "escalate_model"
	DecisionNeedsHuman    Decision = "needs_human"
	DecisionStop          Decision = "stop"
)

// ErrorKind classifies step failures for attempt records and breaker accounting
type ErrorKind string

const (
	ErrorKindTimeout  ErrorKind = "timeout"
	ErrorKindRejected ErrorKind = "circuit_open"
	ErrorKindStep     ErrorKind = "step_error"
	ErrorKindInternal ErrorKind = "internal"
)
