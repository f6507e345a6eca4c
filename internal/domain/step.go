package domain

// SideEffect describes one externally visible action a step performed or
// wants to perform, identified by its idempotency key.
type SideEffect struct {
	Key         string `json:"key"`
	Description string `json:"description"`
}

// StepResult is the classified outcome of one external builder/auditor step.
// The core never interprets the step's internals, only this classification.
type StepResult struct {
	Success      bool
	Output       string
	ErrorKind    ErrorKind
	ErrorMessage string
	SideEffects  []SideEffect
	Checkpoint   string

	// Token usage reported by the step, for budget accounting
	TokensInput  int
	TokensOutput int
	CostUSD      float64
}
