// Package budget tracks cumulative token and cost usage for a run and
// exposes the remaining budget as a fraction.
package budget

import (
	"sync"
)

// Usage is a point-in-time snapshot of cumulative consumption
type Usage struct {
	TokensInput  int64   `json:"tokens_input"`
	TokensOutput int64   `json:"tokens_output"`
	CostUSD      float64 `json:"cost_usd"`
	Iterations   int     `json:"iterations"`
}

// Tracker accumulates usage against a cost ceiling. Safe for
// concurrent use.
type Tracker struct {
	mu         sync.Mutex
	usage      Usage
	maxCostUSD float64
}

// NewTracker creates a tracker with the given cost ceiling. A ceiling
// of zero or less means unlimited; Remaining then always reports 1.
func NewTracker(maxCostUSD float64) *Tracker {
	return &Tracker{maxCostUSD: maxCostUSD}
}

// Add records the usage of one step invocation
func (t *Tracker) Add(tokensIn, tokensOut int64, costUSD float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage.TokensInput += tokensIn
	t.usage.TokensOutput += tokensOut
	t.usage.CostUSD += costUSD
}

// AddIteration bumps the iteration counter
func (t *Tracker) AddIteration() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage.Iterations++
}

// Remaining returns the unspent budget fraction, clamped to [0, 1]
func (t *Tracker) Remaining() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.maxCostUSD <= 0 {
		return 1
	}
	rem := 1 - t.usage.CostUSD/t.maxCostUSD
	if rem < 0 {
		return 0
	}
	if rem > 1 {
		return 1
	}
	return rem
}

// Exhausted reports whether the cost ceiling has been reached
func (t *Tracker) Exhausted() bool {
	return t.Remaining() <= 0
}

// Snapshot returns a copy of the cumulative usage
func (t *Tracker) Snapshot() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage
}
