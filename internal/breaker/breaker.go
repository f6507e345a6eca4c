// Package breaker implements per-dependency fault isolation with a
// closed/open/half-open state machine.
package breaker

import (
	"fmt"
	"sync"
	"time"
)

// State is the breaker position
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// CallStatus tags the outcome of Call so callers handle every branch
// explicitly instead of catching a sentinel error
type CallStatus int

const (
	// CallOK means fn ran and succeeded
	CallOK CallStatus = iota
	// CallRejected means the breaker was open and fn never ran
	CallRejected
	// CallFailed means fn ran and returned an error
	CallFailed
)

func (c CallStatus) String() string {
	switch c {
	case CallOK:
		return "ok"
	case CallRejected:
		return "rejected"
	case CallFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config holds breaker thresholds
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

// DefaultConfig returns conservative thresholds
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
	}
}

// Metrics holds cumulative counters for one breaker
type Metrics struct {
	TotalCalls      uint64            `json:"total_calls"`
	SuccessfulCalls uint64            `json:"successful_calls"`
	FailedCalls     uint64            `json:"failed_calls"`
	RejectedCalls   uint64            `json:"rejected_calls"`
	Transitions     map[string]uint64 `json:"transitions"`
}

// CircuitBreaker guards calls to one named external dependency
type CircuitBreaker struct {
	name string
	cfg  Config

	mu             sync.Mutex
	state          State
	failureCount   int
	successCount   int
	lastFailure    time.Time
	lastTransition time.Time
	metrics        Metrics

	now func() time.Time
}

// New creates a closed breaker for name
func New(name string, cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	b := &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
		metrics: Metrics{
			Transitions: make(map[string]uint64),
		},
	}
	b.lastTransition = b.now()
	return b
}

// Name returns the dependency name this breaker guards
func (b *CircuitBreaker) Name() string {
	return b.name
}

// Call runs fn under the breaker. The returned status is CallRejected
// when the breaker is open, otherwise it reflects fn's outcome and the
// error is fn's error unchanged.
func (b *CircuitBreaker) Call(fn func() error) (CallStatus, error) {
	b.mu.Lock()
	b.refreshLocked()

	b.metrics.TotalCalls++
	if b.state == StateOpen {
		b.metrics.RejectedCalls++
		b.mu.Unlock()
		return CallRejected, fmt.Errorf("circuit %s is open", b.name)
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.metrics.FailedCalls++
		b.recordFailureLocked()
		return CallFailed, err
	}
	b.metrics.SuccessfulCalls++
	b.recordSuccessLocked()
	return CallOK, nil
}

// IsAvailable reports whether a call made now would be attempted.
// It refreshes the time-based open→half-open transition first.
func (b *CircuitBreaker) IsAvailable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return b.state != StateOpen
}

// State returns the current state after refreshing the open timeout
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return b.state
}

// Reset forces the breaker closed and zeroes the counters
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.transitionLocked(StateClosed)
	}
	b.failureCount = 0
	b.successCount = 0
}

// Metrics returns a copy of the cumulative counters
func (b *CircuitBreaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := b.metrics
	m.Transitions = make(map[string]uint64, len(b.metrics.Transitions))
	for k, v := range b.metrics.Transitions {
		m.Transitions[k] = v
	}
	return m
}

// refreshLocked applies the time-based open→half-open transition
func (b *CircuitBreaker) refreshLocked() {
	if b.state == StateOpen && b.now().Sub(b.lastTransition) >= b.cfg.Timeout {
		b.transitionLocked(StateHalfOpen)
		b.successCount = 0
	}
}

func (b *CircuitBreaker) recordFailureLocked() {
	b.lastFailure = b.now()
	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		// Any failure during probing reopens immediately
		b.transitionLocked(StateOpen)
		b.successCount = 0
	}
}

func (b *CircuitBreaker) recordSuccessLocked() {
	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.transitionLocked(StateClosed)
			b.failureCount = 0
			b.successCount = 0
		}
	}
}

func (b *CircuitBreaker) transitionLocked(to State) {
	key := fmt.Sprintf("%s_to_%s", b.state, to)
	b.metrics.Transitions[key]++
	b.state = to
	b.lastTransition = b.now()
}
