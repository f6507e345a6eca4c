package breaker

import (
	"encoding/json"
	"time"
)

// SnapshotStore is the key-value store used to carry breaker state
// across restarts. Persistence is best-effort: store failures degrade
// to in-memory-only operation and never block the call path.
type SnapshotStore interface {
	SaveBreakerState(name string, snapshot []byte) error
	LoadBreakerState(name string, ttl time.Duration) ([]byte, bool, error)
}

// Snapshot is the persisted form of one breaker's state
type Snapshot struct {
	State          State     `json:"state"`
	FailureCount   int       `json:"failure_count"`
	SuccessCount   int       `json:"success_count"`
	LastFailure    time.Time `json:"last_failure"`
	LastTransition time.Time `json:"last_transition"`
	Metrics        Metrics   `json:"metrics"`
}

// Snapshot captures the breaker's current state for persistence
func (b *CircuitBreaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := b.metrics
	m.Transitions = make(map[string]uint64, len(b.metrics.Transitions))
	for k, v := range b.metrics.Transitions {
		m.Transitions[k] = v
	}
	return Snapshot{
		State:          b.state,
		FailureCount:   b.failureCount,
		SuccessCount:   b.successCount,
		LastFailure:    b.lastFailure,
		LastTransition: b.lastTransition,
		Metrics:        m,
	}
}

// Restore overwrites the breaker's state from a snapshot
func (b *CircuitBreaker) Restore(snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = snap.State
	b.failureCount = snap.FailureCount
	b.successCount = snap.SuccessCount
	b.lastFailure = snap.LastFailure
	b.lastTransition = snap.LastTransition
	if snap.Metrics.Transitions != nil {
		b.metrics = snap.Metrics
	}
}

// MarshalSnapshot serializes a snapshot for the store
func MarshalSnapshot(snap Snapshot) ([]byte, error) {
	return json.Marshal(snap)
}

// UnmarshalSnapshot parses a stored snapshot
func UnmarshalSnapshot(data []byte) (Snapshot, error) {
	var snap Snapshot
	err := json.Unmarshal(data, &snap)
	return snap, err
}
