package breaker

import (
	"log"
	"os"
	"sync"
	"time"
)

// Registry owns the process's breaker instances, one per dependency
// name. It is constructed once at startup and passed explicitly so
// tests can use isolated registries.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	defaults Config

	store  SnapshotStore
	ttl    time.Duration
	logger *log.Logger
}

// NewRegistry creates a registry with default thresholds for breakers
// created without an explicit config
func NewRegistry(defaults Config) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
		logger:   log.New(os.Stderr, "[breaker] ", log.LstdFlags),
	}
}

// WithPersistence enables best-effort snapshot persistence. Snapshots
// older than ttl are ignored on rehydration.
func (r *Registry) WithPersistence(store SnapshotStore, ttl time.Duration) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store = store
	r.ttl = ttl
	return r
}

// Get returns the breaker for name if it exists
func (r *Registry) Get(name string) (*CircuitBreaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	return b, ok
}

// GetOrCreate returns the breaker for name, creating it with the
// registry defaults on first use. A persisted snapshot newer than the
// TTL is rehydrated so a restarted process does not start naively
// closed against a known-bad dependency.
func (r *Registry) GetOrCreate(name string) *CircuitBreaker {
	return r.GetOrCreateWith(name, r.defaults)
}

// GetOrCreateWith is GetOrCreate with an explicit config for the
// first-use case
func (r *Registry) GetOrCreateWith(name string, cfg Config) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	b := New(name, cfg)
	if r.store != nil {
		data, found, err := r.store.LoadBreakerState(name, r.ttl)
		if err != nil {
			r.logger.Printf("loading snapshot for %s failed (starting closed): %v", name, err)
		} else if found {
			snap, err := UnmarshalSnapshot(data)
			if err != nil {
				r.logger.Printf("snapshot for %s unreadable (starting closed): %v", name, err)
			} else {
				b.Restore(snap)
				r.logger.Printf("rehydrated breaker %s in state %s", name, snap.State)
			}
		}
	}
	r.breakers[name] = b
	return b
}

// Persist writes a snapshot of the named breaker to the store.
// Best-effort: failures are logged, never returned to the call path.
func (r *Registry) Persist(name string) {
	r.mu.Lock()
	b, ok := r.breakers[name]
	store := r.store
	r.mu.Unlock()

	if !ok || store == nil {
		return
	}
	data, err := MarshalSnapshot(b.Snapshot())
	if err != nil {
		r.logger.Printf("marshaling snapshot for %s failed: %v", name, err)
		return
	}
	if err := store.SaveBreakerState(name, data); err != nil {
		r.logger.Printf("persisting snapshot for %s failed: %v", name, err)
	}
}

// PersistAll snapshots every breaker in the registry
func (r *Registry) PersistAll() {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.Unlock()

	for _, name := range names {
		r.Persist(name)
	}
}

// Names returns the registered breaker names
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	return names
}
