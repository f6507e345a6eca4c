// Package ledger provides the SQLite-backed at-most-once record of side
// effects and the key-value store used to rehydrate circuit breakers
// across restarts.
package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/hochfrequenz/claude-phase-orchestrator/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed ledger persistence
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// HasKey reports whether an idempotency key has already been registered
func (s *Store) HasKey(key string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM idempotency_keys WHERE key = ?`, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PutKey registers an idempotency key. Returns false if the key was already
// present; the INSERT OR IGNORE makes check-and-register a single atomic
// statement.
func (s *Store) PutKey(key, runID, phaseID string) (bool, error) {
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO idempotency_keys (key, run_id, phase_id, registered_at)
		VALUES (?, ?, ?, ?)
	`, key, runID, phaseID, time.Now())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// KeysForPhase returns all keys registered for a phase of a run
func (s *Store) KeysForPhase(runID, phaseID string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT key FROM idempotency_keys WHERE run_id = ? AND phase_id = ? ORDER BY registered_at
	`, runID, phaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// SaveBreakerState upserts a breaker snapshot
func (s *Store) SaveBreakerState(name string, snapshot []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO breaker_snapshots (name, snapshot, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at
	`, name, string(snapshot), time.Now())
	return err
}

// LoadBreakerState returns the snapshot for name if it is newer than ttl.
// Stale snapshots are treated as missing and removed.
func (s *Store) LoadBreakerState(name string, ttl time.Duration) ([]byte, bool, error) {
	var snapshot string
	var updatedAt time.Time
	err := s.db.QueryRow(`
		SELECT snapshot, updated_at FROM breaker_snapshots WHERE name = ?
	`, name).Scan(&snapshot, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if ttl > 0 && time.Since(updatedAt) > ttl {
		s.db.Exec(`DELETE FROM breaker_snapshots WHERE name = ?`, name)
		return nil, false, nil
	}

	return []byte(snapshot), true, nil
}

// SaveEvidence records an evidence record for a recovery action
func (s *Store) SaveEvidence(e *domain.EvidenceRecord) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO evidence_records (event_id, input_hash, error_summary, success, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.EventID, e.InputHash, e.ErrorSummary, e.Success, e.CreatedAt)
	return err
}

// GetEvidence retrieves the evidence record for an event id
func (s *Store) GetEvidence(eventID string) (*domain.EvidenceRecord, error) {
	row := s.db.QueryRow(`
		SELECT event_id, input_hash, error_summary, success, created_at
		FROM evidence_records WHERE event_id = ?
	`, eventID)

	var e domain.EvidenceRecord
	if err := row.Scan(&e.EventID, &e.InputHash, &e.ErrorSummary, &e.Success, &e.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}
