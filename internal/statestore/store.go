// Package statestore persists run and phase state so that a crashed or
// restarted process can resume without duplicating side effects.
package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/plan"
)

const (
	stateFileName  = "executor_state.json"
	backupFileName = "executor_state.json.backup"

	saveAttempts    = 3
	saveBackoffBase = 50 * time.Millisecond
)

// ErrNotFound is returned when neither the primary state file nor its
// backup can be read.
var ErrNotFound = errors.New("run state not found")

// ErrPhaseExhausted is returned by StartPhase when a phase has used all
// of its attempts.
var ErrPhaseExhausted = errors.New("phase has exhausted max attempts")

// PersistenceError wraps a save failure that survived all retries.
// Callers must treat it as fatal for the run.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting state to %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Ledger is the external at-most-once record of side effects. PutKey
// is an atomic check-and-register: false means the key was already
// claimed.
type Ledger interface {
	PutKey(key, runID, phaseID string) (bool, error)
}

// Store persists executor state as JSON under a per-run directory
type Store struct {
	dir    string
	ledger Ledger
	logger *log.Logger

	mu   sync.Mutex
	runs map[string]*sync.Mutex

	// overridable in tests to simulate transient write failures
	writeFn func(path string, data []byte) error
	sleep   func(d time.Duration)
}

// New creates a Store rooted at dir
func New(dir string, ledger Ledger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	s := &Store{
		dir:    dir,
		ledger: ledger,
		logger: log.New(os.Stderr, "[statestore] ", log.LstdFlags),
		runs:   make(map[string]*sync.Mutex),
		sleep:  time.Sleep,
	}
	s.writeFn = s.atomicWrite
	return s, nil
}

// runLock returns the lock for a run, creating it on first use. Every
// start/record/save sequence for a run happens under this lock so that
// no two saves for the same run interleave.
func (s *Store) runLock(runID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.runs[runID]
	if !ok {
		l = &sync.Mutex{}
		s.runs[runID] = l
	}
	return l
}

func (s *Store) statePath(runID string) string {
	return filepath.Join(s.dir, runID, stateFileName)
}

func (s *Store) backupPath(runID string) string {
	return filepath.Join(s.dir, runID, backupFileName)
}

// CreateState builds a fresh run with one PhaseState per plan phase and
// persists it
func (s *Store) CreateState(runID, projectID string, p *plan.Plan, configHash string) (*domain.ExecutorState, error) {
	now := time.Now().UTC()
	state := &domain.ExecutorState{
		RunID:      runID,
		ProjectID:  projectID,
		CreatedAt:  now,
		UpdatedAt:  now,
		Phases:     make([]domain.PhaseState, 0, len(p.Phases)),
		Status:     domain.RunPending,
		Version:    domain.StateFormatVersion,
		ConfigHash: configHash,
		Metadata:   map[string]string{},
	}
	for i := range p.Phases {
		spec := &p.Phases[i]
		state.Phases = append(state.Phases, domain.PhaseState{
			PhaseID:      spec.ID,
			PhaseNumber:  i,
			Name:         spec.Name,
			Status:       domain.PhasePending,
			MaxAttempts:  spec.MaxAttempts,
			Dependencies: spec.DependsOn,
		})
	}

	if err := state.Validate(); err != nil {
		return nil, err
	}

	lock := s.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.save(state); err != nil {
		return nil, err
	}
	return state, nil
}

// LoadState reads the primary state file, falling back to the backup if
// the primary is missing or corrupt. A successful backup recovery is
// restored as the new primary. Returns ErrNotFound if neither is usable.
func (s *Store) LoadState(runID string) (*domain.ExecutorState, error) {
	lock := s.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	state, primaryErr := s.readState(s.statePath(runID))
	if primaryErr == nil {
		return state, nil
	}

	state, backupErr := s.readState(s.backupPath(runID))
	if backupErr != nil {
		if os.IsNotExist(primaryErr) && os.IsNotExist(backupErr) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: primary: %v, backup: %v", ErrNotFound, primaryErr, backupErr)
	}

	s.logger.Printf("recovered run %s from backup after primary read failure: %v", runID, primaryErr)
	if err := s.save(state); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *Store) readState(path string) (*domain.ExecutorState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var state domain.ExecutorState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := state.Validate(); err != nil {
		return nil, err
	}
	return &state, nil
}

// SaveState persists state with backup-and-swap under the run lock
func (s *Store) SaveState(state *domain.ExecutorState) error {
	lock := s.runLock(state.RunID)
	lock.Lock()
	defer lock.Unlock()
	return s.save(state)
}

// save is the unlocked save path. Callers must hold the run lock.
func (s *Store) save(state *domain.ExecutorState) error {
	state.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return &PersistenceError{Path: s.statePath(state.RunID), Err: err}
	}

	primary := s.statePath(state.RunID)
	if err := os.MkdirAll(filepath.Dir(primary), 0755); err != nil {
		return &PersistenceError{Path: primary, Err: err}
	}

	// Backup is best-effort: a failure here is logged, never fatal.
	// Only a primary that still parses is copied; corrupt bytes must
	// never replace the last good backup.
	if prev, err := os.ReadFile(primary); err == nil {
		var check domain.ExecutorState
		if json.Unmarshal(prev, &check) != nil {
			s.logger.Printf("primary %s is corrupt, keeping existing backup", primary)
		} else if err := os.WriteFile(s.backupPath(state.RunID), prev, 0644); err != nil {
			s.logger.Printf("backup of %s failed (continuing): %v", primary, err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < saveAttempts; attempt++ {
		if attempt > 0 {
			s.sleep(saveBackoffBase << (attempt - 1))
		}
		if lastErr = s.writeFn(primary, data); lastErr == nil {
			return nil
		}
		s.logger.Printf("save attempt %d/%d for run %s failed: %v", attempt+1, saveAttempts, state.RunID, lastErr)
	}
	return &PersistenceError{Path: primary, Err: lastErr}
}

// atomicWrite writes to a temp file in the target directory and renames
// it into place
func (s *Store) atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".state-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// StartPhase opens a new attempt for the phase and persists. Fails with
// ErrPhaseExhausted when max attempts have been used.
func (s *Store) StartPhase(state *domain.ExecutorState, phaseID string) (*domain.AttemptRecord, error) {
	lock := s.runLock(state.RunID)
	lock.Lock()
	defer lock.Unlock()

	phase, err := state.Phase(phaseID)
	if err != nil {
		return nil, err
	}
	if !phase.RetriesRemaining() {
		return nil, fmt.Errorf("phase %s: %w (%d/%d)", phaseID, ErrPhaseExhausted, phase.AttemptCount(), phase.MaxAttempts)
	}

	now := time.Now().UTC()
	attempt := domain.AttemptRecord{
		AttemptID:     uuid.New().String(),
		AttemptNumber: len(phase.Attempts),
		StartedAt:     now,
		Status:        domain.AttemptRunning,
	}
	phase.Attempts = append(phase.Attempts, attempt)
	phase.Status = domain.PhaseInProgress
	if phase.StartedAt == nil {
		phase.StartedAt = &now
	}
	state.CurrentPhaseIndex = phase.PhaseNumber
	state.Status = domain.RunRunning

	if err := s.save(state); err != nil {
		return nil, err
	}
	return phase.LatestAttempt(), nil
}

// CompletePhase closes the latest attempt and recomputes phase and run
// status. A failed phase with retries left returns to pending.
func (s *Store) CompletePhase(state *domain.ExecutorState, phaseID string, success bool, errKind domain.ErrorKind, errMessage string, sideEffects []string) error {
	lock := s.runLock(state.RunID)
	lock.Lock()
	defer lock.Unlock()

	phase, err := state.Phase(phaseID)
	if err != nil {
		return err
	}
	attempt := phase.LatestAttempt()
	if attempt == nil || attempt.Status != domain.AttemptRunning {
		return fmt.Errorf("phase %s has no open attempt", phaseID)
	}

	now := time.Now().UTC()
	attempt.CompletedAt = &now
	if success {
		attempt.Status = domain.AttemptSucceeded
		phase.Status = domain.PhaseCompleted
		phase.CompletedAt = &now
		phase.SideEffectsCommitted = append(phase.SideEffectsCommitted, sideEffects...)
	} else {
		attempt.Status = domain.AttemptFailed
		attempt.ErrorType = string(errKind)
		attempt.ErrorMessage = errMessage
		if phase.RetriesRemaining() {
			phase.Status = domain.PhasePending
		} else {
			phase.Status = domain.PhaseFailed
			phase.CompletedAt = &now
		}
	}

	state.Status = runStatus(state)
	return s.save(state)
}

// runStatus recomputes run-level status from the phases. The run keeps
// running while any phase can still be scheduled; once every phase is
// terminal it is completed only if nothing failed.
func runStatus(state *domain.ExecutorState) domain.RunStatus {
	allDone := true
	anyFailed := false
	for i := range state.Phases {
		p := &state.Phases[i]
		if !p.IsTerminal() {
			allDone = false
		}
		if p.Status == domain.PhaseFailed && !p.RetriesRemaining() {
			anyFailed = true
		}
	}
	if !allDone {
		return domain.RunRunning
	}
	if anyFailed {
		return domain.RunFailed
	}
	return domain.RunCompleted
}

// RegisterIdempotencyKey records a side-effect key for the current
// attempt. Returns false when the key is already known to the external
// ledger or to any attempt of this phase, meaning the side effect must
// be skipped as already done.
func (s *Store) RegisterIdempotencyKey(state *domain.ExecutorState, phaseID, key string) (bool, error) {
	lock := s.runLock(state.RunID)
	lock.Lock()
	defer lock.Unlock()

	phase, err := state.Phase(phaseID)
	if err != nil {
		return false, err
	}
	if phase.HasIdempotencyKey(key) {
		return false, nil
	}

	// PutKey is the ledger's atomic check-and-register: false means some
	// earlier attempt or process already claimed the key.
	fresh, err := s.ledger.PutKey(key, state.RunID, phaseID)
	if err != nil {
		return false, fmt.Errorf("registering key %q: %w", key, err)
	}
	if !fresh {
		return false, nil
	}

	attempt := phase.LatestAttempt()
	if attempt == nil || attempt.Status != domain.AttemptRunning {
		return false, fmt.Errorf("phase %s has no open attempt for key %q", phaseID, key)
	}
	attempt.IdempotencyKeys = append(attempt.IdempotencyKeys, key)
	attempt.SideEffectsAttempted = append(attempt.SideEffectsAttempted, key)

	if err := s.save(state); err != nil {
		return false, err
	}
	return true, nil
}

// SetCheckpoint stores an opaque checkpoint blob on the current attempt
// and the phase, then persists
func (s *Store) SetCheckpoint(state *domain.ExecutorState, phaseID, checkpoint string) error {
	lock := s.runLock(state.RunID)
	lock.Lock()
	defer lock.Unlock()

	phase, err := state.Phase(phaseID)
	if err != nil {
		return err
	}
	if attempt := phase.LatestAttempt(); attempt != nil && attempt.Status == domain.AttemptRunning {
		attempt.Checkpoint = checkpoint
	}
	phase.CurrentCheckpoint = checkpoint
	return s.save(state)
}

// BlockPhase parks a phase awaiting human intervention. A blocked
// phase is never scheduled until something external unblocks it.
func (s *Store) BlockPhase(state *domain.ExecutorState, phaseID string) error {
	lock := s.runLock(state.RunID)
	lock.Lock()
	defer lock.Unlock()

	phase, err := state.Phase(phaseID)
	if err != nil {
		return err
	}
	if attempt := phase.LatestAttempt(); attempt != nil && attempt.Status == domain.AttemptRunning {
		now := time.Now().UTC()
		attempt.CompletedAt = &now
		attempt.Status = domain.AttemptFailed
		attempt.ErrorMessage = "phase blocked awaiting human intervention"
	}
	phase.Status = domain.PhaseBlocked
	return s.save(state)
}

// UnblockPhase returns a blocked phase to pending so the loop can pick
// it up again, typically after an approval arrives
func (s *Store) UnblockPhase(state *domain.ExecutorState, phaseID string) error {
	lock := s.runLock(state.RunID)
	lock.Lock()
	defer lock.Unlock()

	phase, err := state.Phase(phaseID)
	if err != nil {
		return err
	}
	if phase.Status != domain.PhaseBlocked {
		return fmt.Errorf("phase %s is %s, not blocked", phaseID, phase.Status)
	}
	phase.Status = domain.PhasePending
	return s.save(state)
}

// GetNextExecutablePhase returns the first phase that is not terminal
// or blocked and whose dependencies are all completed or skipped, or
// nil when no phase can be scheduled
func (s *Store) GetNextExecutablePhase(state *domain.ExecutorState) *domain.PhaseState {
	done := state.CompletedSet()

	for i := range state.Phases {
		p := &state.Phases[i]
		if p.IsTerminal() || p.Status == domain.PhaseBlocked {
			continue
		}
		ready := true
		for _, dep := range p.Dependencies {
			if !done[dep] {
				ready = false
				break
			}
		}
		if ready {
			return p
		}
	}
	return nil
}

// ListRuns returns the ids of all runs with a state directory
func (s *Store) ListRuns() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var runs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(s.statePath(e.Name())); err == nil {
			runs = append(runs, e.Name())
		}
	}
	return runs, nil
}
