// Package recovery executes bounded recovery actions: one-shot patch
// correction and scope-reduction proposals that require human approval.
package recovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hochfrequenz/claude-phase-orchestrator/internal/domain"
)

// minBudgetFraction below which no patch correction is attempted
const defaultMinBudgetFraction = 0.1

// Corrector is the external step that produces a corrected patch from a
// failing one. It is opaque to the coordinator.
type Corrector interface {
	Correct(ctx context.Context, originalInput, errorDetail string) (string, error)
}

// EvidenceSink persists evidence records for audit
type EvidenceSink interface {
	SaveEvidence(rec *domain.EvidenceRecord) error
}

// Coordinator runs recovery actions with hard bounds: at most one patch
// correction per failure event, and scope reductions that are proposed,
// never applied.
type Coordinator struct {
	corrector    Corrector
	evidence     EvidenceSink
	artifactsDir string
	minBudget    float64
	logger       *log.Logger

	mu        sync.Mutex
	attempted map[string]bool
}

// NewCoordinator creates a coordinator writing proposal artifacts under
// artifactsDir
func NewCoordinator(corrector Corrector, evidence EvidenceSink, artifactsDir string, minBudgetFraction float64) *Coordinator {
	if minBudgetFraction <= 0 {
		minBudgetFraction = defaultMinBudgetFraction
	}
	return &Coordinator{
		corrector:    corrector,
		evidence:     evidence,
		artifactsDir: artifactsDir,
		minBudget:    minBudgetFraction,
		logger:       log.New(os.Stderr, "[recovery] ", log.LstdFlags),
		attempted:    make(map[string]bool),
	}
}

// ShouldAttempt gates patch correction on a minimum budget fraction and
// a non-empty error detail
func (c *Coordinator) ShouldAttempt(errorDetail string, budgetRemaining float64) bool {
	return strings.TrimSpace(errorDetail) != "" && budgetRemaining >= c.minBudget
}

// eventKey returns the one-shot tracking key for a failure event. The
// caller-supplied event id wins; without one we fall back to a content
// hash of the input and error, so retries of the same failing patch
// share a single attempt budget.
func eventKey(eventID, originalInput, errorDetail string) string {
	if eventID != "" {
		return eventID
	}
	sum := sha256.Sum256([]byte(originalInput + "\x00" + errorDetail))
	return "content:" + hex.EncodeToString(sum[:])
}

// AttemptOnce runs at most one correction per failure event. A second
// call for the same event returns attempted=false with reason
// "max_attempts_exceeded" without invoking the corrector. Every real
// attempt leaves an evidence record whether or not it succeeded.
func (c *Coordinator) AttemptOnce(ctx context.Context, eventID, originalInput, errorDetail string) *domain.PatchCorrectionResult {
	key := eventKey(eventID, originalInput, errorDetail)

	c.mu.Lock()
	if c.attempted[key] {
		c.mu.Unlock()
		return &domain.PatchCorrectionResult{
			Attempted:     false,
			Reason:        "max_attempts_exceeded",
			OriginalInput: originalInput,
			ErrorDetail:   errorDetail,
		}
	}
	c.attempted[key] = true
	c.mu.Unlock()

	result := &domain.PatchCorrectionResult{
		Attempted:     true,
		OriginalInput: originalInput,
		ErrorDetail:   errorDetail,
	}

	corrected, err := c.corrector.Correct(ctx, originalInput, errorDetail)
	if err != nil {
		c.logger.Printf("patch correction for event %s failed: %v", key, err)
		result.Reason = err.Error()
	} else {
		result.CorrectedOutput = corrected
		result.Success = true
	}

	inputSum := sha256.Sum256([]byte(originalInput))
	rec := &domain.EvidenceRecord{
		EventID:      key,
		InputHash:    hex.EncodeToString(inputSum[:]),
		ErrorSummary: summarize(errorDetail),
		Success:      result.Success,
		CreatedAt:    time.Now().UTC(),
	}
	result.Evidence = rec
	if c.evidence != nil {
		if err := c.evidence.SaveEvidence(rec); err != nil {
			c.logger.Printf("saving evidence for event %s failed: %v", key, err)
		}
	}
	return result
}

// summarize truncates an error detail to a loggable size
func summarize(detail string) string {
	const max = 500
	detail = strings.TrimSpace(detail)
	if len(detail) <= max {
		return detail
	}
	return detail[:max] + "..."
}

// ProposalID derives the deterministic id of a scope-reduction
// proposal from its run, phase, and sorted current scope
func ProposalID(runID, phaseID string, currentScope []string) string {
	scope := append([]string(nil), currentScope...)
	sort.Strings(scope)
	h := sha256.New()
	h.Write([]byte(runID))
	h.Write([]byte{0})
	h.Write([]byte(phaseID))
	for _, item := range scope {
		h.Write([]byte{0})
		h.Write([]byte(item))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Generate builds a scope-reduction proposal and writes it once to a
// durable artifact. The proposal always requires approval and is never
// executed by this process. Dropping everything is refused: at least
// one item of the current scope must survive.
func (c *Coordinator) Generate(runID, phaseID, anchorDigest string, currentScope, dropped []string, justification string, budgetRemaining float64) (*domain.ScopeReductionProposal, error) {
	if len(currentScope) == 0 {
		return nil, fmt.Errorf("current scope is empty, nothing to reduce")
	}

	droppedSet := make(map[string]bool, len(dropped))
	for _, item := range dropped {
		droppedSet[item] = true
	}

	var proposed []string
	for _, item := range currentScope {
		if !droppedSet[item] {
			proposed = append(proposed, item)
		}
	}
	// Never propose an empty scope: keep the first item when the drop
	// list would erase everything.
	if len(proposed) == 0 {
		proposed = []string{currentScope[0]}
		var kept []string
		for _, item := range dropped {
			if item != currentScope[0] {
				kept = append(kept, item)
			}
		}
		dropped = kept
	}

	if justification == "" {
		justification = fmt.Sprintf("budget remaining %.0f%%: dropping %d of %d scope items", budgetRemaining*100, len(dropped), len(currentScope))
	}

	proposal := &domain.ScopeReductionProposal{
		ProposalID:       ProposalID(runID, phaseID, currentScope),
		RunID:            runID,
		PhaseID:          phaseID,
		AnchorDigest:     anchorDigest,
		CurrentScope:     currentScope,
		ProposedScope:    proposed,
		DroppedItems:     dropped,
		Justification:    justification,
		BudgetRemaining:  budgetRemaining,
		RequiresApproval: true,
		CreatedAt:        time.Now().UTC(),
	}
	if err := proposal.Validate(); err != nil {
		return nil, err
	}

	if err := c.writeArtifact(proposal); err != nil {
		return nil, err
	}
	return proposal, nil
}

// writeArtifact persists the proposal under <artifacts>/proposals/.
// Generation is idempotent: an existing artifact for the same id is
// left untouched.
func (c *Coordinator) writeArtifact(p *domain.ScopeReductionProposal) error {
	dir := filepath.Join(c.artifactsDir, "proposals")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating proposals dir: %w", err)
	}

	path := filepath.Join(dir, p.ProposalID+".json")
	if _, err := os.Stat(path); err == nil {
		c.logger.Printf("proposal %s already written, keeping existing artifact", p.ProposalID)
		return nil
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing proposal artifact: %w", err)
	}
	c.logger.Printf("wrote scope-reduction proposal %s for phase %s (awaiting approval)", p.ProposalID, p.PhaseID)
	return nil
}

// ListProposals reads all proposal artifacts under the artifacts dir
func (c *Coordinator) ListProposals() ([]*domain.ScopeReductionProposal, error) {
	dir := filepath.Join(c.artifactsDir, "proposals")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var proposals []*domain.ScopeReductionProposal
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var p domain.ScopeReductionProposal
		if err := json.Unmarshal(data, &p); err != nil {
			c.logger.Printf("skipping unreadable proposal %s: %v", e.Name(), err)
			continue
		}
		proposals = append(proposals, &p)
	}
	return proposals, nil
}
