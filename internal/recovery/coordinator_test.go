package recovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hochfrequenz/claude-phase-orchestrator/internal/domain"
)

type fakeCorrector struct {
	calls  int
	output string
	err    error
}

func (f *fakeCorrector) Correct(ctx context.Context, originalInput, errorDetail string) (string, error) {
	f.calls++
	return f.output, f.err
}

type memEvidence struct {
	records []*domain.EvidenceRecord
}

func (m *memEvidence) SaveEvidence(rec *domain.EvidenceRecord) error {
	m.records = append(m.records, rec)
	return nil
}

func newTestCoordinator(t *testing.T, corrector *fakeCorrector) (*Coordinator, *memEvidence) {
	t.Helper()
	sink := &memEvidence{}
	return NewCoordinator(corrector, sink, t.TempDir(), 0.1), sink
}

func TestShouldAttempt(t *testing.T) {
	c, _ := newTestCoordinator(t, &fakeCorrector{})

	tests := []struct {
		errorDetail string
		budget      float64
		want        bool
	}{
		{"hunk failed to apply", 0.5, true},
		{"hunk failed to apply", 0.1, true},
		{"hunk failed to apply", 0.05, false},
		{"", 0.9, false},
		{"   ", 0.9, false},
	}
	for _, tt := range tests {
		if got := c.ShouldAttempt(tt.errorDetail, tt.budget); got != tt.want {
			t.Errorf("ShouldAttempt(%q, %v) = %v, want %v", tt.errorDetail, tt.budget, got, tt.want)
		}
	}
}

func TestAttemptOnce_SingleAttemptPerEvent(t *testing.T) {
	corrector := &fakeCorrector{output: "fixed patch"}
	c, sink := newTestCoordinator(t, corrector)

	first := c.AttemptOnce(context.Background(), "evt-1", "bad patch", "hunk failed")
	if !first.Attempted {
		t.Fatal("first AttemptOnce() attempted = false, want true")
	}
	if !first.Success || first.CorrectedOutput != "fixed patch" {
		t.Errorf("first result = %+v, want success with corrected output", first)
	}

	second := c.AttemptOnce(context.Background(), "evt-1", "bad patch", "hunk failed")
	if second.Attempted {
		t.Error("second AttemptOnce() attempted = true, want false")
	}
	if second.Reason != "max_attempts_exceeded" {
		t.Errorf("second reason = %q, want max_attempts_exceeded", second.Reason)
	}
	if corrector.calls != 1 {
		t.Errorf("corrector called %d times, want 1", corrector.calls)
	}
	if len(sink.records) != 1 {
		t.Errorf("evidence records = %d, want 1 (no evidence for refused attempt)", len(sink.records))
	}
}

func TestAttemptOnce_ContentHashFallback(t *testing.T) {
	corrector := &fakeCorrector{output: "fixed"}
	c, _ := newTestCoordinator(t, corrector)

	// No event id: the same (input, error) pair shares one attempt
	c.AttemptOnce(context.Background(), "", "patch A", "error X")
	second := c.AttemptOnce(context.Background(), "", "patch A", "error X")
	if second.Attempted {
		t.Error("same content without event id got a second attempt")
	}

	// A different patch for the same error is a distinct event
	third := c.AttemptOnce(context.Background(), "", "patch B", "error X")
	if !third.Attempted {
		t.Error("different content without event id was refused")
	}
	if corrector.calls != 2 {
		t.Errorf("corrector called %d times, want 2", corrector.calls)
	}
}

func TestAttemptOnce_FailureStillLeavesEvidence(t *testing.T) {
	corrector := &fakeCorrector{err: errors.New("model unavailable")}
	c, sink := newTestCoordinator(t, corrector)

	result := c.AttemptOnce(context.Background(), "evt-1", "bad patch", "hunk failed")
	if !result.Attempted {
		t.Fatal("attempted = false, want true")
	}
	if result.Success {
		t.Error("success = true, want false")
	}
	if len(sink.records) != 1 {
		t.Fatalf("evidence records = %d, want 1", len(sink.records))
	}
	if sink.records[0].Success {
		t.Error("evidence success = true, want false")
	}
	if sink.records[0].InputHash == "" {
		t.Error("evidence input hash is empty")
	}
}

func TestGenerate_ProposalIsDeterministicAndDurable(t *testing.T) {
	c, _ := newTestCoordinator(t, &fakeCorrector{})

	scope := []string{"billing", "pricing", "contracts"}
	p1, err := c.Generate("run-1", "build", "anchor-abc", scope, []string{"contracts"}, "", 0.15)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if !p1.RequiresApproval {
		t.Error("RequiresApproval = false, must always be true")
	}
	if len(p1.ProposedScope) != 2 {
		t.Errorf("ProposedScope = %v, want 2 items", p1.ProposedScope)
	}

	// Same inputs yield the same id regardless of scope ordering
	p2, err := c.Generate("run-1", "build", "anchor-abc", []string{"pricing", "contracts", "billing"}, []string{"contracts"}, "", 0.15)
	if err != nil {
		t.Fatal(err)
	}
	if p1.ProposalID != p2.ProposalID {
		t.Errorf("ProposalID differs for reordered scope: %s vs %s", p1.ProposalID, p2.ProposalID)
	}

	// The artifact exists on disk exactly once
	dir := filepath.Join(c.artifactsDir, "proposals")
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("proposal artifacts = %d, want 1", len(entries))
	}

	list, err := c.ListProposals()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ProposalID != p1.ProposalID {
		t.Errorf("ListProposals() = %v, want the generated proposal", list)
	}
}

func TestGenerate_NeverEmptiesScope(t *testing.T) {
	c, _ := newTestCoordinator(t, &fakeCorrector{})

	scope := []string{"billing", "pricing"}
	p, err := c.Generate("run-1", "build", "anchor", scope, scope, "drop it all", 0.1)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(p.ProposedScope) == 0 {
		t.Fatal("ProposedScope is empty, at least one item must be retained")
	}
	if len(p.DroppedItems) >= len(scope) {
		t.Errorf("DroppedItems = %v, want fewer than the full scope", p.DroppedItems)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("forced-retention proposal invalid: %v", err)
	}
}

func TestGenerate_EmptyCurrentScopeRejected(t *testing.T) {
	c, _ := newTestCoordinator(t, &fakeCorrector{})

	if _, err := c.Generate("run-1", "build", "anchor", nil, nil, "", 0.5); err == nil {
		t.Error("Generate() with empty current scope = nil error, want error")
	}
}
