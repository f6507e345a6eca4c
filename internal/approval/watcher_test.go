package approval

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func collectVerdicts(t *testing.T, dir string) (*Watcher, func() []Verdict) {
	t.Helper()

	var mu sync.Mutex
	var got []Verdict
	w, err := NewWatcher(dir, func(v Verdict) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	w.SetDebounce(50 * time.Millisecond)
	t.Cleanup(w.Stop)

	return w, func() []Verdict {
		mu.Lock()
		defer mu.Unlock()
		out := make([]Verdict, len(got))
		copy(out, got)
		return out
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func TestWatcher_DeliversApprovalMarker(t *testing.T) {
	dir := t.TempDir()
	w, verdicts := collectVerdicts(t, dir)
	w.Start(context.Background())

	marker := filepath.Join(dir, "proposals", "abc123.approved")
	if err := os.WriteFile(marker, nil, 0644); err != nil {
		t.Fatal(err)
	}

	if !waitFor(t, 3*time.Second, func() bool { return len(verdicts()) == 1 }) {
		t.Fatal("approval marker never delivered")
	}
	v := verdicts()[0]
	if v.ProposalID != "abc123" || !v.Approved {
		t.Errorf("verdict = %+v, want abc123 approved", v)
	}
}

func TestWatcher_DeliversRejectionMarker(t *testing.T) {
	dir := t.TempDir()
	w, verdicts := collectVerdicts(t, dir)
	w.Start(context.Background())

	marker := filepath.Join(dir, "proposals", "def456.rejected")
	if err := os.WriteFile(marker, nil, 0644); err != nil {
		t.Fatal(err)
	}

	if !waitFor(t, 3*time.Second, func() bool { return len(verdicts()) == 1 }) {
		t.Fatal("rejection marker never delivered")
	}
	if v := verdicts()[0]; v.Approved {
		t.Errorf("verdict = %+v, want rejected", v)
	}
}

func TestWatcher_PicksUpPreexistingMarkers(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "proposals"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "proposals", "old777.approved"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	w, verdicts := collectVerdicts(t, dir)
	w.Start(context.Background())

	if !waitFor(t, 3*time.Second, func() bool { return len(verdicts()) == 1 }) {
		t.Fatal("pre-existing marker never delivered")
	}
	if v := verdicts()[0]; v.ProposalID != "old777" {
		t.Errorf("verdict = %+v, want old777", v)
	}
}

func TestWatcher_DeliversEachProposalOnce(t *testing.T) {
	dir := t.TempDir()
	w, verdicts := collectVerdicts(t, dir)
	w.Start(context.Background())

	marker := filepath.Join(dir, "proposals", "abc.approved")
	if err := os.WriteFile(marker, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if !waitFor(t, 3*time.Second, func() bool { return len(verdicts()) == 1 }) {
		t.Fatal("marker never delivered")
	}

	// Rewriting the marker must not trigger a second delivery
	if err := os.WriteFile(marker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	if n := len(verdicts()); n != 1 {
		t.Errorf("deliveries = %d, want 1", n)
	}
}

func TestWatcher_IgnoresProposalArtifacts(t *testing.T) {
	dir := t.TempDir()
	w, verdicts := collectVerdicts(t, dir)
	w.Start(context.Background())

	if err := os.WriteFile(filepath.Join(dir, "proposals", "abc.json"), []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	if n := len(verdicts()); n != 0 {
		t.Errorf("deliveries = %d for a .json artifact, want 0", n)
	}
}
