package budget

import "testing"

func TestRemaining_Fraction(t *testing.T) {
	tr := NewTracker(10)

	if got := tr.Remaining(); got != 1 {
		t.Errorf("Remaining() fresh = %v, want 1", got)
	}

	tr.Add(1000, 500, 2.5)
	if got := tr.Remaining(); got != 0.75 {
		t.Errorf("Remaining() = %v, want 0.75", got)
	}

	tr.Add(0, 0, 12)
	if got := tr.Remaining(); got != 0 {
		t.Errorf("Remaining() overspent = %v, want 0 (clamped)", got)
	}
	if !tr.Exhausted() {
		t.Error("Exhausted() = false, want true")
	}
}

func TestRemaining_UnlimitedCeiling(t *testing.T) {
	tr := NewTracker(0)
	tr.Add(0, 0, 1e6)
	if got := tr.Remaining(); got != 1 {
		t.Errorf("Remaining() with no ceiling = %v, want 1", got)
	}
}

func TestSnapshot_Accumulates(t *testing.T) {
	tr := NewTracker(100)
	tr.Add(10, 20, 0.5)
	tr.Add(5, 5, 0.25)
	tr.AddIteration()
	tr.AddIteration()

	u := tr.Snapshot()
	if u.TokensInput != 15 || u.TokensOutput != 25 {
		t.Errorf("tokens = %d/%d, want 15/25", u.TokensInput, u.TokensOutput)
	}
	if u.CostUSD != 0.75 {
		t.Errorf("CostUSD = %v, want 0.75", u.CostUSD)
	}
	if u.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", u.Iterations)
	}
}
