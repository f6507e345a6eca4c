package plan

import (
	"os"
	"path/filepath"
	"testing"
)

const validPlan = `
project: energy-erp
phases:
  - id: scan
    name: Scan documentation gaps
    goal: Find drift between docs and code
  - id: build
    depends_on: [scan]
    max_attempts: 5
    scope:
      - billing module
      - pricing module
  - id: review
    depends_on: [build]
`

func TestParse_Valid(t *testing.T) {
	p, err := Parse([]byte(validPlan))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if p.Project != "energy-erp" {
		t.Errorf("Project = %q, want energy-erp", p.Project)
	}
	if len(p.Phases) != 3 {
		t.Fatalf("Phases count = %d, want 3", len(p.Phases))
	}
	if p.Phases[0].MaxAttempts != DefaultMaxAttempts {
		t.Errorf("scan MaxAttempts = %d, want default %d", p.Phases[0].MaxAttempts, DefaultMaxAttempts)
	}
	if p.Phases[1].MaxAttempts != 5 {
		t.Errorf("build MaxAttempts = %d, want 5", p.Phases[1].MaxAttempts)
	}
	// Name defaults to id when unset
	if p.Phases[1].Name != "build" {
		t.Errorf("build Name = %q, want build", p.Phases[1].Name)
	}
}

func TestParse_UnknownDependency(t *testing.T) {
	_, err := Parse([]byte(`
phases:
  - id: a
    depends_on: [missing]
`))
	if err == nil {
		t.Error("Parse() = nil error, want unknown dependency error")
	}
}

func TestParse_DuplicateID(t *testing.T) {
	_, err := Parse([]byte(`
phases:
  - id: a
  - id: a
`))
	if err == nil {
		t.Error("Parse() = nil error, want duplicate id error")
	}
}

func TestParse_Cycle(t *testing.T) {
	_, err := Parse([]byte(`
phases:
  - id: a
    depends_on: [b]
  - id: b
    depends_on: [a]
`))
	if err == nil {
		t.Error("Parse() = nil error, want cycle error")
	}
}

func TestParse_Empty(t *testing.T) {
	_, err := Parse([]byte(`project: x`))
	if err == nil {
		t.Error("Parse() = nil error, want no-phases error")
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte(validPlan), 0644); err != nil {
		t.Fatal(err)
	}

	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	names := p.PhaseNames()
	if len(names) != 3 || names[0] != "scan" || names[2] != "review" {
		t.Errorf("PhaseNames() = %v, want [scan build review]", names)
	}

	spec, ok := p.Phase("build")
	if !ok {
		t.Fatal("Phase(build) not found")
	}
	if len(spec.Scope) != 2 {
		t.Errorf("build Scope len = %d, want 2", len(spec.Scope))
	}
}
