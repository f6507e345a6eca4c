// Package plan loads the YAML plan files that define what a run executes.
package plan

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PhaseSpec describes one phase in a plan file
type PhaseSpec struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Goal        string   `yaml:"goal"`
	DependsOn   []string `yaml:"depends_on"`
	MaxAttempts int      `yaml:"max_attempts"`
	Scope       []string `yaml:"scope"`
}

// Plan is a parsed plan file
type Plan struct {
	Project string      `yaml:"project"`
	Phases  []PhaseSpec `yaml:"phases"`
}

// DefaultMaxAttempts is applied to phases that don't set max_attempts
const DefaultMaxAttempts = 3

// Load reads and validates a plan file
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates plan YAML
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing plan: %w", err)
	}

	if len(p.Phases) == 0 {
		return nil, fmt.Errorf("plan has no phases")
	}

	ids := make(map[string]bool, len(p.Phases))
	for i := range p.Phases {
		ph := &p.Phases[i]
		if ph.ID == "" {
			return nil, fmt.Errorf("phase %d: id is required", i)
		}
		if ids[ph.ID] {
			return nil, fmt.Errorf("duplicate phase id %q", ph.ID)
		}
		ids[ph.ID] = true
		if ph.Name == "" {
			ph.Name = ph.ID
		}
		if ph.MaxAttempts <= 0 {
			ph.MaxAttempts = DefaultMaxAttempts
		}
	}

	for i := range p.Phases {
		for _, dep := range p.Phases[i].DependsOn {
			if !ids[dep] {
				return nil, fmt.Errorf("phase %s: unknown dependency %q", p.Phases[i].ID, dep)
			}
			if dep == p.Phases[i].ID {
				return nil, fmt.Errorf("phase %s: depends on itself", p.Phases[i].ID)
			}
		}
	}

	if err := checkAcyclic(&p); err != nil {
		return nil, err
	}

	return &p, nil
}

// checkAcyclic runs Kahn's algorithm over the dependency graph and fails
// if any phase is left unordered.
func checkAcyclic(p *Plan) error {
	inDegree := make(map[string]int, len(p.Phases))
	dependents := make(map[string][]string)

	for i := range p.Phases {
		inDegree[p.Phases[i].ID] = len(p.Phases[i].DependsOn)
		for _, dep := range p.Phases[i].DependsOn {
			dependents[dep] = append(dependents[dep], p.Phases[i].ID)
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	ordered := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ordered++

		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if ordered != len(p.Phases) {
		return fmt.Errorf("plan contains a dependency cycle")
	}
	return nil
}

// PhaseNames returns the phase ids in file order
func (p *Plan) PhaseNames() []string {
	names := make([]string, len(p.Phases))
	for i := range p.Phases {
		names[i] = p.Phases[i].ID
	}
	return names
}

// Phase returns the spec for the given phase id
func (p *Plan) Phase(id string) (*PhaseSpec, bool) {
	for i := range p.Phases {
		if p.Phases[i].ID == id {
			return &p.Phases[i], true
		}
	}
	return nil, false
}
