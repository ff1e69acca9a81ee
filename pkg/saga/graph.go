package saga

import (
	"fmt"
	"sort"
	"strings"
)

// Graph is the validated execution plan: steps grouped into levels where
// level n contains exactly the steps whose dependencies all sit in levels
// below n. Steps within one level run concurrently.
type Graph struct {
	Definition *Definition
	Levels     [][]string
	Warnings   []string
	Stats      GraphStats

	steps map[string]*Step
}

// GraphStats are derived observability numbers.
type GraphStats struct {
	StepCount int
	EdgeCount int

	// CriticalPath is the number of levels, i.e. the longest dependency
	// chain plus one.
	CriticalPath int

	// MaxParallelism is the widest level.
	MaxParallelism int

	// Complexity scores the graph for dashboards: steps + edges + depth.
	Complexity int
}

// BuildGraph validates the dependency structure and derives execution
// levels by Kahn-style peeling. Unknown dependencies and cycles are errors;
// orphan steps (no dependencies, no dependents, in a multi-step saga) are
// reported as warnings.
func BuildGraph(def *Definition) (*Graph, error) {
	steps := make(map[string]*Step, len(def.Steps))
	for _, s := range def.Steps {
		steps[s.Name] = s
	}

	edges := 0
	dependents := make(map[string][]string)
	for _, s := range def.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := steps[dep]; !ok {
				return nil, fmt.Errorf("saga %q: step %q depends on unknown step %q", def.Name, s.Name, dep)
			}
			if dep == s.Name {
				return nil, fmt.Errorf("saga %q: step %q depends on itself", def.Name, s.Name)
			}
			dependents[dep] = append(dependents[dep], s.Name)
			edges++
		}
	}

	// Kahn peeling: each round takes every step whose remaining dependency
	// count is zero. An empty round with steps left means a cycle.
	remaining := make(map[string]int, len(steps))
	for _, s := range def.Steps {
		remaining[s.Name] = len(s.DependsOn)
	}

	var levels [][]string
	placed := 0
	for placed < len(steps) {
		var level []string
		for _, s := range def.Steps {
			if remaining[s.Name] == 0 {
				level = append(level, s.Name)
			}
		}
		if len(level) == 0 {
			return nil, fmt.Errorf("saga %q: dependency cycle involving %s", def.Name, strings.Join(cycleSuspects(remaining), ", "))
		}
		sort.Strings(level)
		for _, name := range level {
			remaining[name] = -1
			placed++
			for _, dep := range dependents[name] {
				remaining[dep]--
			}
		}
		levels = append(levels, level)
	}

	g := &Graph{
		Definition: def,
		Levels:     levels,
		steps:      steps,
	}

	if len(steps) > 1 {
		for _, s := range def.Steps {
			if len(s.DependsOn) == 0 && len(dependents[s.Name]) == 0 {
				g.Warnings = append(g.Warnings,
					fmt.Sprintf("step %q is an orphan: nothing depends on it and it depends on nothing", s.Name))
			}
		}
	}

	maxWidth := 0
	for _, level := range levels {
		if len(level) > maxWidth {
			maxWidth = len(level)
		}
	}
	g.Stats = GraphStats{
		StepCount:      len(steps),
		EdgeCount:      edges,
		CriticalPath:   len(levels),
		MaxParallelism: maxWidth,
		Complexity:     len(steps) + edges + len(levels),
	}
	return g, nil
}

// Step returns a step by name, or nil.
func (g *Graph) Step(name string) *Step {
	return g.steps[name]
}

func cycleSuspects(remaining map[string]int) []string {
	var out []string
	for name, n := range remaining {
		if n > 0 {
			out = append(out, fmt.Sprintf("%q", name))
		}
	}
	sort.Strings(out)
	return out
}
