// Package compat judges whether one machine definition version can replace
// another over a live event log. It diffs two definitions structurally, runs
// an ordered rule set over the diff, and derives a verdict plus a migration
// plan.
package compat

import (
	"fmt"
	"sort"

	"github.com/grainflow/grainflow/pkg/machine"
)

// DiffContext is the structural delta between two definitions. The rule set
// operates on it alone; rules never touch the definitions directly.
type DiffContext struct {
	From *machine.Definition
	To   *machine.Definition

	FromVersion machine.Version
	ToVersion   machine.Version

	AddedStates   []string
	RemovedStates []string

	AddedTriggers   []string
	RemovedTriggers []string

	// GuardChanges lists "state/trigger" cells whose guard set differs
	// between the two definitions.
	GuardChanges []string

	// Transitions are rendered as "state --trigger--> target".
	AddedTransitions   []string
	RemovedTransitions []string

	// InitialChanged reports a different initial state.
	InitialChanged bool

	// DataFormatChanged reports a trigger whose argument arity changed;
	// stored events for it would no longer deserialize cleanly.
	DataFormatChanged bool

	// RequiresMigration reports that stored events or snapshots reference
	// structure the new definition no longer has.
	RequiresMigration bool

	// Complexity is the total change count, used for effort heuristics.
	Complexity int
}

// Diff computes the structural delta from one definition to another.
func Diff(from, to *machine.Definition) *DiffContext {
	d := &DiffContext{
		From:        from,
		To:          to,
		FromVersion: from.Version(),
		ToVersion:   to.Version(),
	}

	d.AddedStates, d.RemovedStates = setDiff(from.States(), to.States())
	d.AddedTriggers, d.RemovedTriggers = setDiff(from.Triggers(), to.Triggers())

	fromEdges := edgeSet(from)
	toEdges := edgeSet(to)
	d.AddedTransitions, d.RemovedTransitions = setDiff(keysOf(fromEdges), keysOf(toEdges))

	for _, state := range from.States() {
		fs, ts := from.State(state), to.State(state)
		if fs == nil || ts == nil {
			continue
		}
		for trigger := range fs.Transitions {
			if _, ok := ts.Transitions[trigger]; !ok {
				continue
			}
			if guardSignature(fs.Transitions[trigger]) != guardSignature(ts.Transitions[trigger]) {
				d.GuardChanges = append(d.GuardChanges, state+"/"+trigger)
			}
		}
	}
	sort.Strings(d.GuardChanges)

	d.InitialChanged = from.Initial() != to.Initial()

	for _, trigger := range from.Triggers() {
		if !contains(to.Triggers(), trigger) {
			continue
		}
		if from.Arity(trigger) != to.Arity(trigger) {
			d.DataFormatChanged = true
			break
		}
	}

	d.RequiresMigration = len(d.RemovedStates) > 0 || d.DataFormatChanged || d.InitialChanged
	d.Complexity = len(d.AddedStates) + len(d.RemovedStates) +
		len(d.AddedTriggers) + len(d.RemovedTriggers) +
		len(d.AddedTransitions) + len(d.RemovedTransitions) +
		len(d.GuardChanges)
	return d
}

// HasStructuralChanges reports whether anything beyond the version number
// differs.
func (d *DiffContext) HasStructuralChanges() bool {
	return d.Complexity > 0 || d.InitialChanged || d.DataFormatChanged
}

func edgeSet(def *machine.Definition) map[string]bool {
	edges := make(map[string]bool)
	for _, state := range def.States() {
		sc := def.State(state)
		if sc == nil {
			continue
		}
		for trigger, targets := range sc.Transitions {
			for _, gt := range targets {
				edges[fmt.Sprintf("%s --%s--> %s", state, trigger, gt.Target)] = true
			}
		}
	}
	return edges
}

func guardSignature(targets []machine.GuardedTarget) string {
	sig := ""
	for _, gt := range targets {
		sig += gt.Target + "|"
		if gt.Guard != nil {
			sig += gt.GuardDesc
		}
		sig += ";"
	}
	return sig
}

// setDiff returns (added, removed) between two string sets, sorted.
func setDiff(from, to []string) (added, removed []string) {
	fromSet := make(map[string]bool, len(from))
	for _, s := range from {
		fromSet[s] = true
	}
	toSet := make(map[string]bool, len(to))
	for _, s := range to {
		toSet[s] = true
	}
	for s := range toSet {
		if !fromSet[s] {
			added = append(added, s)
		}
	}
	for s := range fromSet {
		if !toSet[s] {
			removed = append(removed, s)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

func keysOf(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
