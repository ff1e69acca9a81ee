package compat

import (
	"time"

	"github.com/grainflow/grainflow/pkg/machine"
)

// Level is the overall compatibility classification.
type Level int

const (
	// LevelFullyCompatible: no structural changes at all.
	LevelFullyCompatible Level = iota
	// LevelBackwardCompatible: the new definition reads all old data
	// (additive changes only).
	LevelBackwardCompatible
	// LevelForwardCompatible: old definitions read data produced by the
	// new one (removals only).
	LevelForwardCompatible
	// LevelIncompatible: neither direction is safe.
	LevelIncompatible
)

func (l Level) String() string {
	switch l {
	case LevelFullyCompatible:
		return "FullyCompatible"
	case LevelBackwardCompatible:
		return "BackwardCompatible"
	case LevelForwardCompatible:
		return "ForwardCompatible"
	default:
		return "Incompatible"
	}
}

// MigrationPlan is the ordered action list for moving a fleet from the old
// definition to the new one.
type MigrationPlan struct {
	Steps []MigrationStep

	// EstimatedDuration is the sum of per-step effort estimates.
	EstimatedDuration time.Duration
}

// Report is the full compatibility verdict.
type Report struct {
	FromVersion machine.Version
	ToVersion   machine.Version
	Diff        *DiffContext

	// IsCompatible is false exactly when some breaking change reaches
	// Critical impact.
	IsCompatible bool
	Level        Level

	BreakingChanges []BreakingChange
	Warnings        []string
	Rules           []*RuleResult
	Migration       *MigrationPlan
}

// Check diffs two definitions and evaluates the rule set over the result.
func Check(from, to *machine.Definition) *Report {
	return Evaluate(Diff(from, to))
}

// Evaluate runs the ordered rule set over a precomputed diff. Migration
// steps keep rule evaluation order, which is the declared priority.
func Evaluate(d *DiffContext) *Report {
	rep := &Report{
		FromVersion:  d.FromVersion,
		ToVersion:    d.ToVersion,
		Diff:         d,
		IsCompatible: true,
		Migration:    &MigrationPlan{},
	}

	maxImpact := ImpactLow
	for _, rl := range ruleSet {
		res := &RuleResult{Rule: rl.name}
		rl.check(d, res)
		res.OK = len(res.BreakingChanges) == 0
		rep.Rules = append(rep.Rules, res)

		rep.BreakingChanges = append(rep.BreakingChanges, res.BreakingChanges...)
		rep.Warnings = append(rep.Warnings, res.Warnings...)
		rep.Migration.Steps = append(rep.Migration.Steps, res.Steps...)

		for _, bc := range res.BreakingChanges {
			if bc.Impact > maxImpact {
				maxImpact = bc.Impact
			}
			if bc.Impact >= ImpactCritical {
				rep.IsCompatible = false
			}
		}
	}

	for _, step := range rep.Migration.Steps {
		rep.Migration.EstimatedDuration += step.Effort.Minutes()
	}

	rep.Level = deriveLevel(d, maxImpact)
	return rep
}

func deriveLevel(d *DiffContext, maxImpact Impact) Level {
	hasAdditions := len(d.AddedStates) > 0 || len(d.AddedTriggers) > 0 || len(d.AddedTransitions) > 0
	hasRemovals := len(d.RemovedStates) > 0 || len(d.RemovedTriggers) > 0 ||
		len(d.RemovedTransitions) > 0 || d.DataFormatChanged

	switch {
	case maxImpact >= ImpactHigh:
		return LevelIncompatible
	case !d.HasStructuralChanges():
		return LevelFullyCompatible
	case !hasRemovals:
		return LevelBackwardCompatible
	case !hasAdditions:
		return LevelForwardCompatible
	default:
		// Mixed additions and removals with no high-impact finding still
		// leave neither direction safe.
		return LevelIncompatible
	}
}
