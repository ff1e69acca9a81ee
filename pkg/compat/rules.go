package compat

import (
	"fmt"
	"time"
)

// Impact grades how badly a change breaks running entities.
type Impact int

const (
	ImpactLow Impact = iota
	ImpactMedium
	ImpactHigh
	ImpactCritical
)

func (i Impact) String() string {
	switch i {
	case ImpactLow:
		return "Low"
	case ImpactMedium:
		return "Medium"
	case ImpactHigh:
		return "High"
	case ImpactCritical:
		return "Critical"
	default:
		return fmt.Sprintf("Impact(%d)", int(i))
	}
}

// Effort grades migration step cost; it converts to wall-clock estimates.
type Effort int

const (
	EffortLow    Effort = iota // 30 minutes
	EffortMedium               // 2 hours
	EffortHigh                 // 8 hours
)

// Minutes converts an effort grade to its planning estimate.
func (e Effort) Minutes() time.Duration {
	switch e {
	case EffortMedium:
		return 2 * time.Hour
	case EffortHigh:
		return 8 * time.Hour
	default:
		return 30 * time.Minute
	}
}

func (e Effort) String() string {
	switch e {
	case EffortMedium:
		return "Medium"
	case EffortHigh:
		return "High"
	default:
		return "Low"
	}
}

// BreakingChange is one incompatibility found by a rule.
type BreakingChange struct {
	Rule        string
	Change      string
	Description string
	Impact      Impact
}

// MigrationStep is one suggested action in the migration plan.
type MigrationStep struct {
	Rule        string
	Description string
	Effort      Effort
	Risk        Impact
}

// RuleResult is one rule's findings over a diff.
type RuleResult struct {
	Rule            string
	OK              bool
	BreakingChanges []BreakingChange
	Warnings        []string
	Steps           []MigrationStep
}

// rule names, in evaluation priority order.
const (
	RuleMajor                  = "Major"
	RuleMinor                  = "Minor"
	RulePatch                  = "Patch"
	RuleBackward               = "Backward"
	RuleForward                = "Forward"
	RuleStateAddition          = "StateAddition"
	RuleStateRemoval           = "StateRemoval"
	RuleTriggerModification    = "TriggerModification"
	RuleGuardCondition         = "GuardCondition"
	RuleTransitionModification = "TransitionModification"
	RuleSerializationCompat    = "SerializationCompat"
	RuleDataMigration          = "DataMigration"
)

type rule struct {
	name  string
	check func(*DiffContext, *RuleResult)
}

// ruleSet is evaluated in order; migration plan steps keep this priority.
var ruleSet = []rule{
	{RuleMajor, checkMajor},
	{RuleMinor, checkMinor},
	{RulePatch, checkPatch},
	{RuleBackward, checkBackward},
	{RuleForward, checkForward},
	{RuleStateAddition, checkStateAddition},
	{RuleStateRemoval, checkStateRemoval},
	{RuleTriggerModification, checkTriggerModification},
	{RuleGuardCondition, checkGuardCondition},
	{RuleTransitionModification, checkTransitionModification},
	{RuleSerializationCompat, checkSerializationCompat},
	{RuleDataMigration, checkDataMigration},
}

func checkMajor(d *DiffContext, r *RuleResult) {
	if d.ToVersion.Major == d.FromVersion.Major {
		return
	}
	r.BreakingChanges = append(r.BreakingChanges, BreakingChange{
		Rule:        RuleMajor,
		Change:      "MajorVersion",
		Description: fmt.Sprintf("major version change %s to %s signals an incompatible definition", d.FromVersion, d.ToVersion),
		Impact:      ImpactCritical,
	})
	r.Steps = append(r.Steps, MigrationStep{
		Rule:        RuleMajor,
		Description: "Drain or upgrade all active entities before deploying the new major version",
		Effort:      EffortHigh,
		Risk:        ImpactHigh,
	})
}

func checkMinor(d *DiffContext, r *RuleResult) {
	if d.ToVersion.Major != d.FromVersion.Major || d.ToVersion.Minor <= d.FromVersion.Minor {
		return
	}
	r.Warnings = append(r.Warnings,
		fmt.Sprintf("minor version bump %s to %s: additive changes expected", d.FromVersion, d.ToVersion))
}

func checkPatch(d *DiffContext, r *RuleResult) {
	sameMinor := d.ToVersion.Major == d.FromVersion.Major && d.ToVersion.Minor == d.FromVersion.Minor
	if !sameMinor || !d.HasStructuralChanges() {
		return
	}
	// A patch bump must not change machine structure.
	r.BreakingChanges = append(r.BreakingChanges, BreakingChange{
		Rule:        RulePatch,
		Change:      "StructureUnderPatch",
		Description: fmt.Sprintf("structural changes under a patch-level bump %s to %s", d.FromVersion, d.ToVersion),
		Impact:      ImpactMedium,
	})
}

func checkBackward(d *DiffContext, r *RuleResult) {
	if len(d.RemovedStates) == 0 && len(d.RemovedTriggers) == 0 && !d.DataFormatChanged {
		return
	}
	r.Warnings = append(r.Warnings,
		"new definition cannot interpret all stored history: backward compatibility lost")
	if d.InitialChanged {
		r.Warnings = append(r.Warnings,
			fmt.Sprintf("initial state changed from %q to %q: fresh entities diverge from replayed ones", d.From.Initial(), d.To.Initial()))
	}
}

func checkForward(d *DiffContext, r *RuleResult) {
	if len(d.AddedStates) == 0 && len(d.AddedTriggers) == 0 {
		return
	}
	r.Warnings = append(r.Warnings,
		"older definition versions cannot interpret events produced by the new one: forward compatibility lost")
}

func checkStateAddition(d *DiffContext, r *RuleResult) {
	if len(d.AddedStates) == 0 {
		return
	}
	for _, s := range d.AddedStates {
		r.Warnings = append(r.Warnings, fmt.Sprintf("state %q added", s))
	}
	r.Steps = append(r.Steps, MigrationStep{
		Rule:        RuleStateAddition,
		Description: fmt.Sprintf("Verify no stored snapshot is expected to hold the new states %v", d.AddedStates),
		Effort:      EffortLow,
		Risk:        ImpactLow,
	})
}

func checkStateRemoval(d *DiffContext, r *RuleResult) {
	for _, s := range d.RemovedStates {
		r.BreakingChanges = append(r.BreakingChanges, BreakingChange{
			Rule:        RuleStateRemoval,
			Change:      "StateRemoved",
			Description: fmt.Sprintf("state %q removed: entities resting in it cannot be restored", s),
			Impact:      ImpactHigh,
		})
		r.Steps = append(r.Steps, MigrationStep{
			Rule:        RuleStateRemoval,
			Description: fmt.Sprintf("Transition every entity out of state %q before the upgrade", s),
			Effort:      EffortMedium,
			Risk:        ImpactHigh,
		})
	}
}

func checkTriggerModification(d *DiffContext, r *RuleResult) {
	for _, t := range d.RemovedTriggers {
		r.BreakingChanges = append(r.BreakingChanges, BreakingChange{
			Rule:        RuleTriggerModification,
			Change:      "TriggerRemoved",
			Description: fmt.Sprintf("trigger %q removed: callers still firing it will be rejected", t),
			Impact:      ImpactHigh,
		})
	}
	for _, t := range d.AddedTriggers {
		r.Warnings = append(r.Warnings, fmt.Sprintf("trigger %q added", t))
	}
	if len(d.RemovedTriggers) > 0 {
		r.Steps = append(r.Steps, MigrationStep{
			Rule:        RuleTriggerModification,
			Description: fmt.Sprintf("Remove or reroute callers of triggers %v", d.RemovedTriggers),
			Effort:      EffortMedium,
			Risk:        ImpactMedium,
		})
	}
}

func checkGuardCondition(d *DiffContext, r *RuleResult) {
	for _, cell := range d.GuardChanges {
		r.BreakingChanges = append(r.BreakingChanges, BreakingChange{
			Rule:        RuleGuardCondition,
			Change:      "GuardChanged",
			Description: fmt.Sprintf("guard set changed for %s: previously accepted fires may be rejected", cell),
			Impact:      ImpactMedium,
		})
	}
}

func checkTransitionModification(d *DiffContext, r *RuleResult) {
	for _, edge := range d.RemovedTransitions {
		r.BreakingChanges = append(r.BreakingChanges, BreakingChange{
			Rule:        RuleTransitionModification,
			Change:      "TransitionRemoved",
			Description: fmt.Sprintf("transition %s removed", edge),
			Impact:      ImpactMedium,
		})
	}
	for _, edge := range d.AddedTransitions {
		r.Warnings = append(r.Warnings, fmt.Sprintf("transition %s added", edge))
	}
}

func checkSerializationCompat(d *DiffContext, r *RuleResult) {
	if !d.DataFormatChanged {
		return
	}
	r.BreakingChanges = append(r.BreakingChanges, BreakingChange{
		Rule:        RuleSerializationCompat,
		Change:      "DataFormatChanged",
		Description: "trigger argument shape changed: stored events will not deserialize against the new definition",
		Impact:      ImpactHigh,
	})
	r.Steps = append(r.Steps, MigrationStep{
		Rule:        RuleSerializationCompat,
		Description: "Add a serialization adapter translating old trigger payloads to the new shape",
		Effort:      EffortMedium,
		Risk:        ImpactMedium,
	})
}

func checkDataMigration(d *DiffContext, r *RuleResult) {
	if !d.RequiresMigration {
		return
	}
	r.Warnings = append(r.Warnings, "stored events or snapshots need migration before the new definition can replay them")
	r.Steps = append(r.Steps, MigrationStep{
		Rule:        RuleDataMigration,
		Description: "Write and rehearse a log and snapshot migration against a production copy",
		Effort:      EffortHigh,
		Risk:        ImpactHigh,
	})
}
