package machine

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
)

// Definition is the immutable description of one state machine: states,
// triggers, guarded transitions, the substate parent forest, hooks, regions
// and parameterized-trigger arities. It is identified by (GrainType, Version)
// and shared across entities without locking.
type Definition struct {
	grainType string
	version   Version

	initial    string
	states     map[string]*StateConfig
	stateOrder []string

	regions []*Region

	params map[string]*TriggerParameters
	cache  *paramCache
}

// Region is one orthogonal sub-machine. Regions share the trigger alphabet
// of the enclosing definition but own disjoint state sets.
type Region struct {
	Name string
	Def  *Definition
}

// GrainType returns the grain type this definition belongs to.
func (d *Definition) GrainType() string { return d.grainType }

// Version returns the definition version.
func (d *Definition) Version() Version { return d.version }

// Initial returns the initial state. For multi-region definitions the
// initial state lives in each region; Initial returns "".
func (d *Definition) Initial() string { return d.initial }

// HasRegions reports whether this definition is composed of orthogonal regions.
func (d *Definition) HasRegions() bool { return len(d.regions) > 0 }

// Regions returns the ordered orthogonal regions.
func (d *Definition) Regions() []*Region { return d.regions }

// States returns all declared state names in declaration order. For
// multi-region definitions this is the concatenation of region states.
func (d *Definition) States() []string {
	if d.HasRegions() {
		var out []string
		for _, r := range d.regions {
			out = append(out, r.Def.States()...)
		}
		return out
	}
	out := make([]string, len(d.stateOrder))
	copy(out, d.stateOrder)
	return out
}

// Triggers returns the distinct trigger alphabet, sorted.
func (d *Definition) Triggers() []string {
	set := make(map[string]bool)
	d.collectTriggers(set)
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (d *Definition) collectTriggers(set map[string]bool) {
	for _, s := range d.states {
		for t := range s.Transitions {
			set[t] = true
		}
	}
	for _, r := range d.regions {
		r.Def.collectTriggers(set)
	}
}

// State returns the configuration of a state, or nil.
func (d *Definition) State(name string) *StateConfig {
	if s, ok := d.states[name]; ok {
		return s
	}
	for _, r := range d.regions {
		if s := r.Def.State(name); s != nil {
			return s
		}
	}
	return nil
}

// Parent returns the parent of a state, or "" for roots.
func (d *Definition) Parent(state string) string {
	if s := d.State(state); s != nil {
		return s.Parent
	}
	return ""
}

// Ancestors returns the chain of transitive parents, nearest first.
func (d *Definition) Ancestors(state string) []string {
	var out []string
	for p := d.Parent(state); p != ""; p = d.Parent(p) {
		out = append(out, p)
	}
	return out
}

// IsIn reports whether state equals ancestor or ancestor is one of its
// transitive parents.
func (d *Definition) IsIn(state, ancestor string) bool {
	if state == ancestor {
		return true
	}
	for _, a := range d.Ancestors(state) {
		if a == ancestor {
			return true
		}
	}
	return false
}

// Permits reports whether firing trigger from state would select a target,
// evaluating guards against args. Hierarchy applies: rules declared on an
// ancestor of state are considered when state itself declares none.
func (d *Definition) Permits(ctx context.Context, state, trigger string, args ...interface{}) bool {
	_, _, err := d.resolve(ctx, state, trigger, args)
	return err == nil
}

// Arity returns the declared argument count for a trigger (0 when the
// trigger is not parameterized).
func (d *Definition) Arity(trigger string) int {
	if p := d.paramsFor(trigger); p != nil {
		return len(p.Types)
	}
	return 0
}

func (d *Definition) paramsFor(trigger string) *TriggerParameters {
	if p, ok := d.params[trigger]; ok {
		return p
	}
	return nil
}

// validateArgs checks args against declared trigger parameters through the
// per-definition descriptor cache.
func (d *Definition) validateArgs(trigger string, args []interface{}) error {
	desc := d.cache.getOrInsert(trigger, func() *TriggerParameters {
		if p := d.paramsFor(trigger); p != nil {
			return p
		}
		return &TriggerParameters{Trigger: trigger}
	})
	return desc.Validate(args)
}

// resolve walks from state up the parent chain looking for the first level
// declaring the trigger, then applies first-declared-true-guard selection.
// It returns the owning state and the selected target.
func (d *Definition) resolve(ctx context.Context, state, trigger string, args []interface{}) (string, *GuardedTarget, error) {
	var unmet []string
	declared := false
	for cur := state; cur != ""; cur = d.Parent(cur) {
		cfg := d.State(cur)
		if cfg == nil {
			break
		}
		rules, ok := cfg.Transitions[trigger]
		if !ok || len(rules) == 0 {
			continue
		}
		declared = true
		for i := range rules {
			r := &rules[i]
			if r.Guard == nil || r.Guard(ctx, args...) {
				return cur, r, nil
			}
			desc := r.GuardDesc
			if desc == "" {
				desc = fmt.Sprintf("guard #%d on (%s, %s)", i, cur, trigger)
			}
			unmet = append(unmet, desc)
		}
		// The nearest declaring level owns the trigger; ancestors are
		// not consulted once rules were found.
		break
	}
	if !declared {
		return "", nil, &Error{Code: ErrCodeNoTransition, State: state, Trigger: trigger}
	}
	return "", nil, &Error{Code: ErrCodeGuardRejected, State: state, Trigger: trigger, Unmet: unmet}
}

// Fingerprint returns a stable hash of the structural definition (states,
// parents, transitions, arities). Guards and hooks are code and do not
// participate.
func (d *Definition) Fingerprint() uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s@%s;", d.grainType, d.version)
	d.writeStructure(h)
	return h.Sum64()
}

func (d *Definition) writeStructure(h interface{ Write([]byte) (int, error) }) {
	fmt.Fprintf(h, "init=%s;", d.initial)
	for _, name := range d.stateOrder {
		s := d.states[name]
		fmt.Fprintf(h, "s=%s<%s;", name, s.Parent)
		for _, t := range s.triggerOrder {
			for _, gt := range s.Transitions[t] {
				guarded := 0
				if gt.Guard != nil {
					guarded = 1
				}
				fmt.Fprintf(h, "t=%s>%s!%d;", t, gt.Target, guarded)
			}
		}
	}
	triggers := make([]string, 0, len(d.params))
	for t := range d.params {
		triggers = append(triggers, t)
	}
	sort.Strings(triggers)
	for _, t := range triggers {
		fmt.Fprintf(h, "p=%s/%d;", t, len(d.params[t].Types))
	}
	for _, r := range d.regions {
		fmt.Fprintf(h, "r=%s{", r.Name)
		r.Def.writeStructure(h)
		fmt.Fprintf(h, "}")
	}
}

// paramCache memoizes parameterized-trigger descriptors per definition with
// double-checked insertion. It exists to avoid rebuilding descriptors on
// every parameterized fire.
type paramCache struct {
	mu    sync.RWMutex
	descs map[string]*TriggerParameters
}

func newParamCache() *paramCache {
	return &paramCache{descs: make(map[string]*TriggerParameters)}
}

func (c *paramCache) getOrInsert(trigger string, build func() *TriggerParameters) *TriggerParameters {
	c.mu.RLock()
	desc, ok := c.descs[trigger]
	c.mu.RUnlock()
	if ok {
		return desc
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if desc, ok = c.descs[trigger]; ok {
		return desc
	}
	desc = build()
	c.descs[trigger] = desc
	return desc
}
