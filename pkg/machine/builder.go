package machine

import (
	"fmt"
	"reflect"
)

// Builder provides a fluent API for assembling a Definition.
// All structural validation happens in Build; definition errors never reach
// runtime.
type Builder struct {
	grainType string
	version   Version

	initial    string
	states     map[string]*stateDraft
	stateOrder []string

	regions     []*regionDraft
	regionNames map[string]bool

	params map[string]*TriggerParameters

	errs []error
}

type stateDraft struct {
	cfg *StateConfig
}

type regionDraft struct {
	name    string
	builder *Builder
}

// NewBuilder creates a builder for the given grain type and version.
func NewBuilder(grainType string, version Version) *Builder {
	return &Builder{
		grainType:   grainType,
		version:     version,
		states:      make(map[string]*stateDraft),
		regionNames: make(map[string]bool),
		params:      make(map[string]*TriggerParameters),
	}
}

// InitialState sets the initial state.
func (b *Builder) InitialState(state string) *Builder {
	b.initial = state
	return b
}

// Configure returns the configuration builder for a state, declaring it on
// first use.
func (b *Builder) Configure(state string) *StateBuilder {
	draft, ok := b.states[state]
	if !ok {
		draft = &stateDraft{cfg: &StateConfig{
			Name:        state,
			EntryFrom:   make(map[string][]EntryHook),
			Transitions: make(map[string][]GuardedTarget),
		}}
		b.states[state] = draft
		b.stateOrder = append(b.stateOrder, state)
	}
	return &StateBuilder{parent: b, draft: draft}
}

// SetTriggerParameters declares typed arguments for a trigger (arity 0-3).
func (b *Builder) SetTriggerParameters(trigger string, types ...reflect.Type) *Builder {
	if len(types) > MaxTriggerArity {
		b.errs = append(b.errs, fmt.Errorf("trigger %s: arity %d exceeds maximum %d", trigger, len(types), MaxTriggerArity))
		return b
	}
	b.params[trigger] = &TriggerParameters{Trigger: trigger, Types: types}
	return b
}

// Region declares an orthogonal region and returns its own builder.
// A definition either has root states or regions, never both.
func (b *Builder) Region(name string) *Builder {
	if b.regionNames[name] {
		b.errs = append(b.errs, fmt.Errorf("region %s declared twice", name))
	}
	b.regionNames[name] = true
	rb := NewBuilder(b.grainType, b.version)
	b.regions = append(b.regions, &regionDraft{name: name, builder: rb})
	return rb
}

// Build validates the drafted structure and returns the immutable Definition.
func (b *Builder) Build() (*Definition, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if len(b.regions) > 0 {
		return b.buildRegions()
	}
	return b.buildSingle()
}

// MustBuild builds and panics on definition errors. Intended for
// package-level definitions covered by tests.
func (b *Builder) MustBuild() *Definition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}

func (b *Builder) buildSingle() (*Definition, error) {
	if b.initial == "" {
		return nil, fmt.Errorf("%s: initial state is required", b.grainType)
	}
	if len(b.states) == 0 {
		return nil, fmt.Errorf("%s: at least one state is required", b.grainType)
	}
	if _, ok := b.states[b.initial]; !ok {
		return nil, fmt.Errorf("%s: unknown initial state %q", b.grainType, b.initial)
	}

	def := &Definition{
		grainType:  b.grainType,
		version:    b.version,
		initial:    b.initial,
		states:     make(map[string]*StateConfig, len(b.states)),
		stateOrder: append([]string(nil), b.stateOrder...),
		params:     b.params,
		cache:      newParamCache(),
	}
	for name, draft := range b.states {
		def.states[name] = draft.cfg
	}

	// Every referenced state must be declared.
	for name, s := range def.states {
		if s.Parent != "" {
			if _, ok := def.states[s.Parent]; !ok {
				return nil, fmt.Errorf("%s: state %s: unknown parent state %q", b.grainType, name, s.Parent)
			}
		}
		for trigger, rules := range s.Transitions {
			for _, r := range rules {
				if _, ok := def.states[r.Target]; !ok {
					return nil, fmt.Errorf("%s: state %s: trigger %s targets unknown state %q", b.grainType, name, trigger, r.Target)
				}
			}
		}
	}

	// The parent graph must be a forest.
	for name := range def.states {
		seen := map[string]bool{name: true}
		for p := def.states[name].Parent; p != ""; p = def.states[p].Parent {
			if seen[p] {
				return nil, fmt.Errorf("%s: cyclic hierarchy through state %q", b.grainType, p)
			}
			seen[p] = true
		}
	}

	return def, nil
}

func (b *Builder) buildRegions() (*Definition, error) {
	if len(b.states) > 0 {
		return nil, fmt.Errorf("%s: a definition cannot mix root states with regions", b.grainType)
	}

	def := &Definition{
		grainType: b.grainType,
		version:   b.version,
		params:    b.params,
		cache:     newParamCache(),
	}

	seen := make(map[string]string) // state -> owning region
	for _, rd := range b.regions {
		if len(rd.builder.errs) > 0 {
			return nil, fmt.Errorf("region %s: %w", rd.name, rd.builder.errs[0])
		}
		if len(rd.builder.regions) > 0 {
			return nil, fmt.Errorf("%s: region %s cannot declare nested regions", b.grainType, rd.name)
		}
		sub, err := rd.builder.buildSingle()
		if err != nil {
			return nil, fmt.Errorf("region %s: %w", rd.name, err)
		}
		for _, s := range sub.stateOrder {
			if owner, dup := seen[s]; dup {
				return nil, fmt.Errorf("%s: state %q declared in regions %s and %s", b.grainType, s, owner, rd.name)
			}
			seen[s] = rd.name
		}
		def.regions = append(def.regions, &Region{Name: rd.name, Def: sub})
	}
	return def, nil
}

// StateBuilder configures one state.
type StateBuilder struct {
	parent *Builder
	draft  *stateDraft
}

// SubstateOf nests this state under a parent state.
func (sb *StateBuilder) SubstateOf(parent string) *StateBuilder {
	sb.draft.cfg.Parent = parent
	return sb
}

// Permit adds an unguarded transition.
func (sb *StateBuilder) Permit(trigger, target string) *StateBuilder {
	return sb.PermitIf(trigger, target, nil, "")
}

// PermitIf adds a guarded transition. Guards declared for the same
// (state, trigger) pair are evaluated in declaration order; the first
// satisfied guard wins.
func (sb *StateBuilder) PermitIf(trigger, target string, guard GuardFunc, guardDesc string) *StateBuilder {
	cfg := sb.draft.cfg
	if _, ok := cfg.Transitions[trigger]; !ok {
		cfg.triggerOrder = append(cfg.triggerOrder, trigger)
	}
	cfg.Transitions[trigger] = append(cfg.Transitions[trigger], GuardedTarget{
		Target:    target,
		Guard:     guard,
		GuardDesc: guardDesc,
	})
	return sb
}

// PermitReentry adds a self-transition that re-runs exit and entry hooks.
func (sb *StateBuilder) PermitReentry(trigger string) *StateBuilder {
	return sb.Permit(trigger, sb.draft.cfg.Name)
}

// OnEntry appends an entry hook.
func (sb *StateBuilder) OnEntry(hook EntryHook) *StateBuilder {
	sb.draft.cfg.Entry = append(sb.draft.cfg.Entry, hook)
	return sb
}

// OnExit appends an exit hook.
func (sb *StateBuilder) OnExit(hook ExitHook) *StateBuilder {
	sb.draft.cfg.Exit = append(sb.draft.cfg.Exit, hook)
	return sb
}

// OnEntryFrom appends an entry hook that only runs when the state is entered
// via the given trigger.
func (sb *StateBuilder) OnEntryFrom(trigger string, hook EntryHook) *StateBuilder {
	sb.draft.cfg.EntryFrom[trigger] = append(sb.draft.cfg.EntryFrom[trigger], hook)
	return sb
}
