package machine

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// hookScopeKey marks a context as executing inside a hook. Fire refuses to
// run under such a context, which is how the re-entrancy contract is
// enforced without thread-local state.
type hookScopeKey struct{}

// WithHookScope returns a context flagged as running inside a hook.
func WithHookScope(ctx context.Context) context.Context {
	return context.WithValue(ctx, hookScopeKey{}, true)
}

// InHookScope reports whether ctx is flagged as running inside a hook.
func InHookScope(ctx context.Context) bool {
	v, _ := ctx.Value(hookScopeKey{}).(bool)
	return v
}

// TransitionPlan describes everything one Fire will do in one region:
// the exit hook chain (current leaf up to the least common ancestor of
// from and to, exclusive), the transition itself, and the entry hook chain
// (LCA-child down to the target).
type TransitionPlan struct {
	Region  string
	From    string
	To      string
	Trigger string
	// ExitChain lists states whose exit hooks run, leaf first.
	ExitChain []string
	// EntryChain lists states whose entry hooks run, outermost first.
	EntryChain []string
}

// regionRuntime pairs a region definition with its live leaf state.
type regionRuntime struct {
	name string
	def  *Definition
	leaf string
}

// Engine is the pure in-memory evaluator for one entity. It is not
// goroutine-safe: the actor adapter serializes all access per entity.
type Engine struct {
	def     *Definition
	regions []*regionRuntime
}

// NewEngine creates an engine positioned at the definition's initial
// state(s).
func NewEngine(def *Definition) *Engine {
	e := &Engine{def: def}
	if def.HasRegions() {
		for _, r := range def.Regions() {
			e.regions = append(e.regions, &regionRuntime{name: r.Name, def: r.Def, leaf: r.Def.Initial()})
		}
	} else {
		e.regions = []*regionRuntime{{def: def, leaf: def.Initial()}}
	}
	return e
}

// NewEngineAt creates an engine restored to a previously captured state key.
// This is how replay rebuilds the machine without touching entry hooks.
func NewEngineAt(def *Definition, stateKey string) (*Engine, error) {
	e := NewEngine(def)
	if err := e.Restore(stateKey); err != nil {
		return nil, err
	}
	return e, nil
}

// Definition returns the definition this engine evaluates.
func (e *Engine) Definition() *Definition { return e.def }

// Leaf returns the current leaf state of a single-region machine.
func (e *Engine) Leaf() string {
	return e.regions[0].leaf
}

// Leaves returns the current leaf per region. Single-region machines report
// one entry under the empty region name.
func (e *Engine) Leaves() map[string]string {
	out := make(map[string]string, len(e.regions))
	for _, r := range e.regions {
		out[r.name] = r.leaf
	}
	return out
}

// StateKey captures the complete live state as a stable string. Single-region
// machines use the bare leaf name; multi-region machines use
// "region=leaf;region=leaf" in region declaration order.
func (e *Engine) StateKey() string {
	if len(e.regions) == 1 && e.regions[0].name == "" {
		return e.regions[0].leaf
	}
	parts := make([]string, len(e.regions))
	for i, r := range e.regions {
		parts[i] = r.name + "=" + r.leaf
	}
	return strings.Join(parts, ";")
}

// Restore positions the engine at a previously captured StateKey.
func (e *Engine) Restore(stateKey string) error {
	if len(e.regions) == 1 && e.regions[0].name == "" {
		if e.def.State(stateKey) == nil {
			return &Error{Code: ErrCodeBadState, State: stateKey, Message: "unknown state in restore"}
		}
		e.regions[0].leaf = stateKey
		return nil
	}
	leaves := make(map[string]string)
	for _, part := range strings.Split(stateKey, ";") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return &Error{Code: ErrCodeBadState, State: stateKey, Message: "malformed multi-region state key"}
		}
		leaves[kv[0]] = kv[1]
	}
	for _, r := range e.regions {
		leaf, ok := leaves[r.name]
		if !ok {
			return &Error{Code: ErrCodeBadState, State: stateKey, Message: fmt.Sprintf("missing leaf for region %s", r.name)}
		}
		if r.def.State(leaf) == nil {
			return &Error{Code: ErrCodeBadState, State: leaf, Message: fmt.Sprintf("unknown state in region %s", r.name)}
		}
		r.leaf = leaf
	}
	return nil
}

// IsIn reports whether any region's leaf equals state or has it as a
// transitive parent.
func (e *Engine) IsIn(state string) bool {
	for _, r := range e.regions {
		if r.def.IsIn(r.leaf, state) {
			return true
		}
	}
	return false
}

// CanFire reports whether the trigger would cause a transition, and when it
// would not because of guards, the descriptions of the unmet guards.
func (e *Engine) CanFire(ctx context.Context, trigger string, args ...interface{}) (bool, []string) {
	if err := e.def.validateArgs(trigger, args); err != nil {
		return false, []string{err.Error()}
	}
	accepted := false
	var unmet []string
	for _, r := range e.regions {
		_, _, err := r.def.resolve(ctx, r.leaf, trigger, args)
		switch {
		case err == nil:
			accepted = true
		case IsGuardRejected(err):
			// A guard rejection in any region vetoes the whole fire.
			unmet = append(unmet, err.(*Error).Unmet...)
			return false, unmet
		}
	}
	return accepted, unmet
}

// PermittedTriggers returns the sorted set of triggers that would currently
// cause a transition.
func (e *Engine) PermittedTriggers(ctx context.Context, args ...interface{}) []string {
	set := make(map[string]bool)
	for _, t := range e.def.Triggers() {
		if len(args) != e.def.Arity(t) {
			// Probe parameterized triggers only when the supplied args fit.
			continue
		}
		if ok, _ := e.CanFire(ctx, t, args...); ok {
			set[t] = true
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Plan computes the transition plans for a trigger without changing state or
// running hooks. One plan is produced per accepting region; a guard
// rejection in any region fails the whole call.
func (e *Engine) Plan(ctx context.Context, trigger string, args ...interface{}) ([]*TransitionPlan, error) {
	if InHookScope(ctx) {
		return nil, &Error{Code: ErrCodeReentrancy, Trigger: trigger, Message: "fire called from inside a hook"}
	}
	if err := e.def.validateArgs(trigger, args); err != nil {
		return nil, &Error{Code: ErrCodeBadArgs, Trigger: trigger, Cause: err}
	}

	var plans []*TransitionPlan
	var noRule *Error
	for _, r := range e.regions {
		_, gt, err := r.def.resolve(ctx, r.leaf, trigger, args)
		if err != nil {
			me := err.(*Error)
			if me.Code == ErrCodeGuardRejected {
				// All-or-nothing: abort with no state change in any region.
				return nil, me
			}
			noRule = me
			continue
		}
		plans = append(plans, buildPlan(r, trigger, gt.Target))
	}
	if len(plans) == 0 {
		if noRule != nil {
			return nil, noRule
		}
		return nil, &Error{Code: ErrCodeNoTransition, Trigger: trigger}
	}
	return plans, nil
}

// Fire plans the trigger, runs exit hooks, applies the state change and runs
// entry hooks, region by region in declared order. An exit hook error in the
// first region aborts before any state change; hook errors never leave a
// half-applied region.
func (e *Engine) Fire(ctx context.Context, trigger string, args ...interface{}) ([]*TransitionPlan, error) {
	plans, err := e.Plan(ctx, trigger, args...)
	if err != nil {
		return nil, err
	}
	hookCtx := WithHookScope(ctx)
	for _, plan := range plans {
		r := e.region(plan.Region)
		tr := Transition{From: plan.From, To: plan.To, Trigger: trigger}

		for _, s := range plan.ExitChain {
			for _, hook := range r.def.State(s).Exit {
				if err := hook(hookCtx, tr, args...); err != nil {
					return nil, &Error{Code: ErrCodeHookFailed, State: s, Trigger: trigger, Message: "exit hook failed", Cause: err}
				}
			}
		}

		r.leaf = plan.To

		for _, s := range plan.EntryChain {
			cfg := r.def.State(s)
			for _, hook := range cfg.Entry {
				if err := hook(hookCtx, tr, args...); err != nil {
					return nil, &Error{Code: ErrCodeHookFailed, State: s, Trigger: trigger, Message: "entry hook failed", Cause: err}
				}
			}
			for _, hook := range cfg.EntryFrom[trigger] {
				if err := hook(hookCtx, tr, args...); err != nil {
					return nil, &Error{Code: ErrCodeHookFailed, State: s, Trigger: trigger, Message: "entry-from hook failed", Cause: err}
				}
			}
		}
	}
	return plans, nil
}

func (e *Engine) region(name string) *regionRuntime {
	for _, r := range e.regions {
		if r.name == name {
			return r
		}
	}
	return e.regions[0]
}

// buildPlan computes exit and entry chains on the parent forest. The LCA of
// from and to is excluded from both chains; a self-transition re-runs the
// state's own exit and entry hooks.
func buildPlan(r *regionRuntime, trigger, target string) *TransitionPlan {
	from := r.leaf
	plan := &TransitionPlan{
		Region:  r.name,
		From:    from,
		To:      target,
		Trigger: trigger,
	}

	if from == target {
		plan.ExitChain = []string{from}
		plan.EntryChain = []string{target}
		return plan
	}

	fromPath := append([]string{from}, r.def.Ancestors(from)...)
	toPath := append([]string{target}, r.def.Ancestors(target)...)

	onToPath := make(map[string]int, len(toPath))
	for i, s := range toPath {
		onToPath[s] = i
	}

	lcaIdx := len(toPath) // index into toPath; len == no common ancestor
	for _, s := range fromPath {
		if i, ok := onToPath[s]; ok {
			lcaIdx = i
			break
		}
	}

	for _, s := range fromPath {
		if i, ok := onToPath[s]; ok && i == lcaIdx {
			break
		}
		plan.ExitChain = append(plan.ExitChain, s)
	}

	// Entry chain runs outermost-in: reverse of toPath down to the target,
	// starting just below the LCA (or at the root when there is none).
	for i := lcaIdx - 1; i >= 0; i-- {
		plan.EntryChain = append(plan.EntryChain, toPath[i])
	}
	return plan
}
