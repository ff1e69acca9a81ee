// Package machine provides the state machine definition model and the pure
// in-memory execution engine used by the grainflow actor adapter.
//
// A Definition is immutable once built and is shared across every entity of
// the same grain type. The Engine evaluates triggers against a definition and
// a live leaf state; it performs no I/O and never blocks.
//
// Example usage:
//
//	b := machine.NewBuilder("order", machine.MustParseVersion("1.0.0"))
//	b.InitialState("Created")
//	b.Configure("Created").
//	    Permit("Submit", "PaymentPending")
//	b.Configure("PaymentPending").
//	    PermitIf("Pay", "Paid", paidGuard, "payment authorized").
//	    OnEntry(notifyCustomer)
//	def, err := b.Build()
package machine

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// GuardFunc is a pure predicate gating a transition. It may be invoked
// multiple times per call (permitted-trigger probes) and must be cheap.
type GuardFunc func(ctx context.Context, args ...interface{}) bool

// EntryHook runs synchronously after a transition enters a state.
// Hooks must not fire triggers; the adapter enforces this.
type EntryHook func(ctx context.Context, tr Transition, args ...interface{}) error

// ExitHook runs synchronously before a transition leaves a state.
type ExitHook func(ctx context.Context, tr Transition, args ...interface{}) error

// Transition describes one applied state change.
type Transition struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Trigger string `json:"trigger"`
}

// Version identifies a definition revision as major.minor.patch.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

// ParseVersion parses "major.minor.patch".
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("invalid version %q: want major.minor.patch", s)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("invalid version %q: bad component %q", s, p)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// MustParseVersion parses a version string and panics on error.
// Intended for package-level definition construction.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or 1 ordering v against other.
func (v Version) Compare(other Version) int {
	if v.Major != other.Major {
		return cmpInt(v.Major, other.Major)
	}
	if v.Minor != other.Minor {
		return cmpInt(v.Minor, other.Minor)
	}
	return cmpInt(v.Patch, other.Patch)
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// TriggerParameters describes the typed payload of a parameterized trigger.
// Triggers accept between zero and three arguments.
type TriggerParameters struct {
	Trigger string
	Types   []reflect.Type
}

// MaxTriggerArity is the maximum number of typed trigger arguments.
const MaxTriggerArity = 3

// Validate checks the supplied arguments against the declared types.
func (p *TriggerParameters) Validate(args []interface{}) error {
	if len(args) != len(p.Types) {
		return fmt.Errorf("trigger %s expects %d argument(s), got %d", p.Trigger, len(p.Types), len(args))
	}
	for i, arg := range args {
		if arg == nil {
			continue
		}
		at := reflect.TypeOf(arg)
		if !at.AssignableTo(p.Types[i]) {
			return fmt.Errorf("trigger %s argument %d: want %s, got %s", p.Trigger, i, p.Types[i], at)
		}
	}
	return nil
}

// GuardedTarget is one entry of a transition table cell. A nil Guard is
// equivalent to a guard that is always true.
type GuardedTarget struct {
	Target    string
	Guard     GuardFunc
	GuardDesc string
}

// StateConfig is the per-state slice of a definition.
type StateConfig struct {
	Name        string
	Parent      string
	Entry       []EntryHook
	Exit        []ExitHook
	EntryFrom   map[string][]EntryHook
	Transitions map[string][]GuardedTarget

	// triggerOrder keeps trigger declaration order for deterministic
	// iteration in Triggers() and the visualizer.
	triggerOrder []string
}
