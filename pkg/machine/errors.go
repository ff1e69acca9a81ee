package machine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode classifies machine errors.
type ErrorCode int

const (
	// ErrCodeNoTransition means no transition rule exists for (state, trigger).
	ErrCodeNoTransition ErrorCode = iota
	// ErrCodeGuardRejected means rules exist but every guard evaluated false.
	ErrCodeGuardRejected
	// ErrCodeReentrancy means Fire was called from inside a hook.
	ErrCodeReentrancy
	// ErrCodeHookFailed means an entry or exit hook returned an error.
	ErrCodeHookFailed
	// ErrCodeBadArgs means trigger arguments did not match the declared arity.
	ErrCodeBadArgs
	// ErrCodeBadState means a restore referenced an unknown state.
	ErrCodeBadState
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeNoTransition:
		return "NoTransition"
	case ErrCodeGuardRejected:
		return "GuardRejected"
	case ErrCodeReentrancy:
		return "ReentrancyViolation"
	case ErrCodeHookFailed:
		return "HookFailed"
	case ErrCodeBadArgs:
		return "BadArguments"
	case ErrCodeBadState:
		return "BadState"
	default:
		return "Unknown"
	}
}

// Error is the machine error type. All engine failures are deterministic and
// carry no side effects: no hook has run and no state has changed unless
// Code is ErrCodeHookFailed.
type Error struct {
	Code    ErrorCode
	State   string
	Trigger string
	// Unmet holds the guard descriptions that evaluated false when
	// Code is ErrCodeGuardRejected.
	Unmet   []string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s", e.Code)
	if e.State != "" {
		fmt.Fprintf(&b, " state=%s", e.State)
	}
	if e.Trigger != "" {
		fmt.Fprintf(&b, " trigger=%s", e.Trigger)
	}
	if len(e.Unmet) > 0 {
		fmt.Fprintf(&b, " unmet=[%s]", strings.Join(e.Unmet, "; "))
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// IsNoTransition reports whether err is a no-transition failure.
func IsNoTransition(err error) bool { return hasCode(err, ErrCodeNoTransition) }

// IsGuardRejected reports whether err is a guard rejection.
func IsGuardRejected(err error) bool { return hasCode(err, ErrCodeGuardRejected) }

// IsReentrancy reports whether err is a re-entrancy violation.
func IsReentrancy(err error) bool { return hasCode(err, ErrCodeReentrancy) }

// IsBadArgs reports whether err is a trigger argument arity or type error.
func IsBadArgs(err error) bool { return hasCode(err, ErrCodeBadArgs) }

func hasCode(err error, code ErrorCode) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Code == code
	}
	return false
}
