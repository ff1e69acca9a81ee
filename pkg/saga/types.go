// Package saga orchestrates multi-step, multi-entity workflows as a DAG of
// steps with compensations. Steps within one execution level run in
// parallel; a failure compensates the completed steps in reverse completion
// order.
package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Status is the saga run state. Both Started and Running exist for
// compatibility with older run records; Running is the canonical in-flight
// state and Started only appears transiently before the first level runs.
type Status string

const (
	StatusPending     Status = "Pending"
	StatusStarted     Status = "Started"
	StatusRunning     Status = "Running"
	StatusCompleted   Status = "Completed"
	StatusFailed      Status = "Failed"
	StatusCompensated Status = "Compensated"
)

// ExecuteFunc runs a step's forward action.
type ExecuteFunc func(ctx context.Context, run *RunContext) (interface{}, error)

// CompensateFunc undoes a completed step.
type CompensateFunc func(ctx context.Context, run *RunContext, original *StepResult) error

// ConditionFunc decides whether a step runs; a false result skips the step
// without failing the saga.
type ConditionFunc func(run *RunContext) bool

// Step is one node of the saga DAG.
type Step struct {
	Name       string
	Execute    ExecuteFunc
	Compensate CompensateFunc
	DependsOn  []string
	Condition  ConditionFunc

	// ContinueOnFailure lets the saga keep running past this step's
	// failure; compensation still happens at the end.
	ContinueOnFailure bool

	// MaxRetries is the total attempt budget for technical failures
	// (minimum 1). Business failures never retry.
	MaxRetries int

	// RetryDelay seeds the exponential backoff between attempts.
	RetryDelay time.Duration

	// Timeout bounds a single attempt.
	Timeout time.Duration
}

// StepResult records one step's forward outcome.
type StepResult struct {
	StepName           string        `json:"stepName"`
	Success            bool          `json:"success"`
	IsBusinessFailure  bool          `json:"isBusinessFailure"`
	IsTechnicalFailure bool          `json:"isTechnicalFailure"`
	Result             interface{}   `json:"result,omitempty"`
	ErrorMessage       string        `json:"errorMessage,omitempty"`
	Attempts           int           `json:"attempts"`
	StartedAt          time.Time     `json:"startedAt"`
	CompletedAt        time.Time     `json:"completedAt"`
	Duration           time.Duration `json:"duration"`
	Skipped            bool          `json:"skipped,omitempty"`
}

// CompensationResult records one step's compensation outcome.
type CompensationResult struct {
	StepName     string        `json:"stepName"`
	Success      bool          `json:"success"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	Time         time.Time     `json:"time"`
	Duration     time.Duration `json:"duration"`
}

// Result is the final report of one saga run.
type Result struct {
	SagaID   string
	SagaName string
	Status   Status

	// Successful lists step names in completion order.
	Successful []string
	Failed     []string
	Skipped    []string

	StepResults   map[string]*StepResult
	Compensations []*CompensationResult

	// CompensationOK is true when every invoked compensation succeeded.
	CompensationOK bool

	Err         error
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
}

// RunContext is the shared state a saga run threads through its steps.
// Steps read prior results and stash data for later steps and compensations.
type RunContext struct {
	SagaID   string
	SagaName string

	mu        sync.RWMutex
	data      map[string]interface{}
	completed map[string]*StepResult
	failed    map[string]*StepResult
}

func newRunContext(sagaID, sagaName string) *RunContext {
	return &RunContext{
		SagaID:    sagaID,
		SagaName:  sagaName,
		data:      make(map[string]interface{}),
		completed: make(map[string]*StepResult),
		failed:    make(map[string]*StepResult),
	}
}

// Set stores a value in the saga data.
func (rc *RunContext) Set(key string, value interface{}) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.data[key] = value
}

// Get reads a value from the saga data.
func (rc *RunContext) Get(key string) (interface{}, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	v, ok := rc.data[key]
	return v, ok
}

// Completed returns the result of a successfully completed step, or nil.
func (rc *RunContext) Completed(step string) *StepResult {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.completed[step]
}

// FailedStep returns the result of a failed step, or nil.
func (rc *RunContext) FailedStep(step string) *StepResult {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.failed[step]
}

func (rc *RunContext) markCompleted(res *StepResult) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.completed[res.StepName] = res
}

func (rc *RunContext) markFailed(res *StepResult) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.failed[res.StepName] = res
}

// businessError marks a deterministic failure: no retry, straight to
// compensation.
type businessError struct {
	msg string
}

func (e *businessError) Error() string { return e.msg }

// BusinessFailure wraps a deterministic failure that must not be retried.
func BusinessFailure(format string, args ...interface{}) error {
	return &businessError{msg: fmt.Sprintf(format, args...)}
}

// IsBusinessFailure reports whether err (or anything it wraps) is a
// business failure. Every other non-nil error is a technical failure.
func IsBusinessFailure(err error) bool {
	var be *businessError
	return errors.As(err, &be)
}
