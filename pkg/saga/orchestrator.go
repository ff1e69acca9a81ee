package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/grainflow/grainflow/pkg/core"
)

// MaxRetryDelay caps the exponential backoff between step attempts.
const MaxRetryDelay = 30 * time.Second

// Options tunes one saga run.
type Options struct {
	// Timeout bounds the whole run; zero means unbounded.
	Timeout time.Duration
}

// Orchestrator executes saga graphs. It is stateless across runs and safe
// for concurrent use; each run is single-threaded at the orchestration
// level with per-level parallel step execution.
type Orchestrator struct {
	logger core.Logger
	tracer trace.Tracer
}

// NewOrchestrator creates an orchestrator. A nil logger falls back to the
// default logger.
func NewOrchestrator(logger core.Logger) *Orchestrator {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &Orchestrator{
		logger: logger,
		tracer: otel.Tracer("grainflow/saga"),
	}
}

// Execute runs a saga graph to completion, failure, or compensation.
// The returned Result is always non-nil; Err carries the terminal error
// when Status is Failed.
func (o *Orchestrator) Execute(ctx context.Context, g *Graph, opts Options) *Result {
	sagaID := uuid.New().String()
	run := newRunContext(sagaID, g.Definition.Name)

	res := &Result{
		SagaID:         sagaID,
		SagaName:       g.Definition.Name,
		Status:         StatusStarted,
		StepResults:    make(map[string]*StepResult),
		CompensationOK: true,
		StartedAt:      time.Now().UTC(),
	}

	ctx, span := o.tracer.Start(ctx, "saga."+g.Definition.Name, trace.WithAttributes(
		attribute.String("saga.id", sagaID),
		attribute.Int("saga.steps", g.Stats.StepCount),
		attribute.Int("saga.levels", g.Stats.CriticalPath),
	))
	defer span.End()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	res.Status = StatusRunning
	o.logger.Infof("saga %s (%s): starting %d steps in %d levels",
		g.Definition.Name, sagaID, g.Stats.StepCount, g.Stats.CriticalPath)

	for _, level := range g.Levels {
		if err := ctx.Err(); err != nil {
			o.finishFailed(ctx, g, run, res, span, fmt.Errorf("saga timed out: %w", err))
			return res
		}

		var ready []*Step
		for _, name := range level {
			step := g.Step(name)
			if step.Condition != nil && !step.Condition(run) {
				skip := &StepResult{StepName: name, Skipped: true}
				res.StepResults[name] = skip
				res.Skipped = append(res.Skipped, name)
				o.logger.Debugf("saga %s: step %s skipped by condition", sagaID, name)
				continue
			}
			ready = append(ready, step)
		}

		results, order := o.runLevel(ctx, ready, run)

		abort := false
		var abortErr error
		for _, name := range order {
			step := g.Step(name)
			r := results[name]
			res.StepResults[name] = r
			if r.Success {
				run.markCompleted(r)
				res.Successful = append(res.Successful, name)
				continue
			}
			run.markFailed(r)
			res.Failed = append(res.Failed, name)
			if !step.ContinueOnFailure && !abort {
				abort = true
				abortErr = fmt.Errorf("step %q failed: %s", name, r.ErrorMessage)
			}
		}
		if abort {
			o.finishFailed(ctx, g, run, res, span, abortErr)
			return res
		}
	}

	if len(res.Failed) > 0 {
		// Every failure was continue-on-failure; the saga still unwinds.
		o.compensate(ctx, g, run, res)
		res.Status = StatusCompensated
	} else {
		res.Status = StatusCompleted
	}
	o.finish(res, span)
	return res
}

func (o *Orchestrator) finishFailed(ctx context.Context, g *Graph, run *RunContext, res *Result, span trace.Span, err error) {
	res.Err = err
	o.compensate(ctx, g, run, res)
	res.Status = StatusFailed
	span.SetStatus(codes.Error, err.Error())
	o.finish(res, span)
}

func (o *Orchestrator) finish(res *Result, span trace.Span) {
	res.CompletedAt = time.Now().UTC()
	res.Duration = res.CompletedAt.Sub(res.StartedAt)
	span.SetAttributes(
		attribute.String("saga.status", string(res.Status)),
		attribute.Int("saga.successful", len(res.Successful)),
		attribute.Int("saga.failed", len(res.Failed)),
		attribute.Int("saga.skipped", len(res.Skipped)),
	)
	o.logger.Infof("saga %s (%s): %s in %s", res.SagaName, res.SagaID, res.Status, res.Duration)
}

// runLevel executes the ready steps of one level in parallel and waits for
// all of them. The returned order lists the steps as they finished, so that
// compensation can unwind by completion time rather than declaration order.
func (o *Orchestrator) runLevel(ctx context.Context, ready []*Step, run *RunContext) (map[string]*StepResult, []string) {
	results := make(map[string]*StepResult, len(ready))
	if len(ready) == 0 {
		return results, nil
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	order := make([]string, 0, len(ready))
	for _, step := range ready {
		step := step
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := o.executeWithRetry(ctx, step, run)
			mu.Lock()
			results[step.Name] = r
			order = append(order, step.Name)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results, order
}

// executeWithRetry runs one step with its retry policy: technical failures
// retry with exponential backoff, business failures fail immediately.
func (o *Orchestrator) executeWithRetry(ctx context.Context, step *Step, run *RunContext) *StepResult {
	res := &StepResult{StepName: step.Name, StartedAt: time.Now().UTC()}

	ctx, span := o.tracer.Start(ctx, "saga.step."+step.Name)
	defer span.End()

	attempts := step.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := backoffDelay(step.RetryDelay, attempt)
			o.logger.Debugf("saga %s: step %s retry %d/%d after %s",
				run.SagaID, step.Name, attempt, attempts, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				lastErr = ctx.Err()
				break
			}
		}

		res.Attempts = attempt
		value, err := o.runAttempt(ctx, step, run)
		if err == nil {
			res.Success = true
			res.Result = value
			break
		}
		lastErr = err
		if IsBusinessFailure(err) {
			res.IsBusinessFailure = true
			break
		}
		res.IsTechnicalFailure = true
	}

	res.CompletedAt = time.Now().UTC()
	res.Duration = res.CompletedAt.Sub(res.StartedAt)
	if !res.Success {
		res.ErrorMessage = lastErr.Error()
		span.SetStatus(codes.Error, res.ErrorMessage)
		span.SetAttributes(attribute.Bool("saga.step.business_failure", res.IsBusinessFailure))
	}
	span.SetAttributes(attribute.Int("saga.step.attempts", res.Attempts))
	return res
}

// runAttempt bounds a single attempt with the step timeout.
func (o *Orchestrator) runAttempt(ctx context.Context, step *Step, run *RunContext) (value interface{}, err error) {
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("step %q panicked: %v", step.Name, r)
			}
		}()
		value, err = step.Execute(ctx, run)
	}()

	select {
	case <-done:
		return value, err
	case <-ctx.Done():
		// The attempt's goroutine keeps running; its result is discarded.
		return nil, fmt.Errorf("step %q attempt timed out: %w", step.Name, ctx.Err())
	}
}

// compensate unwinds completed steps in reverse completion order.
// res.Successful records steps in the order they finished.
func (o *Orchestrator) compensate(ctx context.Context, g *Graph, run *RunContext, res *Result) {
	// A cancelled saga context must not block compensation.
	ctx = context.WithoutCancel(ctx)

	for i := len(res.Successful) - 1; i >= 0; i-- {
		name := res.Successful[i]
		step := g.Step(name)
		if step.Compensate == nil {
			continue
		}

		cr := &CompensationResult{StepName: name, Time: time.Now().UTC()}
		cctx, span := o.tracer.Start(ctx, "saga.compensate."+name)
		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("compensation for %q panicked: %v", name, r)
				}
			}()
			return step.Compensate(cctx, run, res.StepResults[name])
		}()
		cr.Duration = time.Since(cr.Time)
		if err != nil {
			cr.ErrorMessage = err.Error()
			res.CompensationOK = false
			span.SetStatus(codes.Error, err.Error())
			o.logger.Errorf("saga %s: compensation for %s failed: %v", run.SagaID, name, err)
		} else {
			cr.Success = true
		}
		span.End()
		res.Compensations = append(res.Compensations, cr)
	}
}

func backoffDelay(seed time.Duration, attempt int) time.Duration {
	if seed <= 0 {
		seed = 100 * time.Millisecond
	}
	// The first retry (attempt 2) waits the seed delay, doubling after.
	delay := seed << uint(attempt-2)
	if delay > MaxRetryDelay || delay <= 0 {
		return MaxRetryDelay
	}
	return delay
}
