// Package batch fans one trigger workload out to many entities with bounded
// parallelism. Items are isolated: one entity's failure never corrupts
// another's, and the aggregate result accounts for every submitted request.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/grainflow/grainflow/pkg/actor"
	"github.com/grainflow/grainflow/pkg/concurrency"
	"github.com/grainflow/grainflow/pkg/core"
	"github.com/grainflow/grainflow/pkg/machine"
)

// Request is one trigger dispatch against one entity.
type Request struct {
	EntityID      string
	Trigger       string
	Args          []interface{}
	CorrelationID string
	Metadata      map[string]string

	// Priority orders scheduling when Options.OrderByPriority is set;
	// higher runs first.
	Priority int
}

// Options tunes one batch run.
type Options struct {
	// MaxParallelism bounds concurrent dispatches (minimum 1).
	MaxParallelism int

	// StopOnFirstFailure stops scheduling new items after the first
	// failure; in-flight items finish, unscheduled items are skipped.
	StopOnFirstFailure bool

	// Timeout is the hard deadline for the whole batch. Items still
	// waiting for a slot when it passes are skipped; in-flight items run
	// to their per-op timeout.
	Timeout time.Duration

	// PerOpTimeout bounds a single dispatch attempt.
	PerOpTimeout time.Duration

	// RetryCount is the total attempt budget per item (minimum 1).
	// Deterministic rejections (guard, no transition, bad args) never
	// retry.
	RetryCount int

	// RetryDelay is the wait between attempts; ExponentialBackoff doubles
	// it per retry.
	RetryDelay         time.Duration
	ExponentialBackoff bool

	// OrderByPriority schedules higher-priority requests first.
	OrderByPriority bool
}

// DefaultOptions returns the baseline batch options.
func DefaultOptions() Options {
	return Options{
		MaxParallelism: 4,
		RetryCount:     1,
		RetryDelay:     100 * time.Millisecond,
	}
}

func (o Options) normalize() Options {
	if o.MaxParallelism < 1 {
		o.MaxParallelism = 1
	}
	if o.RetryCount < 1 {
		o.RetryCount = 1
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 100 * time.Millisecond
	}
	return o
}

// ItemResult is one request's outcome. BatchIndex is the position in the
// submitted slice regardless of scheduling order.
type ItemResult struct {
	EntityID      string        `json:"entityId"`
	Success       bool          `json:"success"`
	Skipped       bool          `json:"skipped,omitempty"`
	From          string        `json:"from,omitempty"`
	To            string        `json:"to,omitempty"`
	ErrorMessage  string        `json:"errorMessage,omitempty"`
	ErrorType     string        `json:"errorType,omitempty"`
	Attempts      int           `json:"attempts"`
	Duration      time.Duration `json:"duration"`
	CorrelationID string        `json:"correlationId,omitempty"`
	BatchIndex    int           `json:"batchIndex"`
}

// Result aggregates a batch run. SuccessCount+FailureCount+SkippedCount
// always equals Total.
type Result struct {
	BatchID      string
	Total        int
	SuccessCount int
	FailureCount int
	SkippedCount int
	SuccessRate  float64
	StartedAt    time.Time
	CompletedAt  time.Time
	Duration     time.Duration

	// Items is in submission order.
	Items []*ItemResult
}

// Dispatcher executes batches against entities resolved through the host.
// It is stateless and safe for concurrent use.
type Dispatcher struct {
	resolver actor.EntityResolver
	logger   core.Logger
}

// New creates a dispatcher. A nil logger falls back to the default logger.
func New(resolver actor.EntityResolver, logger core.Logger) *Dispatcher {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &Dispatcher{resolver: resolver, logger: logger}
}

// Execute runs every request against entities of the given type and waits
// for the batch to settle. The returned Result is always non-nil and covers
// every submitted request.
func (d *Dispatcher) Execute(ctx context.Context, entityType string, reqs []Request, opts Options) *Result {
	opts = opts.normalize()
	res := &Result{
		BatchID:   uuid.New().String(),
		Total:     len(reqs),
		StartedAt: time.Now().UTC(),
		Items:     make([]*ItemResult, len(reqs)),
	}
	if len(reqs) == 0 {
		res.CompletedAt = res.StartedAt
		return res
	}

	// Scheduling order may differ from submission order; BatchIndex keeps
	// the original position.
	order := make([]int, len(reqs))
	for i := range order {
		order[i] = i
	}
	if opts.OrderByPriority {
		sort.SliceStable(order, func(a, b int) bool {
			return reqs[order[a]].Priority > reqs[order[b]].Priority
		})
	}

	// The batch deadline gates scheduling only; in-flight items keep the
	// caller's context plus their per-op timeout.
	schedCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		schedCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	sem := concurrency.NewSemaphore(opts.MaxParallelism)
	defer sem.Close()

	d.logger.Infof("batch %s: dispatching %d requests, parallelism %d",
		res.BatchID, len(reqs), opts.MaxParallelism)

	var stopped atomic.Bool
	var wg sync.WaitGroup
	for _, idx := range order {
		req := reqs[idx]
		if stopped.Load() {
			res.Items[idx] = skippedItem(req, idx, "batch stopped after earlier failure")
			continue
		}
		if err := sem.Acquire(schedCtx); err != nil {
			res.Items[idx] = skippedItem(req, idx, "batch deadline passed before scheduling")
			continue
		}

		wg.Add(1)
		go func(req Request, idx int) {
			defer wg.Done()
			defer sem.Release()
			item := d.runOne(ctx, entityType, req, idx, opts)
			res.Items[idx] = item
			if !item.Success && opts.StopOnFirstFailure {
				stopped.Store(true)
			}
		}(req, idx)
	}
	wg.Wait()

	for _, item := range res.Items {
		switch {
		case item.Success:
			res.SuccessCount++
		case item.Skipped:
			res.SkippedCount++
		default:
			res.FailureCount++
		}
	}
	res.SuccessRate = float64(res.SuccessCount) / float64(res.Total)
	res.CompletedAt = time.Now().UTC()
	res.Duration = res.CompletedAt.Sub(res.StartedAt)
	d.logger.Infof("batch %s: %d ok, %d failed, %d skipped in %s",
		res.BatchID, res.SuccessCount, res.FailureCount, res.SkippedCount, res.Duration)
	return res
}

// runOne dispatches a single request with the per-item retry policy.
func (d *Dispatcher) runOne(ctx context.Context, entityType string, req Request, idx int, opts Options) *ItemResult {
	item := &ItemResult{
		EntityID:      req.EntityID,
		CorrelationID: req.CorrelationID,
		BatchIndex:    idx,
	}
	start := time.Now()
	defer func() { item.Duration = time.Since(start) }()

	var lastErr error
	for attempt := 1; attempt <= opts.RetryCount; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(retryDelay(opts, attempt)):
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				lastErr = ctx.Err()
				break
			}
		}
		item.Attempts = attempt

		err := d.attempt(ctx, entityType, req, opts, item)
		if err == nil {
			item.Success = true
			return item
		}
		lastErr = err
		if isDeterministic(err) {
			break
		}
	}

	item.ErrorMessage = lastErr.Error()
	item.ErrorType = errorType(lastErr)
	d.logger.Warnf("batch item %d (entity %s): %s after %d attempts: %v",
		idx, req.EntityID, req.Trigger, item.Attempts, lastErr)
	return item
}

func (d *Dispatcher) attempt(ctx context.Context, entityType string, req Request, opts Options, item *ItemResult) error {
	if opts.PerOpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.PerOpTimeout)
		defer cancel()
	}

	a, err := d.resolver.Resolve(ctx, entityType, req.EntityID)
	if err != nil {
		return fmt.Errorf("resolve entity %q: %w", req.EntityID, err)
	}
	if req.CorrelationID != "" {
		a.SetCorrelation(req.CorrelationID)
	}
	if req.Metadata != nil {
		a.SetMetadata(req.Metadata)
	}

	item.From = a.CurrentState()
	if err := a.Fire(ctx, req.Trigger, req.Args...); err != nil {
		return err
	}
	item.To = a.CurrentState()
	return nil
}

func skippedItem(req Request, idx int, reason string) *ItemResult {
	return &ItemResult{
		EntityID:      req.EntityID,
		Skipped:       true,
		ErrorMessage:  reason,
		CorrelationID: req.CorrelationID,
		BatchIndex:    idx,
	}
}

// isDeterministic reports whether the error would recur on retry: guard
// rejections, missing transitions, and argument errors are properties of
// the request, not the environment.
func isDeterministic(err error) bool {
	return machine.IsGuardRejected(err) || machine.IsNoTransition(err) || machine.IsBadArgs(err)
}

func errorType(err error) string {
	var merr *machine.Error
	if errors.As(err, &merr) {
		return merr.Code.String()
	}
	var cerr *core.Error
	if errors.As(err, &cerr) {
		return cerr.Code
	}
	return fmt.Sprintf("%T", err)
}

func retryDelay(opts Options, attempt int) time.Duration {
	if !opts.ExponentialBackoff {
		return opts.RetryDelay
	}
	delay := opts.RetryDelay << uint(attempt-2)
	if delay <= 0 || delay > 30*time.Second {
		return 30 * time.Second
	}
	return delay
}
