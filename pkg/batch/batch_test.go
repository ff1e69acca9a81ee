package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/grainflow/grainflow/pkg/actor"
	"github.com/grainflow/grainflow/pkg/core"
	"github.com/grainflow/grainflow/pkg/eventlog"
	"github.com/grainflow/grainflow/pkg/machine"
)

func jobDefinition(t *testing.T) *machine.Definition {
	t.Helper()
	b := machine.NewBuilder("job", machine.MustParseVersion("1.0.0"))
	b.InitialState("Queued")
	b.Configure("Queued").Permit("Start", "Running")
	b.Configure("Running").Permit("Finish", "Done")
	b.Configure("Done")
	return b.MustBuild()
}

// newFleet activates n job entities behind a resolver and returns their ids.
func newFleet(t *testing.T, n int) (*actor.MemoryResolver, []string) {
	t.Helper()
	def := jobDefinition(t)
	resolver := actor.NewMemoryResolver()
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("job-%d", i)
		a, err := actor.New(actor.Config{
			EntityID:   id,
			Definition: def,
			Store:      eventlog.NewMemoryStore(),
			Logger:     core.NopLogger{},
			Options:    actor.DefaultOptions(),
		})
		if err != nil {
			t.Fatalf("New adapter failed: %v", err)
		}
		if err := a.Activate(context.Background()); err != nil {
			t.Fatalf("Activate failed: %v", err)
		}
		resolver.Register("job", id, a)
		ids[i] = id
	}
	return resolver, ids
}

func TestExecute_AllSucceed(t *testing.T) {
	resolver, ids := newFleet(t, 6)
	reqs := make([]Request, len(ids))
	for i, id := range ids {
		reqs[i] = Request{EntityID: id, Trigger: "Start", CorrelationID: "batch-c1"}
	}

	res := New(resolver, core.NopLogger{}).Execute(context.Background(), "job", reqs, Options{MaxParallelism: 3})

	if res.SuccessCount != 6 || res.FailureCount != 0 || res.SkippedCount != 0 {
		t.Fatalf("Counts = %d/%d/%d, want 6/0/0", res.SuccessCount, res.FailureCount, res.SkippedCount)
	}
	if res.SuccessRate != 1.0 {
		t.Errorf("SuccessRate = %v, want 1.0", res.SuccessRate)
	}
	for i, item := range res.Items {
		if item.BatchIndex != i {
			t.Errorf("Item %d has BatchIndex %d", i, item.BatchIndex)
		}
		if item.From != "Queued" || item.To != "Running" {
			t.Errorf("Item %d transition = %s -> %s", i, item.From, item.To)
		}
		if item.CorrelationID != "batch-c1" {
			t.Errorf("Item %d correlation = %q", i, item.CorrelationID)
		}
	}
}

func TestExecute_StopOnFirstFailure(t *testing.T) {
	resolver, ids := newFleet(t, 10)
	reqs := make([]Request, len(ids))
	for i, id := range ids {
		trigger := "Start"
		if i == 4 {
			// Finish is not permitted from Queued; a deterministic failure.
			trigger = "Finish"
		}
		reqs[i] = Request{EntityID: id, Trigger: trigger}
	}

	res := New(resolver, core.NopLogger{}).Execute(context.Background(), "job", reqs, Options{
		MaxParallelism:     1, // serial so the stop point is deterministic
		StopOnFirstFailure: true,
	})

	if res.SuccessCount+res.FailureCount+res.SkippedCount != res.Total {
		t.Fatalf("Counts %d+%d+%d != total %d",
			res.SuccessCount, res.FailureCount, res.SkippedCount, res.Total)
	}
	if res.FailureCount != 1 {
		t.Errorf("FailureCount = %d, want 1", res.FailureCount)
	}
	if res.SuccessCount != 4 || res.SkippedCount != 5 {
		t.Errorf("Success/Skipped = %d/%d, want 4/5", res.SuccessCount, res.SkippedCount)
	}

	failed := res.Items[4]
	if failed.Success || failed.Skipped {
		t.Fatalf("Item 4 should have failed: %+v", failed)
	}
	if failed.ErrorType != machine.ErrCodeNoTransition.String() {
		t.Errorf("Item 4 ErrorType = %q", failed.ErrorType)
	}
	if failed.Attempts != 1 {
		t.Errorf("Deterministic failure retried: %d attempts", failed.Attempts)
	}
	for i := 5; i < 10; i++ {
		if !res.Items[i].Skipped {
			t.Errorf("Item %d should be skipped: %+v", i, res.Items[i])
		}
		if res.Items[i].BatchIndex != i {
			t.Errorf("Item %d has BatchIndex %d", i, res.Items[i].BatchIndex)
		}
	}
}

func TestExecute_ParallelismBound(t *testing.T) {
	resolver, ids := newFleet(t, 9)

	var mu sync.Mutex
	inFlight, peak := 0, 0
	slow := &gateResolver{inner: resolver, enter: func() {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
	}}

	reqs := make([]Request, len(ids))
	for i, id := range ids {
		reqs[i] = Request{EntityID: id, Trigger: "Start"}
	}
	res := New(slow, core.NopLogger{}).Execute(context.Background(), "job", reqs, Options{MaxParallelism: 3})

	if res.SuccessCount != 9 {
		t.Fatalf("SuccessCount = %d, want 9", res.SuccessCount)
	}
	mu.Lock()
	defer mu.Unlock()
	if peak > 3 {
		t.Errorf("Observed %d concurrent dispatches, limit 3", peak)
	}
}

func TestExecute_PriorityOrdering(t *testing.T) {
	resolver, ids := newFleet(t, 4)

	var mu sync.Mutex
	var started []string
	rec := &gateResolver{inner: resolver, observe: func(id string) {
		mu.Lock()
		started = append(started, id)
		mu.Unlock()
	}}

	reqs := []Request{
		{EntityID: ids[0], Trigger: "Start", Priority: 1},
		{EntityID: ids[1], Trigger: "Start", Priority: 9},
		{EntityID: ids[2], Trigger: "Start", Priority: 5},
		{EntityID: ids[3], Trigger: "Start", Priority: 9},
	}
	res := New(rec, core.NopLogger{}).Execute(context.Background(), "job", reqs, Options{
		MaxParallelism:  1,
		OrderByPriority: true,
	})

	if res.SuccessCount != 4 {
		t.Fatalf("SuccessCount = %d, want 4", res.SuccessCount)
	}
	want := []string{ids[1], ids[3], ids[2], ids[0]} // descending priority, stable
	mu.Lock()
	defer mu.Unlock()
	for i, id := range want {
		if started[i] != id {
			t.Fatalf("Start order = %v, want %v", started, want)
		}
	}
	// Results stay in submission order regardless of scheduling.
	for i, item := range res.Items {
		if item.EntityID != ids[i] {
			t.Errorf("Item %d is %s, want %s", i, item.EntityID, ids[i])
		}
	}
}

func TestExecute_DeadlineSkipsUnscheduled(t *testing.T) {
	resolver, ids := newFleet(t, 5)
	slow := &gateResolver{inner: resolver, enter: func() { time.Sleep(40 * time.Millisecond) }}

	reqs := make([]Request, len(ids))
	for i, id := range ids {
		reqs[i] = Request{EntityID: id, Trigger: "Start"}
	}
	res := New(slow, core.NopLogger{}).Execute(context.Background(), "job", reqs, Options{
		MaxParallelism: 1,
		Timeout:        60 * time.Millisecond,
	})

	if res.SkippedCount == 0 {
		t.Error("Deadline should skip still-waiting items")
	}
	if res.SuccessCount == 0 {
		t.Error("Items scheduled before the deadline should complete")
	}
	if res.SuccessCount+res.FailureCount+res.SkippedCount != res.Total {
		t.Errorf("Counts %d+%d+%d != total %d",
			res.SuccessCount, res.FailureCount, res.SkippedCount, res.Total)
	}
}

func TestExecute_TechnicalFailureRetries(t *testing.T) {
	resolver, ids := newFleet(t, 1)
	flaky := &gateResolver{inner: resolver, failFirst: 2}

	res := New(flaky, core.NopLogger{}).Execute(context.Background(), "job",
		[]Request{{EntityID: ids[0], Trigger: "Start"}},
		Options{RetryCount: 3, RetryDelay: time.Millisecond})

	if res.SuccessCount != 1 {
		t.Fatalf("SuccessCount = %d, want 1 after retries (item: %+v)", res.SuccessCount, res.Items[0])
	}
	if res.Items[0].Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", res.Items[0].Attempts)
	}
}

func TestExecute_MetadataStamped(t *testing.T) {
	def := jobDefinition(t)
	store := eventlog.NewMemoryStore()
	a, err := actor.New(actor.Config{
		EntityID:   "job-0",
		Definition: def,
		Store:      store,
		Logger:     core.NopLogger{},
		Options:    actor.DefaultOptions(),
	})
	if err != nil {
		t.Fatalf("New adapter failed: %v", err)
	}
	if err := a.Activate(context.Background()); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	resolver := actor.NewMemoryResolver()
	resolver.Register("job", "job-0", a)

	res := New(resolver, core.NopLogger{}).Execute(context.Background(), "job",
		[]Request{{EntityID: "job-0", Trigger: "Start", Metadata: map[string]string{"source": "import"}}},
		DefaultOptions())
	if res.SuccessCount != 1 {
		t.Fatalf("SuccessCount = %d, want 1", res.SuccessCount)
	}

	events, err := store.Read(context.Background(), "job-0", 0)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(events) != 1 || events[0].Metadata["source"] != "import" {
		t.Errorf("Metadata not stamped on event: %+v", events)
	}
}

func TestExecute_EmptyBatch(t *testing.T) {
	resolver, _ := newFleet(t, 0)
	res := New(resolver, core.NopLogger{}).Execute(context.Background(), "job", nil, DefaultOptions())
	if res.Total != 0 || len(res.Items) != 0 {
		t.Errorf("Empty batch result = %+v", res)
	}
}

// gateResolver wraps a resolver to slow down, observe, or fail resolution.
type gateResolver struct {
	inner   actor.EntityResolver
	enter   func()
	observe func(entityID string)

	mu        sync.Mutex
	failFirst int
}

func (g *gateResolver) Resolve(ctx context.Context, entityType, entityID string) (*actor.Adapter, error) {
	if g.enter != nil {
		g.enter()
	}
	if g.observe != nil {
		g.observe(entityID)
	}
	g.mu.Lock()
	fail := g.failFirst > 0
	if fail {
		g.failFirst--
	}
	g.mu.Unlock()
	if fail {
		return nil, errors.New("placement lookup unavailable")
	}
	return g.inner.Resolve(ctx, entityType, entityID)
}
