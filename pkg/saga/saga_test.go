package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/grainflow/grainflow/pkg/core"
)

func okStep(delay time.Duration) ExecuteFunc {
	return func(ctx context.Context, run *RunContext) (interface{}, error) {
		time.Sleep(delay)
		return "ok", nil
	}
}

// recorder collects step and compensation invocations in order.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func diamondDefinition(t *testing.T, rec *recorder, fail map[string]error) *Definition {
	t.Helper()
	step := func(name string, deps ...string) *Step {
		return &Step{
			Name: name,
			Execute: func(ctx context.Context, run *RunContext) (interface{}, error) {
				time.Sleep(5 * time.Millisecond)
				if err := fail[name]; err != nil {
					return nil, err
				}
				rec.add(name)
				return name + "-done", nil
			},
			Compensate: func(ctx context.Context, run *RunContext, original *StepResult) error {
				rec.add("undo-" + name)
				return nil
			},
			DependsOn: deps,
		}
	}
	return NewBuilder("order-fulfillment").
		AddStep(step("A")).
		AddStep(step("B", "A")).
		AddStep(step("C", "A")).
		AddStep(step("D", "B", "C")).
		MustBuild()
}

func TestExecute_DiamondHappyPath(t *testing.T) {
	rec := &recorder{}
	def := diamondDefinition(t, rec, nil)
	g, err := BuildGraph(def)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}

	res := NewOrchestrator(core.NopLogger{}).Execute(context.Background(), g, Options{})

	if res.Status != StatusCompleted {
		t.Fatalf("Status = %s, want Completed (err: %v)", res.Status, res.Err)
	}
	if len(res.Successful) != 4 {
		t.Fatalf("Successful = %v, want 4 steps", res.Successful)
	}
	if res.Successful[0] != "A" || res.Successful[3] != "D" {
		t.Errorf("Completion order = %v, want A first and D last", res.Successful)
	}
	if len(res.Compensations) != 0 {
		t.Errorf("Unexpected compensations: %+v", res.Compensations)
	}

	// The level barrier: B and C start only after A completes, D only
	// after both B and C complete.
	a, b, c, d := res.StepResults["A"], res.StepResults["B"], res.StepResults["C"], res.StepResults["D"]
	if b.StartedAt.Before(a.CompletedAt) || c.StartedAt.Before(a.CompletedAt) {
		t.Errorf("B/C started before A completed: A done %v, B %v, C %v",
			a.CompletedAt, b.StartedAt, c.StartedAt)
	}
	barrier := b.CompletedAt
	if c.CompletedAt.After(barrier) {
		barrier = c.CompletedAt
	}
	if d.StartedAt.Before(barrier) {
		t.Errorf("D started %v before B and C completed %v", d.StartedAt, barrier)
	}
}

func TestExecute_BusinessFailureCompensatesInReverse(t *testing.T) {
	rec := &recorder{}
	def := diamondDefinition(t, rec, map[string]error{
		"C": BusinessFailure("card declined for order %s", "ord-9"),
	})
	g, err := BuildGraph(def)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}

	res := NewOrchestrator(core.NopLogger{}).Execute(context.Background(), g, Options{})

	if res.Status != StatusFailed {
		t.Fatalf("Status = %s, want Failed", res.Status)
	}
	if len(res.Failed) != 1 || res.Failed[0] != "C" {
		t.Errorf("Failed = %v, want [C]", res.Failed)
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "card declined") {
		t.Errorf("Err = %v, want the step failure", res.Err)
	}

	cr := res.StepResults["C"]
	if !cr.IsBusinessFailure || cr.Attempts != 1 {
		t.Errorf("C result = %+v, want business failure after 1 attempt", cr)
	}
	if _, ran := res.StepResults["D"]; ran {
		t.Error("D must not execute after C failed")
	}

	// Completed steps unwind in reverse completion order.
	var undone []string
	for _, c := range res.Compensations {
		if !c.Success {
			t.Errorf("Compensation for %s failed: %s", c.StepName, c.ErrorMessage)
		}
		undone = append(undone, c.StepName)
	}
	if len(undone) != 2 || undone[0] != "B" || undone[1] != "A" {
		t.Errorf("Compensation order = %v, want [B A]", undone)
	}
	if !res.CompensationOK {
		t.Error("CompensationOK should be true")
	}
}

func TestExecute_TechnicalFailureRetries(t *testing.T) {
	var calls int
	var mu sync.Mutex
	def := NewBuilder("flaky").
		Step("fetch").
		Execute(func(ctx context.Context, run *RunContext) (interface{}, error) {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if n < 3 {
				return nil, errors.New("connection reset")
			}
			return n, nil
		}).
		WithRetry(3, time.Millisecond).
		Add().
		MustBuild()

	g, err := BuildGraph(def)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	res := NewOrchestrator(core.NopLogger{}).Execute(context.Background(), g, Options{})

	if res.Status != StatusCompleted {
		t.Fatalf("Status = %s, want Completed (err: %v)", res.Status, res.Err)
	}
	sr := res.StepResults["fetch"]
	if sr.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", sr.Attempts)
	}
	if sr.Result != 3 {
		t.Errorf("Result = %v, want 3", sr.Result)
	}
}

func TestExecute_RetryBudgetExhausted(t *testing.T) {
	def := NewBuilder("down").
		Step("fetch").
		Execute(func(ctx context.Context, run *RunContext) (interface{}, error) {
			return nil, errors.New("connection reset")
		}).
		WithRetry(2, time.Millisecond).
		Add().
		MustBuild()

	g, _ := BuildGraph(def)
	res := NewOrchestrator(core.NopLogger{}).Execute(context.Background(), g, Options{})

	if res.Status != StatusFailed {
		t.Fatalf("Status = %s, want Failed", res.Status)
	}
	sr := res.StepResults["fetch"]
	if sr.Attempts != 2 || !sr.IsTechnicalFailure {
		t.Errorf("fetch result = %+v, want 2 technical attempts", sr)
	}
}

func TestExecute_ConditionSkipsStep(t *testing.T) {
	rec := &recorder{}
	def := NewBuilder("conditional").
		Step("reserve").
		Execute(func(ctx context.Context, run *RunContext) (interface{}, error) {
			run.Set("premium", false)
			rec.add("reserve")
			return nil, nil
		}).
		Add().
		Step("gift-wrap").
		DependsOn("reserve").
		When(func(run *RunContext) bool {
			v, _ := run.Get("premium")
			return v == true
		}).
		Execute(okStep(0)).
		Add().
		Step("ship").
		DependsOn("gift-wrap").
		Execute(func(ctx context.Context, run *RunContext) (interface{}, error) {
			rec.add("ship")
			return nil, nil
		}).
		Add().
		MustBuild()

	g, err := BuildGraph(def)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	res := NewOrchestrator(core.NopLogger{}).Execute(context.Background(), g, Options{})

	if res.Status != StatusCompleted {
		t.Fatalf("Status = %s, want Completed (err: %v)", res.Status, res.Err)
	}
	if len(res.Skipped) != 1 || res.Skipped[0] != "gift-wrap" {
		t.Errorf("Skipped = %v, want [gift-wrap]", res.Skipped)
	}
	if !res.StepResults["gift-wrap"].Skipped {
		t.Error("gift-wrap result should be marked skipped")
	}
	// A skipped step does not block its dependents.
	got := rec.list()
	if len(got) != 2 || got[1] != "ship" {
		t.Errorf("Calls = %v, want [reserve ship]", got)
	}
}

func TestExecute_AttemptTimeout(t *testing.T) {
	def := NewBuilder("slow").
		Step("charge").
		Execute(func(ctx context.Context, run *RunContext) (interface{}, error) {
			select {
			case <-time.After(time.Second):
				return "late", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}).
		WithTimeout(20 * time.Millisecond).
		Add().
		MustBuild()

	g, _ := BuildGraph(def)
	start := time.Now()
	res := NewOrchestrator(core.NopLogger{}).Execute(context.Background(), g, Options{})

	if res.Status != StatusFailed {
		t.Fatalf("Status = %s, want Failed", res.Status)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Timeout took %v, should abort the attempt early", elapsed)
	}
	if msg := res.StepResults["charge"].ErrorMessage; !strings.Contains(msg, "timed out") {
		t.Errorf("ErrorMessage = %q, want attempt timeout", msg)
	}
}

func TestExecute_ContinueOnFailureCompensates(t *testing.T) {
	rec := &recorder{}
	def := NewBuilder("notify").
		Step("persist").
		Execute(func(ctx context.Context, run *RunContext) (interface{}, error) {
			return nil, nil
		}).
		Compensate(func(ctx context.Context, run *RunContext, original *StepResult) error {
			rec.add("undo-persist")
			return nil
		}).
		Add().
		Step("email").
		DependsOn("persist").
		ContinueOnFailure().
		Execute(func(ctx context.Context, run *RunContext) (interface{}, error) {
			return nil, errors.New("smtp unreachable")
		}).
		Add().
		Step("audit").
		DependsOn("persist").
		Execute(okStep(0)).
		Add().
		MustBuild()

	g, _ := BuildGraph(def)
	res := NewOrchestrator(core.NopLogger{}).Execute(context.Background(), g, Options{})

	if res.Status != StatusCompensated {
		t.Fatalf("Status = %s, want Compensated", res.Status)
	}
	if len(res.Failed) != 1 || res.Failed[0] != "email" {
		t.Errorf("Failed = %v, want [email]", res.Failed)
	}
	if len(res.Successful) != 2 {
		t.Errorf("Successful = %v, want persist and audit", res.Successful)
	}
	if got := rec.list(); len(got) != 1 || got[0] != "undo-persist" {
		t.Errorf("Compensations ran = %v, want [undo-persist]", got)
	}
}

func TestExecute_PanicIsTechnicalFailure(t *testing.T) {
	def := NewBuilder("panicky").
		Step("boom").
		Execute(func(ctx context.Context, run *RunContext) (interface{}, error) {
			panic("nil map write")
		}).
		Add().
		MustBuild()

	g, _ := BuildGraph(def)
	res := NewOrchestrator(core.NopLogger{}).Execute(context.Background(), g, Options{})

	if res.Status != StatusFailed {
		t.Fatalf("Status = %s, want Failed", res.Status)
	}
	if msg := res.StepResults["boom"].ErrorMessage; !strings.Contains(msg, "panicked") {
		t.Errorf("ErrorMessage = %q, want panic capture", msg)
	}
}

func TestExecute_FailedCompensationFlagged(t *testing.T) {
	def := NewBuilder("sticky").
		Step("reserve").
		Execute(okStep(0)).
		Compensate(func(ctx context.Context, run *RunContext, original *StepResult) error {
			return errors.New("release rejected")
		}).
		Add().
		Step("charge").
		DependsOn("reserve").
		Execute(func(ctx context.Context, run *RunContext) (interface{}, error) {
			return nil, BusinessFailure("insufficient funds")
		}).
		Add().
		MustBuild()

	g, _ := BuildGraph(def)
	res := NewOrchestrator(core.NopLogger{}).Execute(context.Background(), g, Options{})

	if res.Status != StatusFailed {
		t.Fatalf("Status = %s, want Failed", res.Status)
	}
	if res.CompensationOK {
		t.Error("CompensationOK should be false when a compensation errors")
	}
	if len(res.Compensations) != 1 || res.Compensations[0].Success {
		t.Errorf("Compensations = %+v, want one failed entry", res.Compensations)
	}
}

func TestRunContext_SharedData(t *testing.T) {
	def := NewBuilder("handoff").
		Step("produce").
		Execute(func(ctx context.Context, run *RunContext) (interface{}, error) {
			run.Set("invoice", "inv-77")
			return "inv-77", nil
		}).
		Add().
		Step("consume").
		DependsOn("produce").
		Execute(func(ctx context.Context, run *RunContext) (interface{}, error) {
			v, ok := run.Get("invoice")
			if !ok || v != "inv-77" {
				return nil, fmt.Errorf("invoice not propagated: %v", v)
			}
			prior := run.Completed("produce")
			if prior == nil || prior.Result != "inv-77" {
				return nil, fmt.Errorf("prior result not visible: %+v", prior)
			}
			return nil, nil
		}).
		Add().
		MustBuild()

	g, _ := BuildGraph(def)
	res := NewOrchestrator(core.NopLogger{}).Execute(context.Background(), g, Options{})
	if res.Status != StatusCompleted {
		t.Fatalf("Status = %s, want Completed (err: %v)", res.Status, res.Err)
	}
}

func TestBuildGraph_LevelsAndStats(t *testing.T) {
	rec := &recorder{}
	g, err := BuildGraph(diamondDefinition(t, rec, nil))
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}

	want := [][]string{{"A"}, {"B", "C"}, {"D"}}
	if len(g.Levels) != len(want) {
		t.Fatalf("Levels = %v, want %v", g.Levels, want)
	}
	for i, level := range want {
		if len(g.Levels[i]) != len(level) {
			t.Fatalf("Level %d = %v, want %v", i, g.Levels[i], level)
		}
		for j, name := range level {
			if g.Levels[i][j] != name {
				t.Errorf("Level %d = %v, want %v", i, g.Levels[i], level)
			}
		}
	}

	if g.Stats.StepCount != 4 || g.Stats.EdgeCount != 4 {
		t.Errorf("Stats steps/edges = %d/%d, want 4/4", g.Stats.StepCount, g.Stats.EdgeCount)
	}
	if g.Stats.CriticalPath != 3 || g.Stats.MaxParallelism != 2 {
		t.Errorf("Stats path/width = %d/%d, want 3/2", g.Stats.CriticalPath, g.Stats.MaxParallelism)
	}
	if g.Stats.Complexity != 11 {
		t.Errorf("Complexity = %d, want 11", g.Stats.Complexity)
	}
}

func TestBuildGraph_Errors(t *testing.T) {
	noop := okStep(0)

	_, err := BuildGraph(&Definition{Name: "bad", Steps: []*Step{
		{Name: "A", Execute: noop, DependsOn: []string{"missing"}},
	}})
	if err == nil || !strings.Contains(err.Error(), "unknown step") {
		t.Errorf("Unknown dependency error = %v", err)
	}

	_, err = BuildGraph(&Definition{Name: "bad", Steps: []*Step{
		{Name: "A", Execute: noop, DependsOn: []string{"A"}},
	}})
	if err == nil || !strings.Contains(err.Error(), "depends on itself") {
		t.Errorf("Self dependency error = %v", err)
	}

	_, err = BuildGraph(&Definition{Name: "bad", Steps: []*Step{
		{Name: "A", Execute: noop, DependsOn: []string{"B"}},
		{Name: "B", Execute: noop, DependsOn: []string{"A"}},
	}})
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Errorf("Cycle error = %v", err)
	}
}

func TestBuildGraph_OrphanWarning(t *testing.T) {
	noop := okStep(0)
	g, err := BuildGraph(&Definition{Name: "loose", Steps: []*Step{
		{Name: "A", Execute: noop},
		{Name: "B", Execute: noop, DependsOn: []string{"A"}},
		{Name: "lonely", Execute: noop},
	}})
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	if len(g.Warnings) != 1 || !strings.Contains(g.Warnings[0], "lonely") {
		t.Errorf("Warnings = %v, want one about the orphan", g.Warnings)
	}
}

func TestBuilder_Validation(t *testing.T) {
	if _, err := NewBuilder("").Build(); err == nil {
		t.Error("Empty name should fail")
	}
	if _, err := NewBuilder("empty").Build(); err == nil {
		t.Error("No steps should fail")
	}
	if _, err := NewBuilder("nofn").Step("A").Add().Build(); err == nil {
		t.Error("Step without Execute should fail")
	}
	_, err := NewBuilder("dup").
		Step("A").Execute(okStep(0)).Add().
		Step("A").Execute(okStep(0)).Add().
		Build()
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("Duplicate step error = %v", err)
	}
}

func TestBusinessFailure_Detection(t *testing.T) {
	err := BusinessFailure("order %s rejected", "ord-1")
	if !IsBusinessFailure(err) {
		t.Error("BusinessFailure not detected")
	}
	if !IsBusinessFailure(fmt.Errorf("charge: %w", err)) {
		t.Error("Wrapped business failure not detected")
	}
	if IsBusinessFailure(errors.New("io timeout")) {
		t.Error("Plain error misclassified as business failure")
	}
}

func TestBackoffDelay(t *testing.T) {
	if got := backoffDelay(100*time.Millisecond, 2); got != 100*time.Millisecond {
		t.Errorf("First retry delay = %v, want 100ms", got)
	}
	if got := backoffDelay(100*time.Millisecond, 4); got != 400*time.Millisecond {
		t.Errorf("Third retry delay = %v, want 400ms", got)
	}
	if got := backoffDelay(time.Second, 20); got != MaxRetryDelay {
		t.Errorf("Delay should cap at %v, got %v", MaxRetryDelay, got)
	}
	if got := backoffDelay(0, 2); got != 100*time.Millisecond {
		t.Errorf("Zero seed should default to 100ms, got %v", got)
	}
}

func TestExecute_CompensationFollowsCompletionOrder(t *testing.T) {
	rec := &recorder{}
	step := func(name string, delay time.Duration) *Step {
		return &Step{
			Name: name,
			Execute: func(ctx context.Context, run *RunContext) (interface{}, error) {
				time.Sleep(delay)
				return name + "-done", nil
			},
			Compensate: func(ctx context.Context, run *RunContext, original *StepResult) error {
				rec.add("undo-" + name)
				return nil
			},
		}
	}
	def := NewBuilder("shipping").
		AddStep(step("allocate", 80*time.Millisecond)).
		AddStep(step("zone-check", 5*time.Millisecond)).
		AddStep(&Step{
			Name:      "dispatch",
			DependsOn: []string{"allocate", "zone-check"},
			Execute: func(ctx context.Context, run *RunContext) (interface{}, error) {
				return nil, BusinessFailure("no carrier available")
			},
		}).
		MustBuild()
	g, err := BuildGraph(def)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}

	res := NewOrchestrator(core.NopLogger{}).Execute(context.Background(), g, Options{})

	if res.Status != StatusFailed {
		t.Fatalf("Status = %s, want Failed", res.Status)
	}
	// zone-check finishes long before allocate even though allocate comes
	// first in declaration order.
	if len(res.Successful) != 2 || res.Successful[0] != "zone-check" || res.Successful[1] != "allocate" {
		t.Fatalf("Successful = %v, want completion order [zone-check allocate]", res.Successful)
	}
	// The last step to complete unwinds first.
	if got := rec.list(); len(got) != 2 || got[0] != "undo-allocate" || got[1] != "undo-zone-check" {
		t.Errorf("Compensation order = %v, want [undo-allocate undo-zone-check]", got)
	}
}
