package actor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/grainflow/grainflow/pkg/core"
	"github.com/grainflow/grainflow/pkg/eventlog"
	"github.com/grainflow/grainflow/pkg/machine"
	"github.com/grainflow/grainflow/pkg/stream"
)

func orderDefinition(t *testing.T) *machine.Definition {
	t.Helper()
	b := machine.NewBuilder("order", machine.MustParseVersion("1.0.0"))
	b.InitialState("Created")
	b.Configure("Created").Permit("Submit", "PaymentPending")
	b.Configure("PaymentPending").Permit("Pay", "Paid")
	b.Configure("Paid").Permit("Ship", "Shipped")
	b.Configure("Shipped").Permit("Deliver", "Completed")
	b.Configure("Completed")
	return b.MustBuild()
}

func newTestAdapter(t *testing.T, def *machine.Definition, store eventlog.Store, opts Options) *Adapter {
	t.Helper()
	a, err := New(Config{
		EntityID:   "order-1",
		Definition: def,
		Store:      store,
		Logger:     core.NopLogger{},
		Options:    opts,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return a
}

func TestAdapter_OrderHappyPath(t *testing.T) {
	ctx := context.Background()
	store := eventlog.NewMemoryStore()
	a := newTestAdapter(t, orderDefinition(t), store, DefaultOptions())

	if err := a.Activate(ctx); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	for _, trigger := range []string{"Submit", "Pay", "Ship", "Deliver"} {
		if err := a.Fire(ctx, trigger); err != nil {
			t.Fatalf("Fire(%s) failed: %v", trigger, err)
		}
	}

	if got := a.CurrentState(); got != "Completed" {
		t.Errorf("Expected state Completed, got %q", got)
	}
	info := a.Info()
	if info.TransitionCount != 4 {
		t.Errorf("Expected transition count 4, got %d", info.TransitionCount)
	}
	if info.LastSeq != 4 {
		t.Errorf("Expected last seq 4, got %d", info.LastSeq)
	}

	events, err := store.Read(ctx, "order-1", 0)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("Expected 4 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Seq != uint64(i+1) {
			t.Errorf("Event %d has seq %d", i, ev.Seq)
		}
		if i > 0 && ev.Timestamp.Before(events[i-1].Timestamp) {
			t.Errorf("Timestamps not monotonic at event %d", i)
		}
	}
	if events[3].From != "Shipped" || events[3].To != "Completed" || events[3].Trigger != "Deliver" {
		t.Errorf("Unexpected final event: %+v", events[3])
	}
}

func TestAdapter_GuardedRejection(t *testing.T) {
	ctx := context.Background()
	items := 0

	b := machine.NewBuilder("order", machine.MustParseVersion("1.0.0"))
	b.InitialState("Draft")
	b.Configure("Draft").PermitIf("Submit", "Submitted",
		func(ctx context.Context, args ...interface{}) bool { return items > 0 }, "items > 0")
	b.Configure("Submitted")

	store := eventlog.NewMemoryStore()
	a := newTestAdapter(t, b.MustBuild(), store, DefaultOptions())
	if err := a.Activate(ctx); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	ok, unmet := a.CanFire(ctx, "Submit")
	if ok {
		t.Error("CanFire should be false with 0 items")
	}
	if len(unmet) != 1 || unmet[0] != "items > 0" {
		t.Errorf("Expected unmet guard description, got %v", unmet)
	}

	err := a.Fire(ctx, "Submit")
	if !machine.IsGuardRejected(err) {
		t.Errorf("Expected guard rejection, got %v", err)
	}
	if a.CurrentState() != "Draft" {
		t.Errorf("State should not change, got %q", a.CurrentState())
	}
	if seq, _ := store.LastSeq(ctx, "order-1"); seq != 0 {
		t.Errorf("No event should be appended, log at seq %d", seq)
	}

	items = 3
	if err := a.Fire(ctx, "Submit"); err != nil {
		t.Errorf("Fire with met guard failed: %v", err)
	}
}

func TestAdapter_IdempotentRetry(t *testing.T) {
	ctx := context.Background()
	store := eventlog.NewMemoryStore()
	opts := DefaultOptions()
	opts.EnableIdempotency = true

	def := orderDefinition(t)
	a := newTestAdapter(t, def, store, opts)
	if err := a.Activate(ctx); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if err := a.Fire(ctx, "Submit"); err != nil {
		t.Fatalf("Fire(Submit) failed: %v", err)
	}

	applied, err := a.FireDedup(ctx, "txn-42", "Pay")
	if err != nil || !applied {
		t.Fatalf("First FireDedup = %v, %v", applied, err)
	}
	if a.CurrentState() != "Paid" {
		t.Fatalf("Expected Paid, got %q", a.CurrentState())
	}

	// Same key again: no-op, no event.
	applied, err = a.FireDedup(ctx, "txn-42", "Pay")
	if err != nil {
		t.Fatalf("Second FireDedup failed: %v", err)
	}
	if applied {
		t.Error("Duplicate dedupe key should be a no-op")
	}
	if seq, _ := store.LastSeq(ctx, "order-1"); seq != 2 {
		t.Errorf("Log should stay at seq 2, got %d", seq)
	}

	// Dedupe survives a deactivate/reactivate cycle via replay.
	if err := a.Deactivate(ctx); err != nil {
		t.Fatalf("Deactivate failed: %v", err)
	}
	b := newTestAdapter(t, def, store, opts)
	if err := b.Activate(ctx); err != nil {
		t.Fatalf("Reactivate failed: %v", err)
	}
	if b.CurrentState() != "Paid" {
		t.Errorf("Replayed state = %q, want Paid", b.CurrentState())
	}
	applied, err = b.FireDedup(ctx, "txn-42", "Pay")
	if err != nil {
		t.Fatalf("FireDedup after replay failed: %v", err)
	}
	if applied {
		t.Error("Dedupe key should survive replay")
	}
	if seq, _ := store.LastSeq(ctx, "order-1"); seq != 2 {
		t.Errorf("Log should still be at seq 2, got %d", seq)
	}
}

func TestAdapter_ReplayDeterminism(t *testing.T) {
	ctx := context.Background()
	store := eventlog.NewMemoryStore()
	opts := DefaultOptions()
	opts.EnableIdempotency = true
	def := orderDefinition(t)

	live := newTestAdapter(t, def, store, opts)
	if err := live.Activate(ctx); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if err := live.Fire(ctx, "Submit"); err != nil {
		t.Fatalf("Fire failed: %v", err)
	}
	if _, err := live.FireDedup(ctx, "k1", "Pay"); err != nil {
		t.Fatalf("FireDedup failed: %v", err)
	}
	if _, err := live.FireDedup(ctx, "k2", "Ship"); err != nil {
		t.Fatalf("FireDedup failed: %v", err)
	}

	replayed := newTestAdapter(t, def, store, opts)
	if err := replayed.Activate(ctx); err != nil {
		t.Fatalf("Replay activation failed: %v", err)
	}

	if live.CurrentState() != replayed.CurrentState() {
		t.Errorf("State diverged: live %q vs replayed %q", live.CurrentState(), replayed.CurrentState())
	}
	lk, rk := live.DedupeKeys(), replayed.DedupeKeys()
	if len(lk) != len(rk) {
		t.Fatalf("Dedupe window diverged: %v vs %v", lk, rk)
	}
	for i := range lk {
		if lk[i] != rk[i] {
			t.Errorf("Dedupe key %d diverged: %q vs %q", i, lk[i], rk[i])
		}
	}
}

func TestAdapter_BatchConfirm(t *testing.T) {
	ctx := context.Background()
	store := eventlog.NewMemoryStore()
	opts := DefaultOptions()
	opts.AutoConfirmEvents = false

	a := newTestAdapter(t, orderDefinition(t), store, opts)
	if err := a.Activate(ctx); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if err := a.Fire(ctx, "Submit"); err != nil {
		t.Fatalf("Fire failed: %v", err)
	}
	if err := a.Fire(ctx, "Pay"); err != nil {
		t.Fatalf("Fire failed: %v", err)
	}

	if seq, _ := store.LastSeq(ctx, "order-1"); seq != 0 {
		t.Errorf("Nothing should be confirmed yet, log at %d", seq)
	}
	if a.Info().PendingEvents != 2 {
		t.Errorf("Expected 2 pending events, got %d", a.Info().PendingEvents)
	}

	if err := a.Checkpoint(ctx); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	if seq, _ := store.LastSeq(ctx, "order-1"); seq != 2 {
		t.Errorf("Expected seq 2 after checkpoint, got %d", seq)
	}
	if a.Info().PendingEvents != 0 {
		t.Errorf("Pending should be flushed, got %d", a.Info().PendingEvents)
	}

	// Deactivate flushes whatever is still pending.
	if err := a.Fire(ctx, "Ship"); err != nil {
		t.Fatalf("Fire failed: %v", err)
	}
	if err := a.Deactivate(ctx); err != nil {
		t.Fatalf("Deactivate failed: %v", err)
	}
	if seq, _ := store.LastSeq(ctx, "order-1"); seq != 3 {
		t.Errorf("Expected seq 3 after deactivate, got %d", seq)
	}
}

func TestAdapter_SnapshotInterval(t *testing.T) {
	ctx := context.Background()
	store := eventlog.NewMemoryStore()

	b := machine.NewBuilder("toggle", machine.MustParseVersion("1.0.0"))
	b.InitialState("On")
	b.Configure("On").Permit("Flip", "Off")
	b.Configure("Off").Permit("Flip", "On")
	def := b.MustBuild()

	opts := DefaultOptions()
	opts.SnapshotInterval = 3

	a := newTestAdapter(t, def, store, opts)
	if err := a.Activate(ctx); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	for i := 0; i < 7; i++ {
		if err := a.Fire(ctx, "Flip"); err != nil {
			t.Fatalf("Fire %d failed: %v", i, err)
		}
	}

	snap, err := store.LoadSnapshot(ctx, "order-1")
	if err != nil {
		t.Fatalf("Expected a snapshot, got %v", err)
	}
	// Snapshots land at multiples of the interval.
	if snap.LastSeq != 6 {
		t.Errorf("Expected snapshot at seq 6, got %d", snap.LastSeq)
	}
	if snap.CurrentState != "On" {
		t.Errorf("Snapshot state = %q, want On", snap.CurrentState)
	}

	// Reactivation replays only the post-snapshot tail.
	fresh := newTestAdapter(t, def, store, opts)
	if err := fresh.Activate(ctx); err != nil {
		t.Fatalf("Reactivate failed: %v", err)
	}
	if fresh.CurrentState() != "Off" {
		t.Errorf("Replayed state = %q, want Off", fresh.CurrentState())
	}
	if fresh.Info().TransitionCount != 7 {
		t.Errorf("Transition count = %d, want 7", fresh.Info().TransitionCount)
	}
}

func TestAdapter_PublishAfterConfirm(t *testing.T) {
	ctx := context.Background()
	store := eventlog.NewMemoryStore()
	pub := stream.NewMemoryPublisher()

	opts := DefaultOptions()
	opts.PublishToStream = true
	opts.StreamNamespace = "orders"

	a, err := New(Config{
		EntityID:   "order-1",
		Definition: orderDefinition(t),
		Store:      store,
		Publisher:  pub,
		Logger:     core.NopLogger{},
		Options:    opts,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := a.Activate(ctx); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	a.SetCorrelation("corr-7")
	if err := a.Fire(ctx, "Submit"); err != nil {
		t.Fatalf("Fire failed: %v", err)
	}

	published := pub.Events("orders", "order-1")
	if len(published) != 1 {
		t.Fatalf("Expected 1 published event, got %d", len(published))
	}
	if published[0].Seq != 1 {
		t.Errorf("Published event should carry the confirmed seq, got %d", published[0].Seq)
	}
	if published[0].CorrelationID != "corr-7" {
		t.Errorf("Correlation not stamped: %+v", published[0])
	}
}

func TestAdapter_FireBeforeActivate(t *testing.T) {
	a := newTestAdapter(t, orderDefinition(t), eventlog.NewMemoryStore(), DefaultOptions())
	err := a.Fire(context.Background(), "Submit")
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Code != ErrCodeNotActivated {
		t.Errorf("Expected NOT_ACTIVATED, got %v", err)
	}
}

func TestAdapter_AppendFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Store: eventlog.NewMemoryStore()}
	a := newTestAdapter(t, orderDefinition(t), store, DefaultOptions())
	if err := a.Activate(ctx); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	store.failAppend = true
	err := a.Fire(ctx, "Submit")
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Code != ErrCodeAppendFailed {
		t.Fatalf("Expected EVENT_APPEND_FAILED, got %v", err)
	}
	if a.CurrentState() != "Created" {
		t.Errorf("State should roll back to Created, got %q", a.CurrentState())
	}

	store.failAppend = false
	if err := a.Fire(ctx, "Submit"); err != nil {
		t.Errorf("Fire after recovery failed: %v", err)
	}
	if a.CurrentState() != "PaymentPending" {
		t.Errorf("Expected PaymentPending, got %q", a.CurrentState())
	}
}

func TestAdapter_HookCannotFire(t *testing.T) {
	ctx := context.Background()
	store := eventlog.NewMemoryStore()

	var hookErr error
	var a *Adapter

	b := machine.NewBuilder("m", machine.MustParseVersion("1.0.0"))
	b.InitialState("A")
	b.Configure("A").Permit("go", "B")
	b.Configure("B").
		OnEntry(func(hctx context.Context, tr machine.Transition, args ...interface{}) error {
			hookErr = a.Fire(hctx, "back")
			return nil
		}).
		Permit("back", "A")

	a = newTestAdapter(t, b.MustBuild(), store, DefaultOptions())
	if err := a.Activate(ctx); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if err := a.Fire(ctx, "go"); err != nil {
		t.Fatalf("Fire failed: %v", err)
	}
	if !machine.IsReentrancy(hookErr) {
		t.Errorf("Expected reentrancy violation inside hook, got %v", hookErr)
	}
	if a.CurrentState() != "B" {
		t.Errorf("Outer transition should stand, got %q", a.CurrentState())
	}
}

// failingStore wraps a Store and fails Append on demand.
type failingStore struct {
	eventlog.Store
	failAppend bool
}

func (s *failingStore) Append(ctx context.Context, entityID string, events []*eventlog.TransitionEvent, expectedSeq uint64) (uint64, error) {
	if s.failAppend {
		return 0, errors.New("disk on fire")
	}
	return s.Store.Append(ctx, entityID, events, expectedSeq)
}

func TestAdapter_ObserverSeesConfirmedTransitions(t *testing.T) {
	ctx := context.Background()
	obs := NewCountingObserver()

	a, err := New(Config{
		EntityID:   "order-1",
		Definition: orderDefinition(t),
		Store:      eventlog.NewMemoryStore(),
		Logger:     core.NopLogger{},
		Observer:   obs,
		Options:    DefaultOptions(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := a.Activate(ctx); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if err := a.Fire(ctx, "Submit"); err != nil {
		t.Fatalf("Fire failed: %v", err)
	}
	if err := a.Fire(ctx, "Nope"); err == nil {
		t.Fatal("Expected NoTransition error")
	}

	if got := obs.Transitions("Created", "PaymentPending"); got != 1 {
		t.Errorf("Expected 1 observed transition, got %d", got)
	}
	if obs.Errors() != 1 {
		t.Errorf("Expected 1 observed error, got %d", obs.Errors())
	}
}

func TestAdapter_DedupeLRUEviction(t *testing.T) {
	lru := newDedupeLRU(3)
	for _, k := range []string{"a", "b", "c"} {
		lru.Add(k)
	}
	lru.Add("d") // evicts a
	if lru.Contains("a") {
		t.Error("Oldest key should be evicted")
	}
	for _, k := range []string{"b", "c", "d"} {
		if !lru.Contains(k) {
			t.Errorf("Key %q should be present", k)
		}
	}
	// Contains refreshed b; adding e should evict c.
	_ = lru.Contains("b")
	lru.Add("e")
	if lru.Contains("c") {
		t.Error("Least recently used key should be evicted")
	}
	if !lru.Contains("b") {
		t.Error("Refreshed key should survive")
	}
}

func TestAdapter_LastTransitionAtAdvances(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t, orderDefinition(t), eventlog.NewMemoryStore(), DefaultOptions())
	if err := a.Activate(ctx); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	before := time.Now().UTC()
	if err := a.Fire(ctx, "Submit"); err != nil {
		t.Fatalf("Fire failed: %v", err)
	}
	info := a.Info()
	if info.LastTransitionAt.Before(before) {
		t.Errorf("LastTransitionAt %v should be >= %v", info.LastTransitionAt, before)
	}
}
