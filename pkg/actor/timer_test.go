package actor

import (
	"context"
	"testing"
	"time"

	"github.com/grainflow/grainflow/pkg/core"
	"github.com/grainflow/grainflow/pkg/eventlog"
	"github.com/grainflow/grainflow/pkg/machine"
)

func processingDefinition(t *testing.T) *machine.Definition {
	t.Helper()
	b := machine.NewBuilder("job", machine.MustParseVersion("1.0.0"))
	b.InitialState("Idle")
	b.Configure("Idle").Permit("Start", "Processing")
	b.Configure("Processing").
		Permit("Timeout", "Idle").
		Permit("Finish", "Done")
	b.Configure("Done")
	return b.MustBuild()
}

func TestTimeoutBuilder(t *testing.T) {
	cfg, err := ConfigureTimeout("Processing").
		After(30 * time.Second).
		TransitionTo("Timeout").
		UseTimer().
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if cfg.Name != "Processing-timeout" {
		t.Errorf("Default name = %q", cfg.Name)
	}
	if cfg.Durable || cfg.Repeating {
		t.Errorf("Unexpected flags: %+v", cfg)
	}

	// Long timeouts default to durable reminders when the kind is not forced.
	long := ConfigureTimeout("Waiting").
		After(time.Hour).
		TransitionTo("Expire").
		WithName("escrow").
		MustBuild()
	if !long.Durable {
		t.Error("Timeouts above the threshold should default to durable")
	}
	short := ConfigureTimeout("Waiting").
		After(time.Second).
		TransitionTo("Expire").
		MustBuild()
	if short.Durable {
		t.Error("Short timeouts should default to in-memory timers")
	}

	if _, err := ConfigureTimeout("S").Build(); err == nil {
		t.Error("Expected error for missing trigger and timeout")
	}
}

func TestTimer_FiresAfterTimeout(t *testing.T) {
	ctx := context.Background()
	store := eventlog.NewMemoryStore()
	a := newTestAdapter(t, processingDefinition(t), store, DefaultOptions())

	cfg := ConfigureTimeout("Processing").
		After(60 * time.Millisecond).
		TransitionTo("Timeout").
		UseTimer().
		MustBuild()
	if err := a.RegisterStateTimeout(cfg); err != nil {
		t.Fatalf("RegisterStateTimeout failed: %v", err)
	}
	if err := a.Activate(ctx); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if err := a.Fire(ctx, "Start"); err != nil {
		t.Fatalf("Fire(Start) failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && a.CurrentState() != "Idle" {
		time.Sleep(10 * time.Millisecond)
	}
	if got := a.CurrentState(); got != "Idle" {
		t.Fatalf("Expected timeout back to Idle, still in %q", got)
	}

	events, err := store.Read(ctx, "order-1", 0)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	last := events[len(events)-1]
	if last.From != "Processing" || last.To != "Idle" || last.Trigger != "Timeout" {
		t.Errorf("Unexpected timeout event: %+v", last)
	}
}

func TestTimer_DroppedWhenStateMovedOn(t *testing.T) {
	ctx := context.Background()
	store := eventlog.NewMemoryStore()
	a := newTestAdapter(t, processingDefinition(t), store, DefaultOptions())

	cfg := ConfigureTimeout("Processing").
		After(80 * time.Millisecond).
		TransitionTo("Timeout").
		UseTimer().
		MustBuild()
	if err := a.RegisterStateTimeout(cfg); err != nil {
		t.Fatalf("RegisterStateTimeout failed: %v", err)
	}
	if err := a.Activate(ctx); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if err := a.Fire(ctx, "Start"); err != nil {
		t.Fatalf("Fire(Start) failed: %v", err)
	}

	// Leave Processing before the timer expires.
	if err := a.Fire(ctx, "Finish"); err != nil {
		t.Fatalf("Fire(Finish) failed: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	if got := a.CurrentState(); got != "Done" {
		t.Errorf("Timer should have been dropped, state = %q", got)
	}
	events, err := store.Read(ctx, "order-1", 0)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	for _, ev := range events {
		if ev.Trigger == "Timeout" {
			t.Errorf("No Timeout event expected, got %+v", ev)
		}
	}
}

func TestTimer_RepeatingFiresAgain(t *testing.T) {
	ctx := context.Background()
	store := eventlog.NewMemoryStore()

	b := machine.NewBuilder("poller", machine.MustParseVersion("1.0.0"))
	b.InitialState("Polling")
	b.Configure("Polling").PermitReentry("Tick")
	def := b.MustBuild()

	a := newTestAdapter(t, def, store, DefaultOptions())
	cfg := ConfigureTimeout("Polling").
		After(40 * time.Millisecond).
		TransitionTo("Tick").
		UseTimer().
		Repeat().
		WithName("poll").
		MustBuild()
	if err := a.RegisterStateTimeout(cfg); err != nil {
		t.Fatalf("RegisterStateTimeout failed: %v", err)
	}
	if err := a.Activate(ctx); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if seq, _ := store.LastSeq(ctx, "order-1"); seq >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if seq, _ := store.LastSeq(ctx, "order-1"); seq < 2 {
		t.Errorf("Repeating timer should fire at least twice, log at %d", seq)
	}
	_ = a.Deactivate(ctx)
}

func TestReminder_SurvivesSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := eventlog.NewMemoryStore()
	reminders := NewMemoryReminderService()

	def := processingDefinition(t)
	opts := DefaultOptions()
	opts.SnapshotInterval = 1

	a, err := New(Config{
		EntityID:   "job-1",
		Definition: def,
		Store:      store,
		Reminders:  reminders,
		Logger:     core.NopLogger{},
		Options:    opts,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	cfg := ConfigureTimeout("Processing").
		After(time.Hour).
		TransitionTo("Timeout").
		UseDurableReminder().
		WithName("stuck-job").
		MustBuild()
	if err := a.RegisterStateTimeout(cfg); err != nil {
		t.Fatalf("RegisterStateTimeout failed: %v", err)
	}
	if err := a.Activate(ctx); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if err := a.Fire(ctx, "Start"); err != nil {
		t.Fatalf("Fire failed: %v", err)
	}

	snap, err := store.LoadSnapshot(ctx, "job-1")
	if err != nil {
		t.Fatalf("Expected snapshot, got %v", err)
	}
	if len(snap.ReminderConfigs) != 1 || snap.ReminderConfigs[0].Name != "stuck-job" {
		t.Fatalf("Reminder config not persisted: %+v", snap.ReminderConfigs)
	}

	// A fresh adapter with no registered timeouts learns the reminder from
	// the snapshot.
	b, err := New(Config{
		EntityID:   "job-1",
		Definition: def,
		Store:      store,
		Reminders:  reminders,
		Logger:     core.NopLogger{},
		Options:    opts,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := b.Activate(ctx); err != nil {
		t.Fatalf("Reactivate failed: %v", err)
	}
	if b.CurrentState() != "Processing" {
		t.Errorf("Expected Processing, got %q", b.CurrentState())
	}
	b.mu.RLock()
	_, armed := b.activeReminders["stuck-job"]
	b.mu.RUnlock()
	if !armed {
		t.Error("Durable reminder should be re-armed on activation")
	}
}
