// Package actor binds one state-machine definition to one entity id and
// gives it event-sourced persistence, idempotent fires, stream publication
// and state-bound timers. All writes serialize through a per-entity mutex;
// reads are lock-light snapshots.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/grainflow/grainflow/pkg/core"
	"github.com/grainflow/grainflow/pkg/eventlog"
	"github.com/grainflow/grainflow/pkg/machine"
	"github.com/grainflow/grainflow/pkg/stream"
)

// Adapter error codes (core.Error.Code).
const (
	ErrCodeNotActivated     = "NOT_ACTIVATED"
	ErrCodeAlreadyActivated = "ALREADY_ACTIVATED"
	ErrCodeAppendFailed     = "EVENT_APPEND_FAILED"
	ErrCodeSnapshotFailed   = "SNAPSHOT_FAILED"
	ErrCodeReplayFailed     = "REPLAY_FAILED"
)

// Config wires an Adapter to its definition and host services.
type Config struct {
	EntityID   string
	Definition *machine.Definition
	Store      eventlog.Store

	// Publisher is required when Options.PublishToStream is set.
	Publisher stream.Publisher

	// Timers and Reminders default to the in-process implementations.
	Timers    TimerService
	Reminders ReminderService

	Logger   core.Logger
	Observer Observer
	Options  Options
}

// Info is a point-in-time view of an adapter.
type Info struct {
	EntityID          string
	GrainType         string
	DefinitionVersion string
	StateKey          string
	Leaf              string
	TransitionCount   uint64
	LastSeq           uint64
	LastTransitionAt  time.Time
	PendingEvents     int
	Activated         bool
}

// Adapter is the per-entity runtime around a machine.Engine.
type Adapter struct {
	entityID string
	def      *machine.Definition
	opts     Options

	store     eventlog.Store
	publisher stream.Publisher
	timers    TimerService
	reminders ReminderService
	logger    core.Logger
	observer  Observer

	mu               sync.RWMutex
	engine           *machine.Engine
	activated        bool
	lastSeq          uint64
	transitionCount  uint64
	lastTransitionAt time.Time
	sinceSnapshot    int
	pending          []*eventlog.TransitionEvent
	correlation      string
	metadata         map[string]string
	dedupe           *dedupeLRU

	timerConfigs    map[string][]TimerConfig
	activeTimers    map[string]TimerHandle
	activeReminders map[string]TimerConfig
}

// New creates an inactive adapter; call Activate before firing.
func New(cfg Config) (*Adapter, error) {
	if cfg.EntityID == "" {
		return nil, fmt.Errorf("actor: entity id is required")
	}
	if cfg.Definition == nil {
		return nil, fmt.Errorf("actor: definition is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("actor: event store is required")
	}
	if cfg.Options.PublishToStream && cfg.Publisher == nil {
		return nil, fmt.Errorf("actor: stream publishing enabled without a publisher")
	}
	if cfg.Timers == nil {
		cfg.Timers = NewLocalTimerService()
	}
	if cfg.Reminders == nil {
		cfg.Reminders = NewMemoryReminderService()
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NewDefaultLogger()
	}
	cfg.Options.normalize()

	return &Adapter{
		entityID:        cfg.EntityID,
		def:             cfg.Definition,
		opts:            cfg.Options,
		store:           cfg.Store,
		publisher:       cfg.Publisher,
		timers:          cfg.Timers,
		reminders:       cfg.Reminders,
		logger:          cfg.Logger,
		observer:        cfg.Observer,
		dedupe:          newDedupeLRU(cfg.Options.MaxDedupeKeysInMemory),
		timerConfigs:    make(map[string][]TimerConfig),
		activeTimers:    make(map[string]TimerHandle),
		activeReminders: make(map[string]TimerConfig),
	}, nil
}

// EntityID returns the bound entity id.
func (a *Adapter) EntityID() string { return a.entityID }

// Definition returns the bound definition.
func (a *Adapter) Definition() *machine.Definition { return a.def }

// RegisterStateTimeout binds a timer config to its state. Must be called
// before Activate so activation can arm timers for the restored state.
func (a *Adapter) RegisterStateTimeout(cfg TimerConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	if a.def.State(cfg.State) == nil {
		return fmt.Errorf("actor: timer %q bound to unknown state %q", cfg.Name, cfg.State)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.timerConfigs[cfg.State] = append(a.timerConfigs[cfg.State], cfg)
	return nil
}

// Activate loads the snapshot, replays events past it, rebuilds the dedupe
// window and arms timers for the restored state.
func (a *Adapter) Activate(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.activated {
		return &core.Error{Code: ErrCodeAlreadyActivated, Message: "entity " + a.entityID + " already active"}
	}

	snap, err := a.store.LoadSnapshot(ctx, a.entityID)
	switch {
	case err == nil:
		eng, err := machine.NewEngineAt(a.def, snap.CurrentState)
		if err != nil {
			return &core.Error{Code: ErrCodeReplayFailed, Message: "restore snapshot state", Cause: err}
		}
		a.engine = eng
		a.lastSeq = snap.LastSeq
		a.transitionCount = snap.TransitionCount
		a.lastTransitionAt = snap.LastTransitionAt
		for _, rc := range snap.ReminderConfigs {
			cfg := TimerConfig{
				Name:      rc.Name,
				State:     rc.State,
				Trigger:   rc.Trigger,
				Timeout:   rc.Timeout,
				Repeating: rc.Repeating,
				Durable:   true,
			}
			a.timerConfigs[cfg.State] = appendTimerConfig(a.timerConfigs[cfg.State], cfg)
		}
	case errors.Is(err, eventlog.ErrNotFound):
		a.engine = machine.NewEngine(a.def)
		a.lastSeq = 0
	default:
		return &core.Error{Code: ErrCodeReplayFailed, Message: "load snapshot", Cause: err}
	}

	events, err := a.store.Read(ctx, a.entityID, a.lastSeq)
	if err != nil {
		return &core.Error{Code: ErrCodeReplayFailed, Message: "read events", Cause: err}
	}
	for _, ev := range events {
		if err := a.engine.Restore(ev.To); err != nil {
			return &core.Error{
				Code:    ErrCodeReplayFailed,
				Message: fmt.Sprintf("apply seq %d (%s -> %s)", ev.Seq, ev.From, ev.To),
				Cause:   err,
			}
		}
		if ev.DedupeKey != "" {
			a.dedupe.Add(ev.DedupeKey)
		}
		a.lastSeq = ev.Seq
		a.transitionCount++
		a.lastTransitionAt = ev.Timestamp
	}

	a.activated = true
	a.armTimersForCurrentStateLocked(ctx)
	a.logger.Debugf("entity %s activated at %s (seq %d)", a.entityID, a.engine.StateKey(), a.lastSeq)
	return nil
}

// Deactivate flushes pending events, optionally writes a final snapshot,
// and cancels in-memory timers. Durable reminders stay registered.
func (a *Adapter) Deactivate(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.activated {
		return nil
	}

	if err := a.confirmLocked(ctx); err != nil {
		return err
	}
	if a.opts.EnableSnapshots {
		if err := a.writeSnapshotLocked(ctx); err != nil {
			return err
		}
	}
	for name, h := range a.activeTimers {
		h.Cancel()
		delete(a.activeTimers, name)
	}
	a.activated = false
	a.logger.Debugf("entity %s deactivated at seq %d", a.entityID, a.lastSeq)
	return nil
}

// Fire dispatches a trigger. In auto-confirm mode the transition is durable
// when Fire returns.
func (a *Adapter) Fire(ctx context.Context, trigger string, args ...interface{}) error {
	// A hook calling back into Fire would deadlock on the entity mutex;
	// reject it before locking.
	if machine.InHookScope(ctx) {
		return &machine.Error{Code: machine.ErrCodeReentrancy, Trigger: trigger, Message: "fire from inside a hook"}
	}
	ctx, span := a.startFireSpan(ctx, trigger)
	defer span.End()
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := a.fireLocked(ctx, "", trigger, args)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// FireDedup is Fire with at-most-once semantics per dedupe key. The first
// result reports whether a transition was applied; a known key is a no-op.
func (a *Adapter) FireDedup(ctx context.Context, dedupeKey, trigger string, args ...interface{}) (bool, error) {
	if machine.InHookScope(ctx) {
		return false, &machine.Error{Code: machine.ErrCodeReentrancy, Trigger: trigger, Message: "fire from inside a hook"}
	}
	ctx, span := a.startFireSpan(ctx, trigger)
	defer span.End()
	a.mu.Lock()
	defer a.mu.Unlock()
	applied, err := a.fireLocked(ctx, dedupeKey, trigger, args)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return applied, err
}

func (a *Adapter) startFireSpan(ctx context.Context, trigger string) (context.Context, trace.Span) {
	return otel.Tracer("grainflow/actor").Start(ctx, "entity.fire", trace.WithAttributes(
		attribute.String("entity.id", a.entityID),
		attribute.String("entity.trigger", trigger),
	))
}

func (a *Adapter) fireLocked(ctx context.Context, dedupeKey, trigger string, args []interface{}) (bool, error) {
	if !a.activated {
		return false, &core.Error{Code: ErrCodeNotActivated, Message: "entity " + a.entityID + " is not active"}
	}
	if dedupeKey != "" && a.opts.EnableIdempotency && a.dedupe.Contains(dedupeKey) {
		a.logger.Debugf("entity %s: dedupe hit for %q, trigger %s dropped", a.entityID, dedupeKey, trigger)
		return false, nil
	}

	prevKey := a.engine.StateKey()
	plans, err := a.engine.Fire(ctx, trigger, args...)
	if err != nil {
		a.notifyError(ctx, err)
		return false, err
	}

	ev := &eventlog.TransitionEvent{
		From:              prevKey,
		To:                a.engine.StateKey(),
		Trigger:           trigger,
		Timestamp:         time.Now().UTC(),
		CorrelationID:     a.correlation,
		DedupeKey:         dedupeKey,
		DefinitionVersion: a.def.Version().String(),
		Metadata:          a.metadata,
	}

	if a.opts.AutoConfirmEvents {
		lastSeq, err := a.store.Append(ctx, a.entityID, []*eventlog.TransitionEvent{ev}, a.lastSeq)
		if err != nil {
			// The transition never became durable; roll the engine back so
			// memory agrees with the log.
			if rerr := a.engine.Restore(prevKey); rerr != nil {
				a.logger.Errorf("entity %s: rollback to %s failed: %v", a.entityID, prevKey, rerr)
			}
			werr := &core.Error{Code: ErrCodeAppendFailed, Message: "append for entity " + a.entityID, Cause: err}
			a.notifyError(ctx, werr)
			return false, werr
		}
		a.lastSeq = lastSeq
		a.sinceSnapshot++
		a.publishLocked(ctx, ev)
	} else {
		a.pending = append(a.pending, ev)
	}

	a.transitionCount++
	a.lastTransitionAt = ev.Timestamp
	if dedupeKey != "" && a.opts.EnableIdempotency {
		a.dedupe.Add(dedupeKey)
	}
	if a.observer != nil {
		a.observer.OnTransition(ctx, a.entityID, ev)
	}
	a.rebindTimersLocked(ctx, plans)

	if a.opts.AutoConfirmEvents {
		if err := a.maybeSnapshotLocked(ctx); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Checkpoint confirms pending events in batch-confirm mode.
func (a *Adapter) Checkpoint(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.activated {
		return &core.Error{Code: ErrCodeNotActivated, Message: "entity " + a.entityID + " is not active"}
	}
	if err := a.confirmLocked(ctx); err != nil {
		return err
	}
	return a.maybeSnapshotLocked(ctx)
}

func (a *Adapter) confirmLocked(ctx context.Context) error {
	if len(a.pending) == 0 {
		return nil
	}
	lastSeq, err := a.store.Append(ctx, a.entityID, a.pending, a.lastSeq)
	if err != nil {
		werr := &core.Error{Code: ErrCodeAppendFailed, Message: "checkpoint for entity " + a.entityID, Cause: err}
		a.notifyError(ctx, werr)
		return werr
	}
	for _, ev := range a.pending {
		a.publishLocked(ctx, ev)
	}
	a.sinceSnapshot += len(a.pending)
	a.lastSeq = lastSeq
	a.pending = nil
	return nil
}

func (a *Adapter) maybeSnapshotLocked(ctx context.Context) error {
	if !a.opts.EnableSnapshots || a.sinceSnapshot < a.opts.SnapshotInterval {
		return nil
	}
	return a.writeSnapshotLocked(ctx)
}

func (a *Adapter) writeSnapshotLocked(ctx context.Context) error {
	snap := &eventlog.Snapshot{
		CurrentState:      a.engine.StateKey(),
		LastTransitionAt:  a.lastTransitionAt,
		TransitionCount:   a.transitionCount,
		LastSeq:           a.lastSeq,
		DefinitionVersion: a.def.Version().String(),
	}
	for _, cfg := range a.activeReminders {
		snap.ReminderConfigs = append(snap.ReminderConfigs, eventlog.ReminderConfig{
			Name:      cfg.Name,
			State:     cfg.State,
			Trigger:   cfg.Trigger,
			Timeout:   cfg.Timeout,
			Repeating: cfg.Repeating,
		})
	}
	if err := a.store.SaveSnapshot(ctx, a.entityID, snap); err != nil {
		werr := &core.Error{Code: ErrCodeSnapshotFailed, Message: "snapshot for entity " + a.entityID, Cause: err}
		a.notifyError(ctx, werr)
		return werr
	}
	a.sinceSnapshot = 0
	return nil
}

// publishLocked pushes a confirmed event to the stream. Failures are logged
// only: the durable log is the source of truth.
func (a *Adapter) publishLocked(ctx context.Context, ev *eventlog.TransitionEvent) {
	if !a.opts.PublishToStream || a.publisher == nil {
		return
	}
	if err := a.publisher.Publish(ctx, a.opts.StreamNamespace, a.entityID, ev); err != nil {
		a.logger.Warnf("entity %s: publish seq %d failed: %v", a.entityID, ev.Seq, err)
	}
}

func (a *Adapter) notifyError(ctx context.Context, err error) {
	if a.observer != nil {
		a.observer.OnError(ctx, a.entityID, err)
	}
}

// CanFire reports whether trigger would transition now, with the unmet guard
// descriptions when it would not.
func (a *Adapter) CanFire(ctx context.Context, trigger string, args ...interface{}) (bool, []string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.activated {
		return false, nil
	}
	return a.engine.CanFire(ctx, trigger, args...)
}

// CurrentState returns the leaf state (single region) or the composite
// state key (multiple regions).
func (a *Adapter) CurrentState() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.engine == nil {
		return ""
	}
	if a.def.HasRegions() {
		return a.engine.StateKey()
	}
	return a.engine.Leaf()
}

// IsIn reports whether the entity is in state or any of its substates.
func (a *Adapter) IsIn(state string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.engine != nil && a.engine.IsIn(state)
}

// PermittedTriggers returns the triggers that would fire from the current
// state with the given args.
func (a *Adapter) PermittedTriggers(ctx context.Context, args ...interface{}) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.activated {
		return nil
	}
	return a.engine.PermittedTriggers(ctx, args...)
}

// SetCorrelation stamps subsequent events with the given correlation id.
func (a *Adapter) SetCorrelation(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.correlation = id
}

// SetMetadata stamps subsequent events with the given metadata. A nil map
// clears it.
func (a *Adapter) SetMetadata(md map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if md == nil {
		a.metadata = nil
		return
	}
	a.metadata = make(map[string]string, len(md))
	for k, v := range md {
		a.metadata[k] = v
	}
}

// Info returns a point-in-time view of the adapter.
func (a *Adapter) Info() Info {
	a.mu.RLock()
	defer a.mu.RUnlock()
	info := Info{
		EntityID:          a.entityID,
		GrainType:         a.def.GrainType(),
		DefinitionVersion: a.def.Version().String(),
		TransitionCount:   a.transitionCount,
		LastSeq:           a.lastSeq,
		LastTransitionAt:  a.lastTransitionAt,
		PendingEvents:     len(a.pending),
		Activated:         a.activated,
	}
	if a.engine != nil {
		info.StateKey = a.engine.StateKey()
		info.Leaf = a.engine.Leaf()
	}
	return info
}

// DedupeKeys returns the dedupe window from most to least recent.
func (a *Adapter) DedupeKeys() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dedupe.Keys()
}

// rebindTimersLocked cancels timers for exited states and arms timers for
// entered states, per transition plan.
func (a *Adapter) rebindTimersLocked(ctx context.Context, plans []*machine.TransitionPlan) {
	for _, p := range plans {
		for _, state := range p.ExitChain {
			a.cancelTimersForStateLocked(ctx, state)
		}
		for _, state := range p.EntryChain {
			a.armTimersForStateLocked(ctx, state)
		}
	}
}

func (a *Adapter) armTimersForCurrentStateLocked(ctx context.Context) {
	for leaf := range mapSet(a.engine.Leaves()) {
		a.armTimersForStateLocked(ctx, leaf)
		for _, anc := range a.def.Ancestors(leaf) {
			a.armTimersForStateLocked(ctx, anc)
		}
	}
}

func mapSet(leaves map[string]string) map[string]bool {
	set := make(map[string]bool, len(leaves))
	for _, leaf := range leaves {
		set[leaf] = true
	}
	return set
}

func (a *Adapter) armTimersForStateLocked(ctx context.Context, state string) {
	for _, cfg := range a.timerConfigs[state] {
		cfg := cfg
		fire := func() { a.onTimerFire(cfg) }
		period := time.Duration(0)
		if cfg.Repeating {
			period = cfg.Timeout
		}
		if cfg.Durable {
			if err := a.reminders.Register(ctx, a.entityID, cfg.Name, cfg.Timeout, period, fire); err != nil {
				// Best effort: a reminder that fails to register degrades to
				// no timeout, the transition path stays intact.
				a.logger.Warnf("entity %s: register reminder %q failed: %v", a.entityID, cfg.Name, err)
				continue
			}
			a.activeReminders[cfg.Name] = cfg
		} else {
			if prev, ok := a.activeTimers[cfg.Name]; ok {
				prev.Cancel()
			}
			a.activeTimers[cfg.Name] = a.timers.Schedule(cfg.Timeout, period, fire)
		}
	}
}

func (a *Adapter) cancelTimersForStateLocked(ctx context.Context, state string) {
	for _, cfg := range a.timerConfigs[state] {
		if cfg.Durable {
			if _, ok := a.activeReminders[cfg.Name]; ok {
				if err := a.reminders.Unregister(ctx, a.entityID, cfg.Name); err != nil {
					a.logger.Warnf("entity %s: unregister reminder %q failed: %v", a.entityID, cfg.Name, err)
				}
				delete(a.activeReminders, cfg.Name)
			}
		} else if h, ok := a.activeTimers[cfg.Name]; ok {
			h.Cancel()
			delete(a.activeTimers, cfg.Name)
		}
	}
}

// onTimerFire runs on the timer goroutine. It serializes through the entity
// mutex and drops the fire when the state moved on in the meantime.
func (a *Adapter) onTimerFire(cfg TimerConfig) {
	ctx := context.Background()
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.activated {
		return
	}
	if !a.engine.IsIn(cfg.State) {
		a.logger.Debugf("entity %s: timer %q raced a transition, dropped", a.entityID, cfg.Name)
		return
	}
	if !cfg.Repeating && !cfg.Durable {
		delete(a.activeTimers, cfg.Name)
	}
	if _, err := a.fireLocked(ctx, "", cfg.Trigger, nil); err != nil {
		a.onTimerError(ctx, cfg, err)
	}
}

func (a *Adapter) onTimerError(ctx context.Context, cfg TimerConfig, err error) {
	a.logger.Warnf("entity %s: timer %q fire %s failed: %v", a.entityID, cfg.Name, cfg.Trigger, err)
	a.notifyError(ctx, err)
}

func appendTimerConfig(list []TimerConfig, cfg TimerConfig) []TimerConfig {
	for _, existing := range list {
		if existing.Name == cfg.Name {
			return list
		}
	}
	return append(list, cfg)
}
