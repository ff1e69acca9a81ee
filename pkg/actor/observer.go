package actor

import (
	"context"
	"fmt"
	"sync"

	"github.com/grainflow/grainflow/pkg/core"
	"github.com/grainflow/grainflow/pkg/eventlog"
)

// Observer is notified of confirmed transitions and adapter errors.
// Callbacks run under the entity mutex and must not call back into Fire.
type Observer interface {
	OnTransition(ctx context.Context, entityID string, ev *eventlog.TransitionEvent)
	OnError(ctx context.Context, entityID string, err error)
}

// LoggingObserver logs all transitions and errors.
type LoggingObserver struct {
	logger core.Logger
}

// NewLoggingObserver creates an observer writing through the given logger.
func NewLoggingObserver(logger core.Logger) *LoggingObserver {
	return &LoggingObserver{logger: logger}
}

func (o *LoggingObserver) OnTransition(ctx context.Context, entityID string, ev *eventlog.TransitionEvent) {
	o.logger.Info(fmt.Sprintf("entity %s: %s -> %s (trigger: %s, seq: %d)",
		entityID, ev.From, ev.To, ev.Trigger, ev.Seq))
}

func (o *LoggingObserver) OnError(ctx context.Context, entityID string, err error) {
	o.logger.Error(fmt.Sprintf("entity %s: %v", entityID, err))
}

// CountingObserver tracks transition and error counts, mostly for tests.
type CountingObserver struct {
	mu          sync.Mutex
	transitions map[string]int // from:to
	triggers    map[string]int
	errors      int
}

// NewCountingObserver creates an empty counting observer.
func NewCountingObserver() *CountingObserver {
	return &CountingObserver{
		transitions: make(map[string]int),
		triggers:    make(map[string]int),
	}
}

func (o *CountingObserver) OnTransition(ctx context.Context, entityID string, ev *eventlog.TransitionEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions[ev.From+":"+ev.To]++
	o.triggers[ev.Trigger]++
}

func (o *CountingObserver) OnError(ctx context.Context, entityID string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errors++
}

// Transitions returns the count for one from:to pair.
func (o *CountingObserver) Transitions(from, to string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.transitions[from+":"+to]
}

// Errors returns the observed error count.
func (o *CountingObserver) Errors() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.errors
}

// MultiObserver fans out to several observers in order.
type MultiObserver []Observer

func (m MultiObserver) OnTransition(ctx context.Context, entityID string, ev *eventlog.TransitionEvent) {
	for _, o := range m {
		o.OnTransition(ctx, entityID, ev)
	}
}

func (m MultiObserver) OnError(ctx context.Context, entityID string, err error) {
	for _, o := range m {
		o.OnError(ctx, entityID, err)
	}
}
