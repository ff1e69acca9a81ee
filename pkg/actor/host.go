package actor

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TimerHandle cancels a scheduled in-memory timer.
type TimerHandle interface {
	Cancel()
}

// TimerService schedules in-process timers. Fires are lost on deactivation;
// use ReminderService for callbacks that must survive it.
type TimerService interface {
	// Schedule runs fn after delay. If period > 0 the timer repeats at that
	// period until cancelled.
	Schedule(delay, period time.Duration, fn func()) TimerHandle
}

// ReminderService schedules durable callbacks keyed by (entityID, name).
type ReminderService interface {
	Register(ctx context.Context, entityID, name string, due, period time.Duration, fn func()) error
	Unregister(ctx context.Context, entityID, name string) error
}

// EntityResolver locates the adapter for another entity. Sagas use it for
// cross-entity steps; implementations may proxy to remote activations.
type EntityResolver interface {
	Resolve(ctx context.Context, entityType, entityID string) (*Adapter, error)
}

// LocalTimerService is the in-process TimerService on time.AfterFunc.
type LocalTimerService struct{}

// NewLocalTimerService returns the default in-process timer service.
func NewLocalTimerService() *LocalTimerService { return &LocalTimerService{} }

type localTimer struct {
	mu        sync.Mutex
	t         *time.Timer
	cancelled bool
}

func (lt *localTimer) Cancel() {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.cancelled = true
	if lt.t != nil {
		lt.t.Stop()
	}
}

func (s *LocalTimerService) Schedule(delay, period time.Duration, fn func()) TimerHandle {
	lt := &localTimer{}
	var arm func(d time.Duration)
	arm = func(d time.Duration) {
		lt.mu.Lock()
		defer lt.mu.Unlock()
		if lt.cancelled {
			return
		}
		lt.t = time.AfterFunc(d, func() {
			fn()
			if period > 0 {
				arm(period)
			}
		})
	}
	arm(delay)
	return lt
}

// MemoryReminderService is an in-process ReminderService for tests and
// single-node deployments. Reminders do not survive process restarts; the
// adapter re-registers them from its snapshot on activation.
type MemoryReminderService struct {
	mu     sync.Mutex
	timers map[string]TimerHandle
	clock  TimerService
}

// NewMemoryReminderService creates an in-process reminder service.
func NewMemoryReminderService() *MemoryReminderService {
	return &MemoryReminderService{
		timers: make(map[string]TimerHandle),
		clock:  NewLocalTimerService(),
	}
}

func reminderKey(entityID, name string) string {
	return entityID + "/" + name
}

func (s *MemoryReminderService) Register(ctx context.Context, entityID, name string, due, period time.Duration, fn func()) error {
	key := reminderKey(entityID, name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.timers[key]; ok {
		prev.Cancel()
	}
	s.timers[key] = s.clock.Schedule(due, period, fn)
	return nil
}

func (s *MemoryReminderService) Unregister(ctx context.Context, entityID, name string) error {
	key := reminderKey(entityID, name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.timers[key]; ok {
		h.Cancel()
		delete(s.timers, key)
	}
	return nil
}

// MemoryResolver is an in-process EntityResolver over registered adapters.
type MemoryResolver struct {
	mu       sync.RWMutex
	adapters map[string]*Adapter
}

// NewMemoryResolver creates an empty resolver.
func NewMemoryResolver() *MemoryResolver {
	return &MemoryResolver{adapters: make(map[string]*Adapter)}
}

// Register makes an adapter resolvable under (entityType, entityID).
func (r *MemoryResolver) Register(entityType, entityID string, a *Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[entityType+"/"+entityID] = a
}

func (r *MemoryResolver) Resolve(ctx context.Context, entityType, entityID string) (*Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[entityType+"/"+entityID]
	if !ok {
		return nil, fmt.Errorf("actor: no adapter registered for %s/%s", entityType, entityID)
	}
	return a, nil
}

// Compile-time interface assertions.
var (
	_ TimerService    = (*LocalTimerService)(nil)
	_ ReminderService = (*MemoryReminderService)(nil)
	_ EntityResolver  = (*MemoryResolver)(nil)
)
