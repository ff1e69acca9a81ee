package eventlog

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu        sync.RWMutex
	closed    bool
	events    map[string][]*TransitionEvent
	snapshots map[string]*Snapshot
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:    make(map[string][]*TransitionEvent),
		snapshots: make(map[string]*Snapshot),
	}
}

func (s *MemoryStore) Append(ctx context.Context, entityID string, events []*TransitionEvent, expectedSeq uint64) (uint64, error) {
	if len(events) == 0 {
		return 0, fmt.Errorf("eventlog: empty append for %q", entityID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	log := s.events[entityID]
	tail := uint64(len(log))
	if tail != expectedSeq {
		return 0, fmt.Errorf("%w: entity %q at seq %d, expected %d", ErrSeqConflict, entityID, tail, expectedSeq)
	}

	for _, ev := range events {
		tail++
		ev.Seq = tail
		cp := *ev
		log = append(log, &cp)
	}
	s.events[entityID] = log
	return tail, nil
}

func (s *MemoryStore) Read(ctx context.Context, entityID string, afterSeq uint64) ([]*TransitionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	log := s.events[entityID]
	if afterSeq >= uint64(len(log)) {
		return nil, nil
	}
	out := make([]*TransitionEvent, 0, uint64(len(log))-afterSeq)
	for _, ev := range log[afterSeq:] {
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) LastSeq(ctx context.Context, entityID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return uint64(len(s.events[entityID])), nil
}

func (s *MemoryStore) SaveSnapshot(ctx context.Context, entityID string, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cp := *snap
	cp.ReminderConfigs = append([]ReminderConfig(nil), snap.ReminderConfigs...)
	s.snapshots[entityID] = &cp
	return nil
}

func (s *MemoryStore) LoadSnapshot(ctx context.Context, entityID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	snap, ok := s.snapshots[entityID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *snap
	cp.ReminderConfigs = append([]ReminderConfig(nil), snap.ReminderConfigs...)
	return &cp, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Compile-time interface assertion.
var _ Store = (*MemoryStore)(nil)
