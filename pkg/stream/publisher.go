// Package stream publishes confirmed transition events to a pub/sub fabric.
// Publication is fire-and-forget from the adapter's point of view: the
// durable event log is the source of truth, the stream is a projection.
package stream

import (
	"context"
	"sync"

	"github.com/grainflow/grainflow/pkg/eventlog"
)

// Publisher delivers confirmed events to subscribers of a per-entity stream.
type Publisher interface {
	// Publish sends the event on the stream identified by
	// (namespace, entityID). Returns after the transport accepts the message.
	Publish(ctx context.Context, namespace, entityID string, ev *eventlog.TransitionEvent) error

	Close() error
}

// MemoryPublisher is an in-process Publisher for tests. It records every
// published event per stream and fans out to registered handlers.
type MemoryPublisher struct {
	mu       sync.Mutex
	streams  map[string][]*eventlog.TransitionEvent
	handlers map[string][]func(*eventlog.TransitionEvent)
}

// NewMemoryPublisher creates an empty in-process publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{
		streams:  make(map[string][]*eventlog.TransitionEvent),
		handlers: make(map[string][]func(*eventlog.TransitionEvent)),
	}
}

func streamKey(namespace, entityID string) string {
	return namespace + "/" + entityID
}

func (p *MemoryPublisher) Publish(ctx context.Context, namespace, entityID string, ev *eventlog.TransitionEvent) error {
	key := streamKey(namespace, entityID)
	p.mu.Lock()
	cp := *ev
	p.streams[key] = append(p.streams[key], &cp)
	handlers := append([]func(*eventlog.TransitionEvent){}, p.handlers[key]...)
	p.mu.Unlock()

	for _, h := range handlers {
		h(&cp)
	}
	return nil
}

// Subscribe registers a handler for one stream. Handlers run synchronously
// inside Publish.
func (p *MemoryPublisher) Subscribe(namespace, entityID string, handler func(*eventlog.TransitionEvent)) {
	key := streamKey(namespace, entityID)
	p.mu.Lock()
	p.handlers[key] = append(p.handlers[key], handler)
	p.mu.Unlock()
}

// Events returns the events published so far on one stream.
func (p *MemoryPublisher) Events(namespace, entityID string) []*eventlog.TransitionEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*eventlog.TransitionEvent(nil), p.streams[streamKey(namespace, entityID)]...)
}

func (p *MemoryPublisher) Close() error { return nil }

// Compile-time interface assertion.
var _ Publisher = (*MemoryPublisher)(nil)
