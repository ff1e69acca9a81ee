// Package concurrency provides the small synchronization building blocks the
// dispatcher and actor layers are built on: a context-aware counting
// semaphore, a bounded mailbox, and a worker pool.
package concurrency

import (
	"context"
	"errors"
)

// ErrSemaphoreClosed is returned by Acquire after Close.
var ErrSemaphoreClosed = errors.New("semaphore is closed")

// Semaphore is a counting semaphore that bounds in-flight work.
type Semaphore struct {
	slots  chan struct{}
	closed chan struct{}
}

// NewSemaphore creates a semaphore with the given number of slots.
func NewSemaphore(limit int) *Semaphore {
	if limit < 1 {
		limit = 1
	}
	return &Semaphore{
		slots:  make(chan struct{}, limit),
		closed: make(chan struct{}),
	}
}

// Acquire takes a slot, blocking until one is free or ctx is cancelled.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case <-s.closed:
		return ErrSemaphoreClosed
	default:
	}
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-s.closed:
		return ErrSemaphoreClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes a slot without blocking.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a slot. Releasing more than was acquired is a programming
// error and panics.
func (s *Semaphore) Release() {
	select {
	case <-s.slots:
	default:
		panic("concurrency: semaphore released without acquire")
	}
}

// InFlight returns the number of currently held slots.
func (s *Semaphore) InFlight() int {
	return len(s.slots)
}

// Limit returns the slot count.
func (s *Semaphore) Limit() int {
	return cap(s.slots)
}

// Close unblocks all pending and future Acquire calls with ErrSemaphoreClosed.
func (s *Semaphore) Close() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
}
