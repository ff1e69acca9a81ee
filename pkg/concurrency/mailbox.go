package concurrency

import (
	"context"
	"errors"
	"sync/atomic"
)

var (
	// ErrMailboxClosed is returned on send or receive after Close.
	ErrMailboxClosed = errors.New("mailbox is closed")

	// ErrMailboxFull signals backpressure on a non-blocking send.
	ErrMailboxFull = errors.New("mailbox is full")
)

// Mailbox is a bounded message queue. Sends never block; a full mailbox
// rejects with ErrMailboxFull so the caller decides how to shed load.
type Mailbox struct {
	ch     chan interface{}
	closed int32
}

// NewMailbox creates a mailbox with the given capacity.
func NewMailbox(capacity int) *Mailbox {
	if capacity < 1 {
		capacity = 64
	}
	return &Mailbox{ch: make(chan interface{}, capacity)}
}

// Send enqueues msg without blocking.
func (m *Mailbox) Send(msg interface{}) error {
	if atomic.LoadInt32(&m.closed) == 1 {
		return ErrMailboxClosed
	}
	select {
	case m.ch <- msg:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Receive blocks until a message arrives, the mailbox closes, or ctx ends.
func (m *Mailbox) Receive(ctx context.Context) (interface{}, error) {
	select {
	case msg, ok := <-m.ch:
		if !ok {
			return nil, ErrMailboxClosed
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryReceive dequeues without blocking. The second result reports whether a
// message was available.
func (m *Mailbox) TryReceive() (interface{}, bool) {
	select {
	case msg, ok := <-m.ch:
		if !ok {
			return nil, false
		}
		return msg, true
	default:
		return nil, false
	}
}

// Close closes the mailbox. Buffered messages remain receivable.
func (m *Mailbox) Close() {
	if atomic.CompareAndSwapInt32(&m.closed, 0, 1) {
		close(m.ch)
	}
}

// Size returns the number of buffered messages.
func (m *Mailbox) Size() int { return len(m.ch) }

// Capacity returns the mailbox capacity.
func (m *Mailbox) Capacity() int { return cap(m.ch) }

// IsClosed reports whether Close was called.
func (m *Mailbox) IsClosed() bool { return atomic.LoadInt32(&m.closed) == 1 }
