package eventlog

import (
	"context"
	"errors"
)

// Store errors.
var (
	// ErrSeqConflict reports an optimistic-concurrency failure: the entity's
	// log advanced past the expected sequence between read and append.
	ErrSeqConflict = errors.New("eventlog: sequence conflict")

	// ErrNotFound reports a missing snapshot.
	ErrNotFound = errors.New("eventlog: not found")

	// ErrClosed reports use after Close.
	ErrClosed = errors.New("eventlog: store closed")
)

// Store persists per-entity transition logs and snapshots.
//
// Contract summary:
//   - Append-only: confirmed events are never updated or deleted.
//   - Seq is dense per entity, starting at 1; Append assigns Seq values
//     expectedSeq+1..expectedSeq+len(events) and fails with ErrSeqConflict
//     when the stored tail is not expectedSeq.
//   - SaveSnapshot overwrites the single snapshot row per entity.
type Store interface {
	// Append atomically appends events for entityID and returns the new
	// last sequence number. expectedSeq must match the current tail
	// (0 for a fresh entity). The assigned Seq is written back onto the
	// passed events so callers can publish them as confirmed.
	Append(ctx context.Context, entityID string, events []*TransitionEvent, expectedSeq uint64) (uint64, error)

	// Read returns all events for entityID with Seq > afterSeq, in order.
	// A missing entity yields an empty slice, not an error.
	Read(ctx context.Context, entityID string, afterSeq uint64) ([]*TransitionEvent, error)

	// LastSeq returns the current tail sequence for entityID (0 if none).
	LastSeq(ctx context.Context, entityID string) (uint64, error)

	// SaveSnapshot stores the snapshot for entityID, replacing any prior one.
	SaveSnapshot(ctx context.Context, entityID string, snap *Snapshot) error

	// LoadSnapshot returns the snapshot for entityID, or ErrNotFound.
	LoadSnapshot(ctx context.Context, entityID string) (*Snapshot, error)

	Close() error
}
