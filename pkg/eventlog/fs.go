package eventlog

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FSStoreConfig configures the file-backed store.
type FSStoreConfig struct {
	Dir string

	// Fsync forces a sync after every append and snapshot write.
	Fsync bool
}

// FSStore keeps one append-only log file and one snapshot file per entity.
//
// Log record format (little endian): [seq u64][len u32][payload bytes].
// The snapshot file holds a single encoded Snapshot and is replaced
// atomically via rename.
type FSStore struct {
	cfg FSStoreConfig

	mu     sync.Mutex
	closed bool
	tails  map[string]uint64 // entity -> last seq, lazily scanned
}

// NewFSStore creates a file-backed store rooted at cfg.Dir.
func NewFSStore(cfg FSStoreConfig) (*FSStore, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("eventlog: dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	return &FSStore{
		cfg:   cfg,
		tails: make(map[string]uint64),
	}, nil
}

func (s *FSStore) Append(ctx context.Context, entityID string, events []*TransitionEvent, expectedSeq uint64) (uint64, error) {
	if len(events) == 0 {
		return 0, fmt.Errorf("eventlog: empty append for %q", entityID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	tail, err := s.tailLocked(entityID)
	if err != nil {
		return 0, err
	}
	if tail != expectedSeq {
		return 0, fmt.Errorf("%w: entity %q at seq %d, expected %d", ErrSeqConflict, entityID, tail, expectedSeq)
	}

	f, err := os.OpenFile(s.logPath(entityID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var buf []byte
	seq := tail
	for _, ev := range events {
		seq++
		payload := MarshalEvent(ev)
		buf = binary.LittleEndian.AppendUint64(buf, seq)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
		buf = append(buf, payload...)
	}
	if _, err := f.Write(buf); err != nil {
		return 0, err
	}
	if s.cfg.Fsync {
		if err := f.Sync(); err != nil {
			return 0, err
		}
	}

	for i, ev := range events {
		ev.Seq = tail + uint64(i) + 1
	}
	s.tails[entityID] = seq
	return seq, nil
}

func (s *FSStore) Read(ctx context.Context, entityID string, afterSeq uint64) ([]*TransitionEvent, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	f, err := os.Open(s.logPath(entityID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []*TransitionEvent
	for {
		seq, payload, err := readLogRecord(f)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, fmt.Errorf("eventlog: read %q: %w", entityID, err)
		}
		if seq <= afterSeq {
			continue
		}
		ev, err := UnmarshalEvent(payload)
		if err != nil {
			return nil, fmt.Errorf("eventlog: decode %q seq %d: %w", entityID, seq, err)
		}
		ev.Seq = seq
		out = append(out, ev)
	}
}

func (s *FSStore) LastSeq(ctx context.Context, entityID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.tailLocked(entityID)
}

func (s *FSStore) SaveSnapshot(ctx context.Context, entityID string, snap *Snapshot) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	path := s.snapshotPath(entityID)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(MarshalSnapshot(snap)); err != nil {
		_ = f.Close()
		return err
	}
	if s.cfg.Fsync {
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *FSStore) LoadSnapshot(ctx context.Context, entityID string) (*Snapshot, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	data, err := os.ReadFile(s.snapshotPath(entityID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return UnmarshalSnapshot(data)
}

func (s *FSStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// tailLocked returns the cached tail seq, scanning the log file on first use.
func (s *FSStore) tailLocked(entityID string) (uint64, error) {
	if tail, ok := s.tails[entityID]; ok {
		return tail, nil
	}

	f, err := os.Open(s.logPath(entityID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.tails[entityID] = 0
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	var tail uint64
	for {
		seq, _, err := readLogRecord(f)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return 0, fmt.Errorf("eventlog: scan %q: %w", entityID, err)
		}
		if seq > tail {
			tail = seq
		}
	}
	s.tails[entityID] = tail
	return tail, nil
}

// readLogRecord reads one framed record. A truncated trailing record is
// treated as EOF so a torn write does not poison the log.
func readLogRecord(r io.Reader) (uint64, []byte, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, io.EOF
		}
		return 0, nil, err
	}
	seq := binary.LittleEndian.Uint64(hdr[0:8])
	n := binary.LittleEndian.Uint32(hdr[8:12])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return 0, nil, io.EOF
		}
		return 0, nil, err
	}
	return seq, payload, nil
}

func (s *FSStore) logPath(entityID string) string {
	return filepath.Join(s.cfg.Dir, encodeEntityID(entityID)+".log")
}

func (s *FSStore) snapshotPath(entityID string) string {
	return filepath.Join(s.cfg.Dir, encodeEntityID(entityID)+".snap")
}

// encodeEntityID maps an entity id to a safe file name. IDs that are already
// plain stay readable; anything else is hex encoded.
func encodeEntityID(id string) string {
	plain := true
	for _, r := range id {
		if !(r == '-' || r == '_' || r == '.' ||
			(r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')) {
			plain = false
			break
		}
	}
	if plain && id != "" {
		return id
	}
	return "x" + hex.EncodeToString([]byte(id))
}

// Compile-time interface assertion.
var _ Store = (*FSStore)(nil)
