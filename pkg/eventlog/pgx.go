package eventlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxStore is a Postgres Store on the native pgx driver. It batches event
// inserts through pgx.Batch, which matters for high-fan-out saga appends.
type PgxStore struct {
	pool *pgxpool.Pool
}

// NewPgxStore connects a pgxpool-backed store and ensures the schema.
func NewPgxStore(ctx context.Context, dsn string) (*PgxStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("eventlog: pgx connect: %w", err)
	}
	s := &PgxStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PgxStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS grain_events (
			entity_id TEXT   NOT NULL,
			seq       BIGINT NOT NULL,
			payload   BYTEA  NOT NULL,
			PRIMARY KEY (entity_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS grain_snapshots (
			entity_id TEXT PRIMARY KEY,
			payload   BYTEA NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("eventlog: migrate: %w", err)
		}
	}
	return nil
}

func (s *PgxStore) Append(ctx context.Context, entityID string, events []*TransitionEvent, expectedSeq uint64) (uint64, error) {
	if len(events) == 0 {
		return 0, fmt.Errorf("eventlog: empty append for %q", entityID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var tail uint64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM grain_events WHERE entity_id = $1`, entityID).Scan(&tail)
	if err != nil {
		return 0, err
	}
	if tail != expectedSeq {
		return 0, fmt.Errorf("%w: entity %q at seq %d, expected %d", ErrSeqConflict, entityID, tail, expectedSeq)
	}

	batch := &pgx.Batch{}
	seq := tail
	for _, ev := range events {
		seq++
		batch.Queue(`INSERT INTO grain_events (entity_id, seq, payload) VALUES ($1, $2, $3)`,
			entityID, int64(seq), MarshalEvent(ev))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}

	for i, ev := range events {
		ev.Seq = tail + uint64(i) + 1
	}
	return seq, nil
}

func (s *PgxStore) Read(ctx context.Context, entityID string, afterSeq uint64) ([]*TransitionEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, payload FROM grain_events WHERE entity_id = $1 AND seq > $2 ORDER BY seq`,
		entityID, int64(afterSeq))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TransitionEvent
	for rows.Next() {
		var seq int64
		var payload []byte
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, err
		}
		ev, err := UnmarshalEvent(payload)
		if err != nil {
			return nil, fmt.Errorf("eventlog: decode %q seq %d: %w", entityID, seq, err)
		}
		ev.Seq = uint64(seq)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PgxStore) LastSeq(ctx context.Context, entityID string) (uint64, error) {
	var tail uint64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM grain_events WHERE entity_id = $1`, entityID).Scan(&tail)
	return tail, err
}

func (s *PgxStore) SaveSnapshot(ctx context.Context, entityID string, snap *Snapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO grain_snapshots (entity_id, payload) VALUES ($1, $2)
		 ON CONFLICT (entity_id) DO UPDATE SET payload = excluded.payload`,
		entityID, MarshalSnapshot(snap))
	return err
}

func (s *PgxStore) LoadSnapshot(ctx context.Context, entityID string) (*Snapshot, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM grain_snapshots WHERE entity_id = $1`, entityID).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return UnmarshalSnapshot(payload)
}

func (s *PgxStore) Close() error {
	s.pool.Close()
	return nil
}

// Compile-time interface assertion.
var _ Store = (*PgxStore)(nil)
