package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Dialect abstracts over placeholder syntax between database/sql drivers.
type Dialect int

const (
	// DialectSQLite uses ? placeholders.
	DialectSQLite Dialect = iota
	// DialectPostgres uses $1..$n placeholders.
	DialectPostgres
)

// SQLStore persists the event log through database/sql. It works against
// SQLite and Postgres; see NewSQLiteStore and NewPostgresStore for the
// driver-specific constructors.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an open database handle. Migrate must be called before
// first use unless the schema already exists.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS grain_events (
    entity_id  TEXT    NOT NULL,
    seq        BIGINT  NOT NULL,
    payload    %s      NOT NULL,
    PRIMARY KEY (entity_id, seq)
);
CREATE TABLE IF NOT EXISTS grain_snapshots (
    entity_id  TEXT PRIMARY KEY,
    payload    %s   NOT NULL
);`

// Migrate creates the event and snapshot tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	blob := "BLOB"
	if s.dialect == DialectPostgres {
		blob = "BYTEA"
	}
	for _, stmt := range strings.Split(fmt.Sprintf(sqlSchema, blob, blob), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("eventlog: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Append(ctx context.Context, entityID string, events []*TransitionEvent, expectedSeq uint64) (uint64, error) {
	if len(events) == 0 {
		return 0, fmt.Errorf("eventlog: empty append for %q", entityID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var tail uint64
	row := tx.QueryRowContext(ctx,
		s.rebind(`SELECT COALESCE(MAX(seq), 0) FROM grain_events WHERE entity_id = ?`), entityID)
	if err := row.Scan(&tail); err != nil {
		return 0, err
	}
	if tail != expectedSeq {
		return 0, fmt.Errorf("%w: entity %q at seq %d, expected %d", ErrSeqConflict, entityID, tail, expectedSeq)
	}

	insert := s.rebind(`INSERT INTO grain_events (entity_id, seq, payload) VALUES (?, ?, ?)`)
	seq := tail
	for _, ev := range events {
		seq++
		if _, err := tx.ExecContext(ctx, insert, entityID, int64(seq), MarshalEvent(ev)); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	for i, ev := range events {
		ev.Seq = tail + uint64(i) + 1
	}
	return seq, nil
}

func (s *SQLStore) Read(ctx context.Context, entityID string, afterSeq uint64) ([]*TransitionEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT seq, payload FROM grain_events WHERE entity_id = ? AND seq > ? ORDER BY seq`),
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

func (s *SQLStore) LastSeq(ctx context.Context, entityID string) (uint64, error) {
	var tail uint64
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COALESCE(MAX(seq), 0) FROM grain_events WHERE entity_id = ?`), entityID)
	if err := row.Scan(&tail); err != nil {
		return 0, err
	}
	return tail, nil
}

func (s *SQLStore) SaveSnapshot(ctx context.Context, entityID string, snap *Snapshot) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO grain_snapshots (entity_id, payload) VALUES (?, ?)
		          ON CONFLICT (entity_id) DO UPDATE SET payload = excluded.payload`),
		entityID, MarshalSnapshot(snap))
	return err
}

func (s *SQLStore) LoadSnapshot(ctx context.Context, entityID string) (*Snapshot, error) {
	var payload []byte
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT payload FROM grain_snapshots WHERE entity_id = ?`), entityID)
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return UnmarshalSnapshot(payload)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// Compile-time interface assertion.
var _ Store = (*SQLStore)(nil)
