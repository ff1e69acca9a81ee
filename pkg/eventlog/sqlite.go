package eventlog

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// NewSQLiteStore opens (or creates) a SQLite-backed store at path. Use
// ":memory:" for an ephemeral database.
func NewSQLiteStore(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open sqlite %q: %w", path, err)
	}
	// SQLite handles one writer at a time; serialize through the pool.
	db.SetMaxOpenConns(1)

	s := NewSQLStore(db, DialectSQLite)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
