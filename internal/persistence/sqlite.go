package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const busyTimeout = 5 * time.Second

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS orchestrator_snapshot (
    id         INTEGER PRIMARY KEY CHECK (id = 1),
    payload    BLOB NOT NULL,
    updated_at TIMESTAMP NOT NULL
);`

// SQLiteStore persists the orchestrator snapshot in a single-row table.
// The connection is capped at one writer, which with WAL mode keeps writes
// serialized without SQLITE_BUSY errors.
type SQLiteStore struct {
	db *sqlx.DB
}

// OpenSQLite opens (creating if needed) the snapshot database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	abs, err := filepath.Abs(path)
	if err == nil {
		path = abs
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare database path: %w", err)
		}
	}

	// WAL for read concurrency, NORMAL sync as the durability/perf tradeoff,
	// busy_timeout to ride out transient locks.
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		path,
		int(busyTimeout/time.Millisecond),
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(snapshotSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create snapshot table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Save replaces the stored snapshot.
func (s *SQLiteStore) Save(ctx context.Context, state *State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO orchestrator_snapshot (id, payload, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// Load reads the stored snapshot, returning an empty state when none exists.
func (s *SQLiteStore) Load(ctx context.Context) (*State, error) {
	var payload []byte
	err := s.db.GetContext(ctx, &payload, `SELECT payload FROM orchestrator_snapshot WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	state := NewState()
	if err := json.Unmarshal(payload, state); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	state.normalize()
	return state, nil
}

// Close runs PRAGMA optimize and closes the database.
func (s *SQLiteStore) Close() error {
	_, _ = s.db.Exec("PRAGMA optimize")
	return s.db.Close()
}
