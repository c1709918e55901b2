// Package sqlite persists the client-local event cache. It backs the
// reconciliation protocol: rows are idempotent on event id so server
// replays are safe to apply blindly.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/gosuda/weft/internal/client"
	"github.com/gosuda/weft/internal/event"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	task_id    TEXT,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	type       TEXT NOT NULL,
	timestamp  INTEGER NOT NULL,
	payload    TEXT NOT NULL,
	FOREIGN KEY (session_id) REFERENCES sessions(id)
);

CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, timestamp);
`

// Cache is the SQLite-backed event cache.
type Cache struct {
	db *sql.DB
}

var _ client.EventCache = (*Cache)(nil)

// Open creates or opens the cache database at path, creating parent
// directories and the schema as needed.
func Open(ctx context.Context, path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("sqlite.Open: create dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite.Open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite.Open: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite.Open: create schema: %w", err)
	}

	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// SaveEvent appends one event under the session. Server-assigned ids are
// kept verbatim and duplicate ids are silently ignored; events without an
// id get a locally generated one.
func (c *Cache) SaveEvent(ctx context.Context, ev event.AgentEvent, sessionID string) error {
	id := ev.ID
	if id == "" {
		id = uuid.NewString()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("sqlite.Cache.SaveEvent: marshal: %w", err)
	}

	if _, err := c.db.ExecContext(ctx, `
INSERT OR IGNORE INTO sessions (id, created_at) VALUES (?, ?)
`, sessionID, ev.Timestamp); err != nil {
		return fmt.Errorf("sqlite.Cache.SaveEvent: ensure session: %w", err)
	}

	if _, err := c.db.ExecContext(ctx, `
INSERT OR IGNORE INTO events (id, session_id, type, timestamp, payload)
VALUES (?, ?, ?, ?, ?)
`, id, sessionID, string(ev.Type), ev.Timestamp, string(payload)); err != nil {
		return fmt.Errorf("sqlite.Cache.SaveEvent: insert: %w", err)
	}

	return nil
}

// UpdateSessionTaskID links a session to the server-side run it belongs
// to. Best-effort: failures and unknown sessions report false, never an
// error.
func (c *Cache) UpdateSessionTaskID(ctx context.Context, sessionID, taskID string) bool {
	res, err := c.db.ExecContext(ctx, `UPDATE sessions SET task_id = ? WHERE id = ?`, taskID, sessionID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("sqlite: task id update failed")
		return false
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false
	}
	return rows > 0
}

// CountEvents reports how many events the cache holds for a session.
func (c *Cache) CountEvents(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE session_id = ?`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("sqlite.Cache.CountEvents: %w", err)
	}
	return count, nil
}

// ListEvents returns a session's cached events in timestamp order.
func (c *Cache) ListEvents(ctx context.Context, sessionID string) ([]event.AgentEvent, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT payload FROM events WHERE session_id = ? ORDER BY timestamp, id
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite.Cache.ListEvents: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var events []event.AgentEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("sqlite.Cache.ListEvents: scan: %w", err)
		}
		var ev event.AgentEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("sqlite.Cache.ListEvents: decode: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite.Cache.ListEvents: %w", err)
	}
	return events, nil
}

// TaskID returns the task linked to a session, if any.
func (c *Cache) TaskID(ctx context.Context, sessionID string) (string, error) {
	var taskID sql.NullString
	err := c.db.QueryRowContext(ctx, `SELECT task_id FROM sessions WHERE id = ?`, sessionID).Scan(&taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("sqlite.Cache.TaskID: %w", err)
	}
	return taskID.String, nil
}
