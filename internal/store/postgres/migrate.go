package postgres

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS agent_events (
	id              UUID PRIMARY KEY,
	instance_id     TEXT NOT NULL,
	source          TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	event_timestamp BIGINT NOT NULL,
	payload         JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_agent_events_stream
	ON agent_events (instance_id, source, event_timestamp);

CREATE TABLE IF NOT EXISTS run_states (
	instance_id TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	session_id  TEXT NOT NULL DEFAULT '',
	updated_at  BIGINT NOT NULL
);
`

// Migrate creates the schema if it does not exist. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres.Store.Migrate: %w", err)
	}
	return nil
}
