package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/weft/internal/event"
)

// EventRepo is the authoritative event log. The server assigns every
// event's id here; clients deduplicate on those ids during replay.
type EventRepo struct {
	pool *pgxpool.Pool
}

func NewEventRepo(pool *pgxpool.Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

// Append stores one event for an instance stream and returns it with the
// server-assigned id. An id already present on the event is replaced.
func (r *EventRepo) Append(ctx context.Context, source event.Source, instanceID string, ev event.AgentEvent) (event.AgentEvent, error) {
	ev.ID = uuid.NewString()

	payload, err := json.Marshal(ev)
	if err != nil {
		return event.AgentEvent{}, fmt.Errorf("eventRepo.Append: marshal: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO agent_events (id, instance_id, source, event_type, event_timestamp, payload)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, instanceID, string(source), string(ev.Type), ev.Timestamp, payload,
	)
	if err != nil {
		return event.AgentEvent{}, fmt.Errorf("eventRepo.Append: %w", err)
	}

	return ev, nil
}

// ListSince returns an instance stream's events with timestamps strictly
// after since, oldest first. since zero returns the whole stream.
func (r *EventRepo) ListSince(ctx context.Context, source event.Source, instanceID string, since int64) ([]event.AgentEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT payload FROM agent_events
		 WHERE instance_id = $1 AND source = $2 AND event_timestamp > $3
		 ORDER BY event_timestamp ASC, id ASC`,
		instanceID, string(source), since,
	)
	if err != nil {
		return nil, fmt.Errorf("eventRepo.ListSince: %w", err)
	}
	defer rows.Close()

	var events []event.AgentEvent
	for rows.Next() {
		var payload []byte

		err = rows.Scan(&payload)
		if err != nil {
			return nil, fmt.Errorf("eventRepo.ListSince: scan: %w", err)
		}

		var ev event.AgentEvent
		if err = json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("eventRepo.ListSince: decode: %w", err)
		}
		events = append(events, ev)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("eventRepo.ListSince: rows: %w", err)
	}

	return events, nil
}

// CountByInstance reports the authoritative event total for one instance
// stream. This is the number clients reconcile against.
func (r *EventRepo) CountByInstance(ctx context.Context, source event.Source, instanceID string) (int, error) {
	var count int

	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM agent_events WHERE instance_id = $1 AND source = $2`,
		instanceID, string(source),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("eventRepo.CountByInstance: %w", err)
	}

	return count, nil
}
