// Package client implements the receiving side of the event protocol: a
// reconnecting transport manager, per-instance session tracking, cache
// reconciliation against the server's authoritative event counts, and
// multi-instance routing.
package client

import (
	"context"

	"github.com/gosuda/weft/internal/event"
)

// EventCache is the narrow contract to the local persistent cache. Writes
// are idempotent appends keyed by event id; UpdateSessionTaskID links a
// session to the server-side run it belongs to, best-effort, and reports
// success instead of failing.
type EventCache interface {
	SaveEvent(ctx context.Context, ev event.AgentEvent, sessionID string) error
	UpdateSessionTaskID(ctx context.Context, sessionID, taskID string) bool
	CountEvents(ctx context.Context, sessionID string) (int, error)
}

// SavedState is the server's persisted run state for one instance, used by
// the auto-resume branch after reconnection.
type SavedState struct {
	InstanceID string            `json:"instance_id"`
	Status     event.AgentStatus `json:"status"`
	SessionID  string            `json:"session_id,omitempty"`
	UpdatedAt  int64             `json:"updated_at"`
}

// StateAPI is the saved-run-state collaborator.
type StateAPI interface {
	// CheckForSavedSessionState returns nil when the server has no
	// persisted run for this client.
	CheckForSavedSessionState(ctx context.Context) (*SavedState, error)

	// RestoreSessionState asks the server to resume a persisted run.
	RestoreSessionState(ctx context.Context, instanceID string) error
}
