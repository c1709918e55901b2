package event

import "errors"

// EnvelopeType discriminates wire envelopes.
type EnvelopeType string

const (
	EnvelopeAgentEvent    EnvelopeType = "agent:event"
	EnvelopeReconnect     EnvelopeType = "agent:reconnect"
	EnvelopePendingEvents EnvelopeType = "agent:pending_events"
	EnvelopeConnected     EnvelopeType = "connected"
	EnvelopePing          EnvelopeType = "ping"
	EnvelopePong          EnvelopeType = "pong"
)

// Source identifies which logical stream an envelope belongs to.
type Source string

const (
	SourcePrimary Source = "primary"
	SourceChat    Source = "chat"
)

// ErrInvalidEnvelope is returned by Validate for envelopes that must be
// dropped (missing required fields for their type).
var ErrInvalidEnvelope = errors.New("event: invalid envelope")

// Envelope is the wire unit wrapping canonical events with routing metadata.
// Events carries replayed history on agent:pending_events; TotalEvents is
// the server's authoritative per-instance count on connected and
// pending_events frames.
type Envelope struct {
	Type        EnvelopeType `json:"type"`
	Source      Source       `json:"source,omitempty"`
	InstanceID  string       `json:"instance_id,omitempty"`
	WorkspaceID string       `json:"workspace_id,omitempty"`
	Event       *AgentEvent  `json:"event,omitempty"`
	Events      []AgentEvent `json:"events,omitempty"`
	Timestamp   int64        `json:"timestamp"`
	EventIndex  int          `json:"event_index,omitempty"`
	TotalEvents int          `json:"total_events,omitempty"`
	Status      AgentStatus  `json:"status,omitempty"`

	// LastEventTimestamp is the client's last-seen timestamp on
	// agent:reconnect requests.
	LastEventTimestamp int64 `json:"last_event_timestamp,omitempty"`
}

// Validate enforces the envelope invariant: every agent:event must carry
// source, instance id, and an event. Reconnect and pending_events frames
// must identify source and instance. Liveness frames are always valid.
func (e *Envelope) Validate() error {
	switch e.Type {
	case EnvelopeAgentEvent:
		if e.Source == "" || e.InstanceID == "" || e.Event == nil {
			return ErrInvalidEnvelope
		}
	case EnvelopeReconnect, EnvelopePendingEvents:
		if e.Source == "" || e.InstanceID == "" {
			return ErrInvalidEnvelope
		}
	case EnvelopeConnected, EnvelopePing, EnvelopePong:
		// No payload requirements.
	default:
		return ErrInvalidEnvelope
	}

	if e.Source != "" && e.Source != SourcePrimary && e.Source != SourceChat {
		return ErrInvalidEnvelope
	}

	return nil
}
