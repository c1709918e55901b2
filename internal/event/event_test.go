package event_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/weft/internal/event"
)

// ---------------------------------------------------------------------------
// Guard tests
// ---------------------------------------------------------------------------

func TestAgentEvent_Guards(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		ev    event.AgentEvent
		check func(event.AgentEvent) bool
		want  bool
	}{
		{
			name:  "message guard matches",
			ev:    event.NewMessage("hello", true),
			check: event.AgentEvent.IsMessage,
			want:  true,
		},
		{
			name:  "message guard rejects other types",
			ev:    event.NewStatus(event.StatusRunning),
			check: event.AgentEvent.IsMessage,
			want:  false,
		},
		{
			name: "message guard rejects missing payload",
			ev:   event.AgentEvent{Type: event.TypeMessage},
			check: event.AgentEvent.IsMessage,
			want: false,
		},
		{
			name: "tool_use guard matches",
			ev: event.AgentEvent{
				Type:    event.TypeToolUse,
				ToolUse: &event.ToolUsePayload{ToolUseID: "t1", Tool: "bash"},
			},
			check: event.AgentEvent.IsToolUse,
			want:  true,
		},
		{
			name: "tool_result guard matches",
			ev: event.AgentEvent{
				Type:       event.TypeToolResult,
				ToolResult: &event.ToolResultPayload{ToolUseID: "t1"},
			},
			check: event.AgentEvent.IsToolResult,
			want:  true,
		},
		{
			name: "result guard matches",
			ev: event.AgentEvent{
				Type:   event.TypeResult,
				Result: &event.ResultPayload{Content: "done"},
			},
			check: event.AgentEvent.IsResult,
			want:  true,
		},
		{
			name:  "error guard matches",
			ev:    event.NewError("boom", "E1", true),
			check: event.AgentEvent.IsError,
			want:  true,
		},
		{
			name:  "status guard matches",
			ev:    event.NewStatus(event.StatusStopped),
			check: event.AgentEvent.IsStatus,
			want:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.check(tt.ev))
		})
	}
}

func TestAgentEvent_IsSessionBoundary(t *testing.T) {
	t.Parallel()

	t.Run("explicit session id is a boundary", func(t *testing.T) {
		t.Parallel()

		ev := event.NewMessage("hi", false)
		ev.SessionID = "abc"
		assert.True(t, ev.IsSessionBoundary())
	})

	t.Run("starting status is a boundary", func(t *testing.T) {
		t.Parallel()

		assert.True(t, event.NewStatus(event.StatusStarting).IsSessionBoundary())
	})

	t.Run("plain message is not a boundary", func(t *testing.T) {
		t.Parallel()

		assert.False(t, event.NewMessage("hi", true).IsSessionBoundary())
	})

	t.Run("running status is not a boundary", func(t *testing.T) {
		t.Parallel()

		assert.False(t, event.NewStatus(event.StatusRunning).IsSessionBoundary())
	})
}

func TestAgentEvent_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	ev := event.AgentEvent{
		ID:        "ev-1",
		Type:      event.TypeToolResult,
		Timestamp: 1706123456789,
		ToolResult: &event.ToolResultPayload{
			ToolUseID: "call_9",
			Error:     "exit status 1",
			IsError:   true,
		},
	}

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var got event.AgentEvent
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, ev, got)
	assert.True(t, got.IsToolResult())
}

// ---------------------------------------------------------------------------
// Envelope validation
// ---------------------------------------------------------------------------

func TestEnvelope_Validate(t *testing.T) {
	t.Parallel()

	ev := event.NewMessage("hi", true)

	tests := []struct {
		name    string
		env     event.Envelope
		wantErr bool
	}{
		{
			name: "complete agent:event accepted",
			env: event.Envelope{
				Type:       event.EnvelopeAgentEvent,
				Source:     event.SourcePrimary,
				InstanceID: "inst-1",
				Event:      &ev,
			},
		},
		{
			name: "agent:event without source dropped",
			env: event.Envelope{
				Type:       event.EnvelopeAgentEvent,
				InstanceID: "inst-1",
				Event:      &ev,
			},
			wantErr: true,
		},
		{
			name: "agent:event without instance dropped",
			env: event.Envelope{
				Type:   event.EnvelopeAgentEvent,
				Source: event.SourceChat,
				Event:  &ev,
			},
			wantErr: true,
		},
		{
			name: "agent:event without event dropped",
			env: event.Envelope{
				Type:       event.EnvelopeAgentEvent,
				Source:     event.SourcePrimary,
				InstanceID: "inst-1",
			},
			wantErr: true,
		},
		{
			name: "unknown source dropped",
			env: event.Envelope{
				Type:       event.EnvelopeAgentEvent,
				Source:     "sidecar",
				InstanceID: "inst-1",
				Event:      &ev,
			},
			wantErr: true,
		},
		{
			name: "reconnect needs source and instance",
			env:  event.Envelope{Type: event.EnvelopeReconnect, Source: event.SourcePrimary},
			wantErr: true,
		},
		{
			name: "valid reconnect accepted",
			env: event.Envelope{
				Type:               event.EnvelopeReconnect,
				Source:             event.SourcePrimary,
				InstanceID:         "inst-1",
				LastEventTimestamp: 1706123456789,
			},
		},
		{
			name: "ping has no requirements",
			env:  event.Envelope{Type: event.EnvelopePing, Timestamp: 1},
		},
		{
			name:    "unknown envelope type dropped",
			env:     event.Envelope{Type: "agent:mystery"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.env.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, event.ErrInvalidEnvelope)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
