// Package ws serves the event stream to clients: live envelopes fanned in
// from Redis, replay of missed events on reconnect, and liveness pings.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/weft/internal/event"
	"github.com/gosuda/weft/internal/store/postgres"
)

// Frames can carry whole replay batches.
const maxFrameBytes = 4 * 1024 * 1024

// EventLog is the authoritative event store the hub replays from.
type EventLog interface {
	ListSince(ctx context.Context, source event.Source, instanceID string, since int64) ([]event.AgentEvent, error)
	CountByInstance(ctx context.Context, source event.Source, instanceID string) (int, error)
}

// RunStates reports persisted instance status for connected/replay frames.
type RunStates interface {
	Load(ctx context.Context, instanceID string) (postgres.RunState, error)
	Latest(ctx context.Context) (postgres.RunState, error)
}

// Broker delivers live envelopes published by the adapter host.
type Broker interface {
	SubscribePattern(ctx context.Context, pattern string) (<-chan []byte, func(), error)
}

// Hub manages WebSocket connections for the event stream.
type Hub struct {
	events  EventLog
	runs    RunStates
	broker  Broker
	pattern string
}

func NewHub(events EventLog, runs RunStates, broker Broker, pattern string) *Hub {
	return &Hub{
		events:  events,
		runs:    runs,
		broker:  broker,
		pattern: pattern,
	}
}

// ServeEvents is the /ws/events handler. One goroutine reads client frames
// (reconnect requests, pings), the handler goroutine is the only writer.
func (h *Hub) ServeEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	messages, cleanup, err := h.broker.SubscribePattern(ctx, h.pattern)
	if err != nil {
		log.Error().Err(err).Msg("websocket subscribe")
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer cleanup()

	// Replies to client frames are funnelled here so the writer stays
	// single-threaded.
	replies := make(chan event.Envelope, 16)
	go h.readLoop(ctx, cancel, conn, replies)

	if err := h.writeEnvelope(ctx, conn, h.connectedFrame(ctx)); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
			return
		case msg, msgOK := <-messages:
			if !msgOK {
				_ = conn.Close(websocket.StatusNormalClosure, "channel closed")
				return
			}
			if writeErr := conn.Write(ctx, websocket.MessageText, msg); writeErr != nil {
				log.Debug().Err(writeErr).Msg("websocket write")
				return
			}
		case env := <-replies:
			if err := h.writeEnvelope(ctx, conn, env); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, replies chan<- event.Envelope) {
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var env event.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Debug().Err(err).Msg("ws: unparseable client frame dropped")
			continue
		}

		switch env.Type {
		case event.EnvelopePing:
			replies <- event.Envelope{Type: event.EnvelopePong, Timestamp: event.NowMillis()}
		case event.EnvelopePong:
		case event.EnvelopeReconnect:
			if env.Validate() != nil {
				log.Debug().Str("instance_id", env.InstanceID).Msg("ws: invalid reconnect request dropped")
				continue
			}
			replies <- h.pendingEventsFrame(ctx, env)
		case event.EnvelopeAgentEvent, event.EnvelopePendingEvents, event.EnvelopeConnected:
			// Server-to-client frame types are not accepted inbound.
		}
	}
}

// pendingEventsFrame builds the replay answer for one reconnect request:
// everything after the client's last-seen timestamp plus the authoritative
// total the client reconciles against.
func (h *Hub) pendingEventsFrame(ctx context.Context, req event.Envelope) event.Envelope {
	frame := event.Envelope{
		Type:       event.EnvelopePendingEvents,
		Source:     req.Source,
		InstanceID: req.InstanceID,
		Timestamp:  event.NowMillis(),
	}

	events, err := h.events.ListSince(ctx, req.Source, req.InstanceID, req.LastEventTimestamp)
	if err != nil {
		log.Error().Err(err).Str("instance_id", req.InstanceID).Msg("ws: replay query failed")
		return frame
	}
	total, err := h.events.CountByInstance(ctx, req.Source, req.InstanceID)
	if err != nil {
		log.Error().Err(err).Str("instance_id", req.InstanceID).Msg("ws: count query failed")
		return frame
	}

	frame.Events = events
	frame.TotalEvents = total

	if state, err := h.runs.Load(ctx, req.InstanceID); err == nil {
		frame.Status = state.Status
	} else if !errors.Is(err, postgres.ErrRunStateNotFound) {
		log.Warn().Err(err).Str("instance_id", req.InstanceID).Msg("ws: run state lookup failed")
	}

	return frame
}

// connectedFrame greets a fresh connection. When a persisted run exists it
// carries that instance's stream total so the client can reconcile before
// any reconnect request.
func (h *Hub) connectedFrame(ctx context.Context) event.Envelope {
	frame := event.Envelope{Type: event.EnvelopeConnected, Timestamp: event.NowMillis()}

	state, err := h.runs.Latest(ctx)
	if err != nil {
		if !errors.Is(err, postgres.ErrRunStateNotFound) {
			log.Warn().Err(err).Msg("ws: latest run state lookup failed")
		}
		return frame
	}

	total, err := h.events.CountByInstance(ctx, event.SourcePrimary, state.InstanceID)
	if err != nil {
		log.Warn().Err(err).Str("instance_id", state.InstanceID).Msg("ws: count query failed")
		return frame
	}

	frame.Source = event.SourcePrimary
	frame.InstanceID = state.InstanceID
	frame.TotalEvents = total
	frame.Status = state.Status
	return frame
}

func (h *Hub) writeEnvelope(ctx context.Context, conn *websocket.Conn, env event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("ws: marshal envelope")
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		log.Debug().Err(err).Msg("websocket write")
		return err
	}
	return nil
}
