package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/weft/internal/api/ws"
	"github.com/gosuda/weft/internal/event"
	"github.com/gosuda/weft/internal/store/postgres"
)

type fakeLog struct {
	events map[string][]event.AgentEvent
}

func (f *fakeLog) ListSince(_ context.Context, _ event.Source, instanceID string, since int64) ([]event.AgentEvent, error) {
	var out []event.AgentEvent
	for _, ev := range f.events[instanceID] {
		if ev.Timestamp > since {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeLog) CountByInstance(_ context.Context, _ event.Source, instanceID string) (int, error) {
	return len(f.events[instanceID]), nil
}

type fakeRuns struct {
	states map[string]postgres.RunState
	latest string
}

func (f *fakeRuns) Load(_ context.Context, instanceID string) (postgres.RunState, error) {
	state, ok := f.states[instanceID]
	if !ok {
		return postgres.RunState{}, postgres.ErrRunStateNotFound
	}
	return state, nil
}

func (f *fakeRuns) Latest(_ context.Context) (postgres.RunState, error) {
	if f.latest == "" {
		return postgres.RunState{}, postgres.ErrRunStateNotFound
	}
	return f.states[f.latest], nil
}

type fakeBroker struct {
	messages chan []byte
}

func (f *fakeBroker) SubscribePattern(_ context.Context, _ string) (<-chan []byte, func(), error) {
	return f.messages, func() {}, nil
}

func dialHub(t *testing.T, hub *ws.Hub) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeEvents))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, srv.URL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) event.Envelope {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var env event.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, env event.Envelope) {
	t.Helper()

	data, err := json.Marshal(env)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func loggedEvents(instanceID string, n int) []event.AgentEvent {
	events := make([]event.AgentEvent, 0, n)
	for i := 0; i < n; i++ {
		ev := event.NewMessage("m", false)
		ev.ID = instanceID + "-ev-" + string(rune('a'+i))
		ev.Timestamp = int64((i + 1) * 100)
		events = append(events, ev)
	}
	return events
}

func TestHub_ConnectedFrameCarriesTotals(t *testing.T) {
	t.Parallel()

	hub := ws.NewHub(
		&fakeLog{events: map[string][]event.AgentEvent{"x": loggedEvents("x", 4)}},
		&fakeRuns{
			states: map[string]postgres.RunState{"x": {InstanceID: "x", Status: event.StatusRunning}},
			latest: "x",
		},
		&fakeBroker{messages: make(chan []byte)},
		"events:*",
	)

	conn := dialHub(t, hub)

	env := readEnvelope(t, conn)
	assert.Equal(t, event.EnvelopeConnected, env.Type)
	assert.Equal(t, "x", env.InstanceID)
	assert.Equal(t, 4, env.TotalEvents)
	assert.Equal(t, event.StatusRunning, env.Status)
}

func TestHub_ConnectedFrameWithoutRuns(t *testing.T) {
	t.Parallel()

	hub := ws.NewHub(
		&fakeLog{events: map[string][]event.AgentEvent{}},
		&fakeRuns{states: map[string]postgres.RunState{}},
		&fakeBroker{messages: make(chan []byte)},
		"events:*",
	)

	conn := dialHub(t, hub)

	env := readEnvelope(t, conn)
	assert.Equal(t, event.EnvelopeConnected, env.Type)
	assert.Empty(t, env.InstanceID)
	assert.Zero(t, env.TotalEvents)
}

func TestHub_ReconnectAnsweredWithPendingEvents(t *testing.T) {
	t.Parallel()

	hub := ws.NewHub(
		&fakeLog{events: map[string][]event.AgentEvent{"x": loggedEvents("x", 5)}},
		&fakeRuns{
			states: map[string]postgres.RunState{"x": {InstanceID: "x", Status: event.StatusRunning}},
		},
		&fakeBroker{messages: make(chan []byte)},
		"events:*",
	)

	conn := dialHub(t, hub)
	readEnvelope(t, conn) // connected

	writeEnvelope(t, conn, event.Envelope{
		Type:               event.EnvelopeReconnect,
		Source:             event.SourcePrimary,
		InstanceID:         "x",
		LastEventTimestamp: 200,
		Timestamp:          event.NowMillis(),
	})

	env := readEnvelope(t, conn)
	assert.Equal(t, event.EnvelopePendingEvents, env.Type)
	assert.Equal(t, "x", env.InstanceID)
	assert.Equal(t, 5, env.TotalEvents, "total is the whole stream, not the replay slice")
	require.Len(t, env.Events, 3, "only events after the client's last-seen timestamp")
	assert.Equal(t, "x-ev-c", env.Events[0].ID)
	assert.Equal(t, event.StatusRunning, env.Status)
}

func TestHub_PingAnsweredWithPong(t *testing.T) {
	t.Parallel()

	hub := ws.NewHub(
		&fakeLog{events: map[string][]event.AgentEvent{}},
		&fakeRuns{states: map[string]postgres.RunState{}},
		&fakeBroker{messages: make(chan []byte)},
		"events:*",
	)

	conn := dialHub(t, hub)
	readEnvelope(t, conn) // connected

	writeEnvelope(t, conn, event.Envelope{Type: event.EnvelopePing, Timestamp: event.NowMillis()})

	env := readEnvelope(t, conn)
	assert.Equal(t, event.EnvelopePong, env.Type)
	assert.NotZero(t, env.Timestamp)
}

func TestHub_ForwardsBrokerEnvelopes(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{messages: make(chan []byte, 1)}
	hub := ws.NewHub(
		&fakeLog{events: map[string][]event.AgentEvent{}},
		&fakeRuns{states: map[string]postgres.RunState{}},
		broker,
		"events:*",
	)

	conn := dialHub(t, hub)
	readEnvelope(t, conn) // connected

	ev := event.NewMessage("live", true)
	payload, err := json.Marshal(event.Envelope{
		Type:       event.EnvelopeAgentEvent,
		Source:     event.SourcePrimary,
		InstanceID: "x",
		Event:      &ev,
		Timestamp:  event.NowMillis(),
	})
	require.NoError(t, err)
	broker.messages <- payload

	env := readEnvelope(t, conn)
	assert.Equal(t, event.EnvelopeAgentEvent, env.Type)
	require.NotNil(t, env.Event)
	assert.Equal(t, "live", env.Event.Message.Content)
	assert.True(t, env.Event.IsMessage())
}
