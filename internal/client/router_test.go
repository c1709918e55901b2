package client_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/weft/internal/client"
	"github.com/gosuda/weft/internal/event"
)

type collector struct {
	envelopes []event.Envelope
}

func (c *collector) Deliver(_ context.Context, env event.Envelope) {
	c.envelopes = append(c.envelopes, env)
}

func primaryEnvelope(instanceID string, ev event.AgentEvent) event.Envelope {
	return event.Envelope{
		Type:       event.EnvelopeAgentEvent,
		Source:     event.SourcePrimary,
		InstanceID: instanceID,
		Event:      &ev,
		Timestamp:  ev.Timestamp,
	}
}

func TestRouter_PrimaryRoutesByActiveInstance(t *testing.T) {
	t.Parallel()

	active := &collector{}
	background := &collector{}
	r := client.NewRouter(active, background)
	r.SetActiveInstance("a")

	ctx := context.Background()
	r.Route(ctx, primaryEnvelope("a", event.NewMessage("for active", false)))
	r.Route(ctx, primaryEnvelope("b", event.NewMessage("for background", false)))

	require.Len(t, active.envelopes, 1)
	assert.Equal(t, "a", active.envelopes[0].InstanceID)
	require.Len(t, background.envelopes, 1)
	assert.Equal(t, "b", background.envelopes[0].InstanceID)
}

func TestRouter_ChatOnlyForActiveInstance(t *testing.T) {
	t.Parallel()

	active := &collector{}
	background := &collector{}
	r := client.NewRouter(active, background)
	r.SetActiveInstance("a")

	ev := event.NewMessage("chat", false)
	env := event.Envelope{
		Type:       event.EnvelopeAgentEvent,
		Source:     event.SourceChat,
		InstanceID: "b",
		Event:      &ev,
	}

	ctx := context.Background()
	r.Route(ctx, env)
	assert.Empty(t, active.envelopes, "chat for inactive instance dropped")
	assert.Empty(t, background.envelopes, "chat is never multiplexed to background")

	env.InstanceID = "a"
	r.Route(ctx, env)
	require.Len(t, active.envelopes, 1)
}

func TestRouter_DropsInvalidEnvelopes(t *testing.T) {
	t.Parallel()

	active := &collector{}
	background := &collector{}
	r := client.NewRouter(active, background)

	ctx := context.Background()
	r.Route(ctx, event.Envelope{Type: event.EnvelopeAgentEvent, Source: event.SourcePrimary})
	r.Route(ctx, event.Envelope{Type: "bogus"})

	assert.Empty(t, active.envelopes)
	assert.Empty(t, background.envelopes)
}

func TestRouter_ProtocolFramesGoToActiveSink(t *testing.T) {
	t.Parallel()

	active := &collector{}
	r := client.NewRouter(active, &collector{})

	r.Route(context.Background(), event.Envelope{Type: event.EnvelopeConnected, Timestamp: event.NowMillis()})

	require.Len(t, active.envelopes, 1)
	assert.Equal(t, event.EnvelopeConnected, active.envelopes[0].Type)
}

func TestRouter_TracksExplicitStatus(t *testing.T) {
	t.Parallel()

	r := client.NewRouter(&collector{}, &collector{})
	r.SetActiveInstance("a")

	r.Route(context.Background(), primaryEnvelope("a", event.NewStatus(event.StatusRunning)))

	status, ok := r.Status("a")
	require.True(t, ok)
	assert.Equal(t, event.StatusRunning, status)
}

func TestRouter_SelfHealsStoppedInstance(t *testing.T) {
	t.Parallel()

	r := client.NewRouter(&collector{}, &collector{})
	r.SetActiveInstance("a")

	ctx := context.Background()
	r.Route(ctx, primaryEnvelope("a", event.NewStatus(event.StatusStopped)))

	status, _ := r.Status("a")
	require.Equal(t, event.StatusStopped, status)

	// A non-status event arriving for a stopped instance proves it is
	// still alive.
	r.Route(ctx, primaryEnvelope("a", event.NewMessage("still here", true)))

	status, _ = r.Status("a")
	assert.Equal(t, event.StatusRunning, status)
}

func TestRouter_SwitchActiveInstance(t *testing.T) {
	t.Parallel()

	active := &collector{}
	background := &collector{}
	r := client.NewRouter(active, background)
	r.SetActiveInstance("a")
	require.Equal(t, "a", r.ActiveInstance())

	r.SetActiveInstance("b")

	r.Route(context.Background(), primaryEnvelope("a", event.NewMessage("now background", false)))
	assert.Empty(t, active.envelopes)
	require.Len(t, background.envelopes, 1)
}
