package client

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/weft/internal/event"
)

// Sink receives routed envelopes for one logical instance slot. The active
// sink renders the instance the user is watching; the background sink
// accumulates state for everything else.
type Sink interface {
	Deliver(ctx context.Context, env event.Envelope)
}

// SinkFunc adapts a plain function into a Sink.
type SinkFunc func(ctx context.Context, env event.Envelope)

func (f SinkFunc) Deliver(ctx context.Context, env event.Envelope) {
	f(ctx, env)
}

// Router dispatches validated envelopes by (source, instance). Chat frames
// are not multiplexed and only reach the active instance; primary frames
// reach the active sink when the instance matches and the background sink
// otherwise.
type Router struct {
	active     Sink
	background Sink
	logger     zerolog.Logger

	mu             sync.Mutex
	activeInstance string
	statuses       map[string]event.AgentStatus
}

func NewRouter(active, background Sink) *Router {
	return &Router{
		active:     active,
		background: background,
		logger:     log.Logger,
		statuses:   make(map[string]event.AgentStatus),
	}
}

// SetActiveInstance switches which instance the active sink follows.
func (r *Router) SetActiveInstance(instanceID string) {
	r.mu.Lock()
	r.activeInstance = instanceID
	r.mu.Unlock()
}

// ActiveInstance returns the instance currently bound to the active sink.
func (r *Router) ActiveInstance() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeInstance
}

// Status reports the last tracked status for an instance.
func (r *Router) Status(instanceID string) (event.AgentStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.statuses[instanceID]
	return st, ok
}

// Route validates and dispatches one envelope. Invalid envelopes are
// dropped with a warning; protocol frames without a routable event pass
// through to the active sink untouched.
func (r *Router) Route(ctx context.Context, env event.Envelope) {
	if err := env.Validate(); err != nil {
		r.logger.Warn().Err(err).
			Str("type", string(env.Type)).
			Str("instance_id", env.InstanceID).
			Msg("client: dropping invalid envelope")
		return
	}

	if env.Type != event.EnvelopeAgentEvent {
		r.active.Deliver(ctx, env)
		return
	}

	r.mu.Lock()
	active := r.activeInstance
	r.trackStatusLocked(env)
	r.mu.Unlock()

	switch env.Source {
	case event.SourceChat:
		// Chat state is not multiplexed across instances.
		if env.InstanceID != active {
			r.logger.Debug().
				Str("instance_id", env.InstanceID).
				Str("active", active).
				Msg("client: chat frame for inactive instance dropped")
			return
		}
		r.active.Deliver(ctx, env)

	case event.SourcePrimary:
		if env.InstanceID == active {
			r.active.Deliver(ctx, env)
		} else {
			r.background.Deliver(ctx, env)
		}
	}
}

// trackStatusLocked records explicit status transitions and self-heals an
// instance marked stopped that is evidently still emitting events.
func (r *Router) trackStatusLocked(env event.Envelope) {
	instanceID := env.InstanceID

	if ev := env.Event; ev != nil && ev.IsStatus() {
		r.statuses[instanceID] = ev.Status.Status
		return
	}

	if r.statuses[instanceID] == event.StatusStopped {
		r.statuses[instanceID] = event.StatusRunning
		r.logger.Info().
			Str("instance_id", instanceID).
			Msg("client: stopped instance still emitting, marking running")
	}
}
