package client

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/weft/internal/event"
)

// defaultContextWindow sizes the utilization figure when the server does
// not report a model-specific window.
const defaultContextWindow = 200_000

// Reconciler repairs the local cache when the server's authoritative event
// count says the client is behind, and keeps per-instance usage
// bookkeeping. It owns no goroutines; everything runs on the message
// handling path.
type Reconciler struct {
	cache         EventCache
	tracker       *SessionTracker
	contextWindow int64
	logger        zerolog.Logger
}

func NewReconciler(cache EventCache, tracker *SessionTracker) *Reconciler {
	return &Reconciler{
		cache:         cache,
		tracker:       tracker,
		contextWindow: defaultContextWindow,
		logger:        log.Logger,
	}
}

// HandleEnvelope processes one inbound envelope: session boundary
// detection, usage bookkeeping, and cache reconciliation for frames that
// carry the server's authoritative totals.
func (r *Reconciler) HandleEnvelope(ctx context.Context, env event.Envelope) {
	switch env.Type {
	case event.EnvelopeAgentEvent:
		r.observeEvent(ctx, env)
	case event.EnvelopeConnected, event.EnvelopePendingEvents:
		r.reconcile(ctx, env)
	case event.EnvelopeReconnect, event.EnvelopePing, event.EnvelopePong:
	}
}

func (r *Reconciler) observeEvent(ctx context.Context, env event.Envelope) {
	// An agent:event frame without its payload is dropped, not
	// dereferenced. The manager validates before dispatch, but the
	// reconciler is also called directly.
	if env.Event == nil {
		return
	}
	ev := *env.Event

	boundary := ev.IsSessionBoundary()
	if boundary {
		info := r.tracker.ObserveBoundary(env.InstanceID, ev)
		r.logger.Debug().
			Str("instance_id", env.InstanceID).
			Str("session_id", info.ID).
			Msg("client: new session boundary")
	}

	// Usage extraction is informational bookkeeping and must never block
	// or fail the main event path.
	if ev.IsResult() && ev.Result.Usage != nil {
		r.tracker.AddUsage(env.InstanceID, *ev.Result.Usage, r.contextWindow)
	}

	if session, ok := r.tracker.CurrentSession(env.InstanceID); ok {
		if err := r.cache.SaveEvent(ctx, ev, session.ID); err != nil {
			r.logger.Warn().Err(err).
				Str("instance_id", env.InstanceID).
				Str("session_id", session.ID).
				Msg("client: cache write failed")
		}

		// A boundary also links the new session row to the server-side
		// run it belongs to. Best-effort, like the rest of the cache.
		if boundary && env.InstanceID != "" {
			if !r.cache.UpdateSessionTaskID(ctx, session.ID, env.InstanceID) {
				r.logger.Debug().
					Str("instance_id", env.InstanceID).
					Str("session_id", session.ID).
					Msg("client: session link not recorded")
			}
		}
	}
}

// reconcile compares the locally cached event count for an instance with
// the server-reported total and replays the server's list when the local
// cache is behind. The asymmetric case (local ahead of the server) is
// flagged but deliberately left alone.
func (r *Reconciler) reconcile(ctx context.Context, env event.Envelope) {
	if env.InstanceID == "" || env.TotalEvents <= 0 {
		return
	}

	session, hasSession := r.tracker.CurrentSession(env.InstanceID)
	if !hasSession {
		// Without an established session id there is nothing to key the
		// repaired cache rows by; boundary events in the replayed list
		// will establish one on the next pass.
		return
	}

	local, err := r.cache.CountEvents(ctx, session.ID)
	if err != nil {
		r.logger.Warn().Err(err).Str("session_id", session.ID).Msg("client: cache count failed")
		return
	}

	server := env.TotalEvents

	switch {
	case local == server:
		return

	case local > server:
		// May mask server-side data loss; flag it rather than assume the
		// extra local rows are safe to keep silently.
		r.logger.Warn().
			Str("instance_id", env.InstanceID).
			Int("local", local).
			Int("server", server).
			Msg("client: local cache ahead of server, leaving cache untouched")
		return
	}

	r.logger.Warn().
		Str("instance_id", env.InstanceID).
		Int("local", local).
		Int("server", server).
		Int("missing", server-local).
		Msg("client: local cache behind server, replaying")

	// Replay the full server-provided list with the server's ids; the
	// cache dedupes on id, so rows already present are no-ops.
	saved := 0
	for _, ev := range env.Events {
		if err := r.cache.SaveEvent(ctx, ev, session.ID); err != nil {
			r.logger.Warn().Err(err).
				Str("session_id", session.ID).
				Str("event_id", ev.ID).
				Msg("client: replay write failed")
			continue
		}
		saved++
	}

	r.logger.Info().
		Str("instance_id", env.InstanceID).
		Str("session_id", session.ID).
		Int("replayed", saved).
		Msg("client: cache repaired from server replay")
}
