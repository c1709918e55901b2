// Package agent runs vendor adapters on the daemon side. The Host owns
// every live run: it creates adapters from the registry, appends their
// canonical events to the authoritative log, fans envelopes out over
// pub/sub, and persists run state so clients can resume after a restart.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/weft/internal/adapter"
	"github.com/gosuda/weft/internal/event"
	"github.com/gosuda/weft/internal/store/postgres"
)

// ErrRunActive is returned by StartRun when the instance already has a live run.
var ErrRunActive = errors.New("agent: run already active for instance") //nolint:gochecknoglobals // sentinel error

// ErrRunNotFound is returned when no live run exists for an instance.
var ErrRunNotFound = errors.New("agent: no active run for instance") //nolint:gochecknoglobals // sentinel error

// ErrAdapterUnavailable is returned when the vendor binary or credentials
// are missing in the host environment.
var ErrAdapterUnavailable = errors.New("agent: adapter unavailable") //nolint:gochecknoglobals // sentinel error

// publishTimeout bounds the side effects of a single adapter event so a
// slow store can never stall the vendor stream for long.
const publishTimeout = 5 * time.Second

// EventLog appends canonical events to the authoritative per-instance log.
// *postgres.EventRepo satisfies this interface.
type EventLog interface {
	Append(ctx context.Context, source event.Source, instanceID string, ev event.AgentEvent) (event.AgentEvent, error)
}

// RunStates persists run status for restore-after-restart.
// *postgres.RunStateRepo satisfies this interface.
type RunStates interface {
	Save(ctx context.Context, state postgres.RunState) error
	Load(ctx context.Context, instanceID string) (postgres.RunState, error)
}

// Publisher fans envelopes out toward the WebSocket hub.
// *redis.PubSub satisfies this interface.
type Publisher interface {
	PublishEnvelope(ctx context.Context, env event.Envelope) error
}

// RunSpec describes one run the host should drive.
type RunSpec struct {
	InstanceID  string
	WorkspaceID string
	AdapterID   string
	Options     adapter.StartOptions
}

// run tracks one live adapter plus the spec it was started from, so a
// restore request can relaunch it with identical options.
type run struct {
	spec      RunSpec
	adapter   adapter.Adapter
	sessionID string
}

// Host coordinates the adapter-side lifecycle: registry -> adapter ->
// event log -> pub/sub -> run state.
type Host struct {
	registry *adapter.Registry
	events   EventLog
	runs     RunStates
	pubsub   Publisher

	mu     sync.RWMutex
	active map[string]*run
	// specs remembers every run ever started so restore can relaunch an
	// instance after its adapter exited.
	specs map[string]RunSpec

	done chan struct{}
}

func NewHost(registry *adapter.Registry, events EventLog, runs RunStates, pubsub Publisher) *Host {
	return &Host{
		registry: registry,
		events:   events,
		runs:     runs,
		pubsub:   pubsub,
		active:   make(map[string]*run),
		specs:    make(map[string]RunSpec),
		done:     make(chan struct{}),
	}
}

// StartRun creates an adapter for the spec and starts it. A spec without an
// instance id gets a fresh one; the (possibly assigned) id is returned.
func (h *Host) StartRun(ctx context.Context, spec RunSpec) (string, error) {
	if spec.InstanceID == "" {
		spec.InstanceID = uuid.NewString()
	}

	h.mu.Lock()
	if _, exists := h.active[spec.InstanceID]; exists {
		h.mu.Unlock()
		return "", fmt.Errorf("agent.Host.StartRun(%q): %w", spec.InstanceID, ErrRunActive)
	}
	// Reserve the slot before the (slow) adapter start so concurrent
	// StartRun calls for the same instance cannot race past the check.
	r := &run{spec: spec}
	h.active[spec.InstanceID] = r
	h.specs[spec.InstanceID] = spec
	h.mu.Unlock()

	ad, err := h.registry.Create(spec.AdapterID)
	if err != nil {
		h.release(spec.InstanceID)
		return "", fmt.Errorf("agent.Host.StartRun: %w", err)
	}

	if !ad.IsAvailable(ctx) {
		h.release(spec.InstanceID)
		return "", fmt.Errorf("agent.Host.StartRun(%q): %w", spec.AdapterID, ErrAdapterUnavailable)
	}

	ad.OnEvent(func(ev event.AgentEvent) {
		h.handleEvent(spec, ev)
	})
	ad.OnExit(func(exit adapter.ExitStatus) {
		h.handleExit(spec, exit)
	})

	if err := ad.Start(ctx, spec.Options); err != nil {
		h.release(spec.InstanceID)
		return "", fmt.Errorf("agent.Host.StartRun: start adapter: %w", err)
	}

	h.mu.Lock()
	r.adapter = ad
	h.mu.Unlock()

	log.Info().
		Str("instance_id", spec.InstanceID).
		Str("adapter", spec.AdapterID).
		Msg("agent: run started")

	return spec.InstanceID, nil
}

// SendMessage forwards a user message to the instance's live adapter and
// records it on the chat stream so reconnecting clients can replay it.
func (h *Host) SendMessage(ctx context.Context, instanceID string, msg adapter.Message) error {
	h.mu.RLock()
	r, ok := h.active[instanceID]
	h.mu.RUnlock()

	if !ok || r.adapter == nil {
		return fmt.Errorf("agent.Host.SendMessage(%q): %w", instanceID, ErrRunNotFound)
	}

	if err := r.adapter.Send(ctx, msg); err != nil {
		return fmt.Errorf("agent.Host.SendMessage: %w", err)
	}

	chatEv := event.NewMessage(msg.Content, false)
	stored, err := h.events.Append(ctx, event.SourceChat, instanceID, chatEv)
	if err != nil {
		log.Warn().Err(err).Str("instance_id", instanceID).Msg("agent: failed to log chat message")
		stored = chatEv
	}

	env := event.Envelope{
		Type:        event.EnvelopeAgentEvent,
		Source:      event.SourceChat,
		InstanceID:  instanceID,
		WorkspaceID: r.spec.WorkspaceID,
		Event:       &stored,
		Timestamp:   stored.Timestamp,
	}
	if pubErr := h.pubsub.PublishEnvelope(ctx, env); pubErr != nil {
		log.Error().Err(pubErr).Str("instance_id", instanceID).Msg("agent: failed to publish chat envelope")
	}

	return nil
}

// StopRun stops the instance's adapter. Forced stop kills the vendor
// process instead of letting it flush.
func (h *Host) StopRun(ctx context.Context, instanceID string, force bool) error {
	h.mu.RLock()
	r, ok := h.active[instanceID]
	h.mu.RUnlock()

	if !ok || r.adapter == nil {
		return fmt.Errorf("agent.Host.StopRun(%q): %w", instanceID, ErrRunNotFound)
	}

	if err := r.adapter.Stop(ctx, force); err != nil {
		return fmt.Errorf("agent.Host.StopRun: %w", err)
	}

	return nil
}

// Restore relaunches an instance from its remembered spec. A live run is
// left alone. Instances this host never started cannot be restored.
func (h *Host) Restore(ctx context.Context, instanceID string) error {
	h.mu.RLock()
	_, live := h.active[instanceID]
	spec, known := h.specs[instanceID]
	h.mu.RUnlock()

	if live {
		log.Debug().Str("instance_id", instanceID).Msg("agent: restore requested for live run, ignoring")
		return nil
	}

	if !known {
		state, err := h.runs.Load(ctx, instanceID)
		if err != nil {
			return fmt.Errorf("agent.Host.Restore(%q): %w", instanceID, ErrRunNotFound)
		}
		log.Warn().
			Str("instance_id", instanceID).
			Str("status", string(state.Status)).
			Msg("agent: run state persisted but launch spec unknown, cannot restore")
		return fmt.Errorf("agent.Host.Restore(%q): %w", instanceID, ErrRunNotFound)
	}

	if _, err := h.StartRun(ctx, spec); err != nil {
		return fmt.Errorf("agent.Host.Restore: %w", err)
	}

	log.Info().Str("instance_id", instanceID).Msg("agent: run restored")

	return nil
}

// Status reports the live adapter status, or stopped when no run is active.
func (h *Host) Status(instanceID string) event.AgentStatus {
	h.mu.RLock()
	r, ok := h.active[instanceID]
	h.mu.RUnlock()

	if !ok || r.adapter == nil {
		return event.StatusStopped
	}
	return r.adapter.Status()
}

// Shutdown stops every live run gracefully and silences further publishes.
func (h *Host) Shutdown(ctx context.Context) {
	close(h.done)

	h.mu.RLock()
	adapters := make(map[string]adapter.Adapter, len(h.active))
	for id, r := range h.active {
		if r.adapter != nil {
			adapters[id] = r.adapter
		}
	}
	h.mu.RUnlock()

	for id, ad := range adapters {
		if err := ad.Stop(ctx, false); err != nil {
			log.Error().Err(err).Str("instance_id", id).Msg("agent: failed to stop run during shutdown")
		}
	}
}

// handleEvent runs on the adapter's translation goroutine: append to the
// authoritative log, persist status transitions, publish the envelope.
func (h *Host) handleEvent(spec RunSpec, ev event.AgentEvent) {
	select {
	case <-h.done:
		return
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	stored, err := h.events.Append(ctx, event.SourcePrimary, spec.InstanceID, ev)
	if err != nil {
		// Keep the live stream flowing even when the log is down; replay
		// will carry the gap once the store recovers.
		log.Error().Err(err).Str("instance_id", spec.InstanceID).Msg("agent: failed to append event")
		stored = ev
	}

	if stored.SessionID != "" {
		h.mu.Lock()
		if r, ok := h.active[spec.InstanceID]; ok {
			r.sessionID = stored.SessionID
		}
		h.mu.Unlock()
	}

	env := event.Envelope{
		Type:        event.EnvelopeAgentEvent,
		Source:      event.SourcePrimary,
		InstanceID:  spec.InstanceID,
		WorkspaceID: spec.WorkspaceID,
		Event:       &stored,
		Timestamp:   stored.Timestamp,
	}

	if stored.IsStatus() {
		env.Status = stored.Status.Status
		h.persistRunState(ctx, spec.InstanceID, stored.Status.Status, stored.Timestamp)
	}

	if pubErr := h.pubsub.PublishEnvelope(ctx, env); pubErr != nil {
		log.Error().Err(pubErr).Str("instance_id", spec.InstanceID).Msg("agent: failed to publish envelope")
	}
}

// handleExit records the terminal state after the adapter settles.
func (h *Host) handleExit(spec RunSpec, exit adapter.ExitStatus) {
	log.Info().
		Str("instance_id", spec.InstanceID).
		Int("exit_code", exit.Code).
		Str("signal", exit.Signal).
		Msg("agent: run exited")

	h.release(spec.InstanceID)

	select {
	case <-h.done:
		return
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	h.persistRunState(ctx, spec.InstanceID, event.StatusStopped, event.NowMillis())
}

func (h *Host) persistRunState(ctx context.Context, instanceID string, status event.AgentStatus, updatedAt int64) {
	h.mu.RLock()
	var sessionID string
	if r, ok := h.active[instanceID]; ok {
		sessionID = r.sessionID
	}
	h.mu.RUnlock()

	state := postgres.RunState{
		InstanceID: instanceID,
		Status:     status,
		SessionID:  sessionID,
		UpdatedAt:  updatedAt,
	}
	if err := h.runs.Save(ctx, state); err != nil {
		log.Error().Err(err).Str("instance_id", instanceID).Msg("agent: failed to persist run state")
	}
}

func (h *Host) release(instanceID string) {
	h.mu.Lock()
	delete(h.active, instanceID)
	h.mu.Unlock()
}
