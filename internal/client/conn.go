package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/weft/internal/event"
)

const (
	defaultMaxAttempts  = 10
	defaultBaseDelay    = 1 * time.Second
	defaultMaxDelay     = 30 * time.Second
	defaultJitter       = 0.3
	defaultDialTimeout  = 10 * time.Second
	defaultPingInterval = 30 * time.Second
)

// ErrNotConnected is returned by Send when no connection is open.
var ErrNotConnected = errors.New("client: not connected")

// Config configures a connection manager.
type Config struct {
	// URL is the ws:// or wss:// endpoint of the event hub.
	URL string

	// Token is an optional bearer token sent on the dial request.
	Token string

	// MaxAttempts caps consecutive failed connection attempts before the
	// manager gives up and surfaces a permanent failure. Default 10.
	MaxAttempts int

	// BaseDelay and MaxDelay bound the reconnect backoff. Defaults 1s/30s.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// JitterFraction randomizes each delay by ±fraction. Default 0.3.
	JitterFraction float64

	// DialTimeout bounds a single dial. Default 10s.
	DialTimeout time.Duration

	// PingInterval spaces liveness pings; zero uses the default 30s,
	// negative disables pings.
	PingInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.JitterFraction == 0 {
		c.JitterFraction = defaultJitter
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = defaultPingInterval
	}
	return c
}

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateOpen
)

// Manager owns one logical socket to the event hub. It is an explicit,
// constructible connection context: create one per tab or test, Connect to
// start it, Disconnect to dispose. Reconnection is automatic with capped
// exponential backoff until MaxAttempts consecutive failures, after which
// exactly one permanent failure is surfaced.
type Manager struct {
	cfg      Config
	tracker  *SessionTracker
	stateAPI StateAPI

	onEnvelope  func(env event.Envelope)
	onPermanent func(err error)

	mu            sync.Mutex
	state         connState
	conn          *websocket.Conn
	attempts      int
	intentional   bool
	permanentSent bool
	everConnected bool
	wasRunning    bool
	timer         *time.Timer
}

// NewManager creates a connection manager. tracker must not be nil;
// stateAPI may be nil to disable auto-resume.
func NewManager(cfg Config, tracker *SessionTracker, stateAPI StateAPI) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		tracker:  tracker,
		stateAPI: stateAPI,
	}
}

// OnEnvelope registers the inbound envelope handler. Envelopes are
// dispatched serially in server transmission order.
func (m *Manager) OnEnvelope(fn func(env event.Envelope)) {
	m.mu.Lock()
	m.onEnvelope = fn
	m.mu.Unlock()
}

// OnPermanentFailure registers the handler fired once when reconnection is
// abandoned.
func (m *Manager) OnPermanentFailure(fn func(err error)) {
	m.mu.Lock()
	m.onPermanent = fn
	m.mu.Unlock()
}

// Connect starts the connection loop. It is a no-op while a connection is
// already connecting or open.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.state != stateDisconnected {
		m.mu.Unlock()
		return
	}
	m.state = stateConnecting
	m.intentional = false
	m.attempts = 0
	m.permanentSent = false
	m.mu.Unlock()

	go m.dial(ctx)
}

// Disconnect is the only path that suppresses reconnection. It cancels any
// scheduled retry and closes the socket.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.intentional = true
	m.state = stateDisconnected
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
}

// Send marshals and writes one envelope on the open connection.
func (m *Manager) Send(ctx context.Context, env event.Envelope) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("client.Manager.Send: %w", ErrNotConnected)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("client.Manager.Send: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("client.Manager.Send: %w", err)
	}
	return nil
}

// Attempts returns the count of consecutive failed connection attempts.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Manager) dial(ctx context.Context) {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()

	opts := &websocket.DialOptions{}
	if m.cfg.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + m.cfg.Token}}
	}

	conn, _, err := websocket.Dial(dialCtx, m.cfg.URL, opts) //nolint:bodyclose // closed via conn lifecycle
	if err != nil {
		m.handleFailure(ctx, err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	m.mu.Lock()
	if m.intentional {
		m.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return
	}
	m.conn = conn
	m.state = stateOpen
	m.attempts = 0
	freshLoad := !m.everConnected
	wasRunning := m.wasRunning
	m.everConnected = true
	m.mu.Unlock()

	log.Info().Str("url", m.cfg.URL).Msg("client: connected")

	m.sendReconnectRequests(ctx)
	if wasRunning || freshLoad {
		m.maybeAutoResume(ctx)
	}

	if m.cfg.PingInterval > 0 {
		go m.pingLoop(ctx, conn)
	}
	m.readLoop(ctx, conn)
}

// maxFrameBytes bounds a single inbound frame (replay batches can be large).
const maxFrameBytes = 4 * 1024 * 1024

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			m.mu.Lock()
			intentional := m.intentional
			if m.conn == conn {
				m.conn = nil
			}
			m.mu.Unlock()

			if intentional {
				return
			}
			m.handleFailure(ctx, err)
			return
		}

		m.handleMessage(ctx, data)
	}
}

// handleMessage is the single mutation path for session and timestamp
// tracking: one envelope at a time, in server order.
func (m *Manager) handleMessage(ctx context.Context, data []byte) {
	var env event.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Debug().Err(err).Msg("client: unparseable frame dropped")
		return
	}

	switch env.Type {
	case event.EnvelopePing:
		_ = m.Send(ctx, event.Envelope{Type: event.EnvelopePong, Timestamp: event.NowMillis()})
		return
	case event.EnvelopePong:
		return
	case event.EnvelopeAgentEvent:
		if err := env.Validate(); err != nil {
			log.Debug().Err(err).
				Str("instance_id", env.InstanceID).
				Msg("client: invalid envelope dropped")
			return
		}
		m.trackEvent(env)
	case event.EnvelopeReconnect, event.EnvelopePendingEvents, event.EnvelopeConnected:
	default:
		log.Debug().Str("type", string(env.Type)).Msg("client: unknown frame type dropped")
		return
	}

	m.mu.Lock()
	handler := m.onEnvelope
	m.mu.Unlock()

	if handler != nil {
		handler(env)
	}
}

func (m *Manager) trackEvent(env event.Envelope) {
	ts := env.Timestamp
	if ts == 0 {
		ts = env.Event.Timestamp
	}
	m.tracker.MarkSeen(env.Source, env.InstanceID, ts)

	if env.Event.IsStatus() {
		switch env.Event.Status.Status {
		case event.StatusRunning, event.StatusStarting, event.StatusPausing, event.StatusPaused:
			m.mu.Lock()
			m.wasRunning = true
			m.mu.Unlock()
		case event.StatusStopped, event.StatusStopping, event.StatusIdle:
			m.mu.Lock()
			m.wasRunning = false
			m.mu.Unlock()
		}
	}
}

// sendReconnectRequests asks the server for everything missed on each
// tracked (source, instance) stream.
func (m *Manager) sendReconnectRequests(ctx context.Context) {
	for _, stream := range m.tracker.Tracked() {
		env := event.Envelope{
			Type:               event.EnvelopeReconnect,
			Source:             stream.Source,
			InstanceID:         stream.InstanceID,
			LastEventTimestamp: stream.LastSeen,
			Timestamp:          event.NowMillis(),
		}
		if err := m.Send(ctx, env); err != nil {
			log.Warn().Err(err).
				Str("source", string(stream.Source)).
				Str("instance_id", stream.InstanceID).
				Msg("client: reconnect request failed")
		}
	}
}

// maybeAutoResume restores a persisted run only when the backend reports it
// as still running or paused.
func (m *Manager) maybeAutoResume(ctx context.Context) {
	if m.stateAPI == nil {
		return
	}

	saved, err := m.stateAPI.CheckForSavedSessionState(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("client: saved-state check failed")
		return
	}
	if saved == nil {
		return
	}
	if saved.Status != event.StatusRunning && saved.Status != event.StatusPaused {
		return
	}

	if err := m.stateAPI.RestoreSessionState(ctx, saved.InstanceID); err != nil {
		log.Warn().Err(err).Str("instance_id", saved.InstanceID).Msg("client: auto-resume failed")
		return
	}
	log.Info().Str("instance_id", saved.InstanceID).Str("status", string(saved.Status)).Msg("client: auto-resumed saved run")
}

func (m *Manager) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			current := m.conn
			m.mu.Unlock()
			if current != conn {
				return
			}
			if err := m.Send(ctx, event.Envelope{Type: event.EnvelopePing, Timestamp: event.NowMillis()}); err != nil {
				return
			}
		}
	}
}

// handleFailure counts a failed attempt and either schedules the next dial
// or gives up permanently.
func (m *Manager) handleFailure(ctx context.Context, cause error) {
	m.mu.Lock()
	if m.intentional {
		m.state = stateDisconnected
		m.mu.Unlock()
		return
	}

	m.attempts++
	attempts := m.attempts

	if attempts >= m.cfg.MaxAttempts {
		m.state = stateDisconnected
		already := m.permanentSent
		m.permanentSent = true
		onPermanent := m.onPermanent
		m.mu.Unlock()

		if !already {
			err := fmt.Errorf("client: connection lost permanently after %d attempts: %w", attempts, cause)
			log.Error().Err(cause).Int("attempts", attempts).Msg("client: giving up on reconnection")
			if onPermanent != nil {
				onPermanent(err)
			}
		}
		return
	}

	m.state = stateConnecting
	delay := reconnectDelay(attempts, m.cfg.BaseDelay, m.cfg.MaxDelay, m.cfg.JitterFraction)
	m.timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.intentional {
			m.mu.Unlock()
			return
		}
		m.timer = nil
		m.mu.Unlock()
		m.dial(ctx)
	})
	m.mu.Unlock()

	log.Warn().Err(cause).Int("attempt", attempts).Dur("retry_in", delay).Msg("client: connection lost, retrying")
}

// reconnectDelay computes the backoff for the retry following the given
// number of consecutive failures: min(base × 2^(failures-1), max) with
// ±jitter, floored at base.
func reconnectDelay(failures int, base, maxDelay time.Duration, jitter float64) time.Duration {
	if failures < 1 {
		failures = 1
	}

	delay := base
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= maxDelay {
			delay = maxDelay
			break
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	factor := 1 + (rand.Float64()*2-1)*jitter //nolint:gosec // jitter needs no crypto rand
	jittered := time.Duration(float64(delay) * factor)
	if jittered < base {
		jittered = base
	}
	return jittered
}
