// Package adapter drives vendor coding-agent CLIs and normalizes their
// incompatible streaming formats into the canonical event schema. One
// adapter instance owns at most one run, and a run executes at most one
// turn at a time.
package adapter

import (
	"context"
	"errors"

	"github.com/gosuda/weft/internal/event"
)

var (
	// ErrAlreadyRunning is returned by Start while a run is active.
	ErrAlreadyRunning = errors.New("adapter: run already active")

	// ErrNotRunning is returned by Send when no run is active.
	ErrNotRunning = errors.New("adapter: no active run")

	// ErrTurnInFlight is returned by Send while a previous turn has not
	// settled. Callers must wait; retrying immediately is a bug.
	ErrTurnInFlight = errors.New("adapter: turn already in flight")

	// ErrInvalidTransition is returned for status transitions the state
	// machine does not allow.
	ErrInvalidTransition = errors.New("adapter: invalid status transition")
)

// Info is a static capability descriptor for one vendor backend.
type Info struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Streaming    bool   `json:"streaming"`
	Tools        bool   `json:"tools"`
	PauseResume  bool   `json:"pause_resume"`
	SystemPrompt bool   `json:"system_prompt"`
}

// StartOptions is passed opaquely to the underlying vendor invocation.
// Adapters never validate vendor-specific shapes beyond passthrough.
type StartOptions struct {
	Cwd           string
	Env           map[string]string
	SystemPrompt  string
	Model         string
	MaxIterations int
	AllowedTools  []string
}

// MessageType categorizes inbound client messages.
type MessageType string

const (
	// MessageUser starts exactly one turn.
	MessageUser MessageType = "user_message"
)

// Message is a client message handed to a running adapter.
type Message struct {
	Type    MessageType `json:"type"`
	Content string      `json:"content"`
}

// ExitStatus distinguishes graceful shutdown (code 0) from a forced kill
// (code 1, signal SIGKILL).
type ExitStatus struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

// EventHandler receives canonical events as the vendor stream is translated.
type EventHandler func(ev event.AgentEvent)

// ExitHandler receives the final exit signal after Stop settles.
type ExitHandler func(exit ExitStatus)

// Adapter is the uniform contract every vendor backend implements.
type Adapter interface {
	// Info returns the static capability descriptor.
	Info() Info

	// IsAvailable probes the environment for the vendor binary and
	// credentials. It never returns an error; any failure reads as false.
	IsAvailable(ctx context.Context) bool

	// Start launches a run. Returns ErrAlreadyRunning while one is active.
	Start(ctx context.Context, opts StartOptions) error

	// Send delivers a message to the active run. A user message starts one
	// turn; Send returns ErrTurnInFlight while a turn is executing and
	// ErrNotRunning when no run is active.
	Send(ctx context.Context, msg Message) error

	// Stop cancels any in-flight turn and awaits settlement. Forced stop
	// kills the vendor process instead of interrupting it.
	Stop(ctx context.Context, force bool) error

	// Status returns the current run status.
	Status() event.AgentStatus

	// OnEvent registers the canonical event handler.
	OnEvent(fn EventHandler)

	// OnExit registers the exit signal handler.
	OnExit(fn ExitHandler)
}
