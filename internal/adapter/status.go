package adapter

import (
	"fmt"
	"sync"

	"github.com/gosuda/weft/internal/event"
)

// allowedTransitions encodes the status machine. A fatal vendor error may
// force stopped from any non-idle state, which is handled by ForceStop.
var allowedTransitions = map[event.AgentStatus][]event.AgentStatus{ //nolint:gochecknoglobals // static table
	event.StatusIdle:     {event.StatusStarting},
	event.StatusStarting: {event.StatusRunning, event.StatusStopping, event.StatusStopped},
	event.StatusRunning:  {event.StatusPausing, event.StatusStopping, event.StatusStopped},
	event.StatusPausing:  {event.StatusPaused, event.StatusStopping, event.StatusStopped},
	event.StatusPaused:   {event.StatusRunning, event.StatusStopping, event.StatusStopped},
	event.StatusStopping: {event.StatusStopped},
	event.StatusStopped:  {event.StatusStarting},
}

// statusMachine tracks the run status and synthesizes a canonical status
// event for every transition.
type statusMachine struct {
	mu     sync.Mutex
	status event.AgentStatus
	emit   func(ev event.AgentEvent)
}

func newStatusMachine(emit func(ev event.AgentEvent)) *statusMachine {
	return &statusMachine{
		status: event.StatusIdle,
		emit:   emit,
	}
}

func (m *statusMachine) Current() event.AgentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Transition moves to the target status, emitting a status event on success.
func (m *statusMachine) Transition(to event.AgentStatus) error {
	m.mu.Lock()
	from := m.status
	ok := false
	for _, next := range allowedTransitions[from] {
		if next == to {
			ok = true
			break
		}
	}
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("adapter: %s -> %s: %w", from, to, ErrInvalidTransition)
	}
	m.status = to
	m.mu.Unlock()

	if m.emit != nil {
		m.emit(event.NewStatus(to))
	}
	return nil
}

// ForceStop jumps straight to stopped regardless of the current status.
// Used when a vendor-reported fatal error tears the run down.
func (m *statusMachine) ForceStop() {
	m.mu.Lock()
	already := m.status == event.StatusStopped
	m.status = event.StatusStopped
	m.mu.Unlock()

	if !already && m.emit != nil {
		m.emit(event.NewStatus(event.StatusStopped))
	}
}
