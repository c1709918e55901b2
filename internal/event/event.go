// Package event defines the canonical agent event schema shared by every
// vendor adapter and by the wire protocol. Adapters translate heterogeneous
// native streams into AgentEvent; everything downstream (hub, router,
// reconciler, caches) speaks only this schema.
package event

import "time"

// Type discriminates the AgentEvent union.
type Type string

const (
	TypeMessage    Type = "message"
	TypeToolUse    Type = "tool_use"
	TypeToolResult Type = "tool_result"
	TypeResult     Type = "result"
	TypeError      Type = "error"
	TypeStatus     Type = "status"
)

// AgentStatus is the adapter run-state machine. Transitions follow
// idle -> starting -> running -> (pausing -> paused) -> stopping -> stopped.
type AgentStatus string

const (
	StatusIdle     AgentStatus = "idle"
	StatusStarting AgentStatus = "starting"
	StatusRunning  AgentStatus = "running"
	StatusPausing  AgentStatus = "pausing"
	StatusPaused   AgentStatus = "paused"
	StatusStopping AgentStatus = "stopping"
	StatusStopped  AgentStatus = "stopped"
)

// Usage aggregates token accounting for a completed turn. InputTokens
// includes cache-read and cache-creation counts reported by the vendor.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// MessagePayload carries streamed or complete assistant text.
type MessagePayload struct {
	Content   string `json:"content"`
	IsPartial bool   `json:"is_partial"`
}

// ToolUsePayload records a tool invocation start.
type ToolUsePayload struct {
	ToolUseID string `json:"tool_use_id"`
	Tool      string `json:"tool"`
	Input     string `json:"input,omitempty"`
}

// ToolResultPayload closes a tool invocation. Exactly one of Output or
// Error is set, matching IsError.
type ToolResultPayload struct {
	ToolUseID string `json:"tool_use_id"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	IsError   bool   `json:"is_error"`
}

// ResultPayload marks turn completion with the accumulated content.
type ResultPayload struct {
	Content string `json:"content"`
	Usage   *Usage `json:"usage,omitempty"`
}

// ErrorPayload normalizes a vendor-reported failure.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Fatal   bool   `json:"fatal"`
}

// StatusPayload announces a status machine transition.
type StatusPayload struct {
	Status AgentStatus `json:"status"`
}

// AgentEvent is the canonical event. Exactly one payload pointer is non-nil
// and matches Type. ID is server-assigned and used for de-duplication;
// SessionID is set on events that open a new logical session.
type AgentEvent struct {
	ID        string `json:"id,omitempty"`
	Type      Type   `json:"type"`
	Timestamp int64  `json:"timestamp"`
	SessionID string `json:"session_id,omitempty"`

	Message    *MessagePayload    `json:"message,omitempty"`
	ToolUse    *ToolUsePayload    `json:"tool_use,omitempty"`
	ToolResult *ToolResultPayload `json:"tool_result,omitempty"`
	Result     *ResultPayload     `json:"result,omitempty"`
	Error      *ErrorPayload      `json:"error,omitempty"`
	Status     *StatusPayload     `json:"status,omitempty"`
}

// Guards. Each checks both the discriminant and the payload so consumers
// can branch without nil checks.

func (e AgentEvent) IsMessage() bool    { return e.Type == TypeMessage && e.Message != nil }
func (e AgentEvent) IsToolUse() bool    { return e.Type == TypeToolUse && e.ToolUse != nil }
func (e AgentEvent) IsToolResult() bool { return e.Type == TypeToolResult && e.ToolResult != nil }
func (e AgentEvent) IsResult() bool     { return e.Type == TypeResult && e.Result != nil }
func (e AgentEvent) IsError() bool      { return e.Type == TypeError && e.Error != nil }
func (e AgentEvent) IsStatus() bool     { return e.Type == TypeStatus && e.Status != nil }

// IsSessionBoundary reports whether this event opens a new logical session:
// either it carries an explicit session id, or it is a run-start status
// transition.
func (e AgentEvent) IsSessionBoundary() bool {
	if e.SessionID != "" {
		return true
	}
	return e.IsStatus() && e.Status.Status == StatusStarting
}

// NowMillis returns the current wall clock in milliseconds, the timestamp
// unit used throughout the wire protocol.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// NewMessage builds a partial or complete message event stamped with the
// current wall clock.
func NewMessage(content string, partial bool) AgentEvent {
	return AgentEvent{
		Type:      TypeMessage,
		Timestamp: NowMillis(),
		Message:   &MessagePayload{Content: content, IsPartial: partial},
	}
}

// NewStatus builds a synthesized status transition event.
func NewStatus(status AgentStatus) AgentEvent {
	return AgentEvent{
		Type:      TypeStatus,
		Timestamp: NowMillis(),
		Status:    &StatusPayload{Status: status},
	}
}

// NewError builds a normalized error event.
func NewError(message, code string, fatal bool) AgentEvent {
	return AgentEvent{
		Type:      TypeError,
		Timestamp: NowMillis(),
		Error:     &ErrorPayload{Message: message, Code: code, Fatal: fatal},
	}
}
