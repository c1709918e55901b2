package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/weft/internal/event"
)

const codexBinary = "codex"

// NewCodexAdapter creates an adapter driving the OpenAI Codex CLI in proto
// mode. Structure mirrors ClaudeAdapter; only the command, the wire format
// of outgoing turns, and the translator differ.
func NewCodexAdapter() Adapter {
	a := &CodexAdapter{
		binary:     codexBinary,
		translator: NewCodexTranslator(),
	}
	a.machine = newStatusMachine(a.emit)
	return a
}

// CodexAdapter implements Adapter for the OpenAI Codex CLI.
type CodexAdapter struct {
	binary     string
	machine    *statusMachine
	translator *CodexTranslator

	mu            sync.Mutex
	run           *runner
	turnActive    bool
	stopRequested bool
	handler       EventHandler
	exitFn        ExitHandler
}

func (a *CodexAdapter) Info() Info {
	return Info{
		ID:           "codex",
		Name:         "Codex",
		Description:  "OpenAI Codex CLI (proto stream)",
		Streaming:    true,
		Tools:        true,
		PauseResume:  false,
		SystemPrompt: false,
	}
}

func (a *CodexAdapter) IsAvailable(_ context.Context) bool {
	_, err := exec.LookPath(a.binary)
	return err == nil
}

func (a *CodexAdapter) Status() event.AgentStatus {
	return a.machine.Current()
}

func (a *CodexAdapter) OnEvent(fn EventHandler) {
	a.mu.Lock()
	a.handler = fn
	a.mu.Unlock()
}

func (a *CodexAdapter) OnExit(fn ExitHandler) {
	a.mu.Lock()
	a.exitFn = fn
	a.mu.Unlock()
}

func (a *CodexAdapter) Start(_ context.Context, opts StartOptions) error {
	a.mu.Lock()
	if a.run != nil {
		a.mu.Unlock()
		return fmt.Errorf("adapter.CodexAdapter.Start: %w", ErrAlreadyRunning)
	}
	a.mu.Unlock()

	if err := a.machine.Transition(event.StatusStarting); err != nil {
		return fmt.Errorf("adapter.CodexAdapter.Start: %w", err)
	}

	args := []string{"proto"}
	if opts.Model != "" {
		args = append(args, "-c", "model="+opts.Model)
	}

	run, err := startRunner(context.Background(), a.binary, args, opts, a.handleLine)
	if err != nil {
		a.machine.ForceStop()
		return fmt.Errorf("adapter.CodexAdapter.Start: %w", err)
	}

	a.mu.Lock()
	a.run = run
	a.stopRequested = false
	a.mu.Unlock()

	if err := a.machine.Transition(event.StatusRunning); err != nil {
		return fmt.Errorf("adapter.CodexAdapter.Start: %w", err)
	}

	go a.monitor(run)

	return nil
}

func (a *CodexAdapter) Send(_ context.Context, msg Message) error {
	a.mu.Lock()
	if a.run == nil {
		a.mu.Unlock()
		return fmt.Errorf("adapter.CodexAdapter.Send: %w", ErrNotRunning)
	}
	if msg.Type == MessageUser {
		if a.turnActive {
			a.mu.Unlock()
			return fmt.Errorf("adapter.CodexAdapter.Send: %w", ErrTurnInFlight)
		}
		a.turnActive = true
	}
	run := a.run
	a.mu.Unlock()

	line, err := json.Marshal(map[string]any{
		"id": uuid.NewString(),
		"op": map[string]any{
			"type": "user_input",
			"items": []map[string]any{
				{"type": "text", "text": msg.Content},
			},
		},
	})
	if err != nil {
		a.settleTurn()
		return fmt.Errorf("adapter.CodexAdapter.Send: %w", err)
	}

	if err := run.WriteLine(string(line)); err != nil {
		a.settleTurn()
		return fmt.Errorf("adapter.CodexAdapter.Send: %w", err)
	}

	return nil
}

func (a *CodexAdapter) Stop(ctx context.Context, force bool) error {
	a.mu.Lock()
	run := a.run
	a.stopRequested = true
	a.mu.Unlock()

	if run == nil {
		return nil
	}

	if err := a.machine.Transition(event.StatusStopping); err != nil {
		log.Debug().Err(err).Msg("adapter.CodexAdapter.Stop: transition")
	}

	run.Stop(force)

	exit, err := run.Wait(ctx)
	if err != nil {
		return fmt.Errorf("adapter.CodexAdapter.Stop: %w", err)
	}

	a.finishRun(run, exit)
	return nil
}

func (a *CodexAdapter) handleLine(line string) {
	events, sig := a.translator.Translate(line)
	for _, ev := range events {
		a.emit(ev)
	}

	switch sig {
	case SignalTurnComplete:
		a.settleTurn()
	case SignalFatal:
		a.settleTurn()
		a.mu.Lock()
		run := a.run
		a.mu.Unlock()
		if run != nil {
			run.Stop(true)
		}
		a.machine.ForceStop()
	case SignalNone:
	}
}

func (a *CodexAdapter) monitor(run *runner) {
	<-run.Done()

	a.mu.Lock()
	expected := a.stopRequested || a.run != run
	a.mu.Unlock()
	if expected {
		return
	}

	exit, _ := run.Wait(context.Background())
	a.settleTurn()
	a.machine.ForceStop()
	a.finishRun(run, exit)
}

func (a *CodexAdapter) finishRun(run *runner, exit ExitStatus) {
	a.mu.Lock()
	if a.run != run {
		a.mu.Unlock()
		return
	}
	a.run = nil
	a.turnActive = false
	exitFn := a.exitFn
	a.mu.Unlock()

	a.machine.ForceStop()

	if exitFn != nil {
		exitFn(exit)
	}
}

func (a *CodexAdapter) settleTurn() {
	a.mu.Lock()
	a.turnActive = false
	a.mu.Unlock()
}

func (a *CodexAdapter) emit(ev event.AgentEvent) {
	a.mu.Lock()
	handler := a.handler
	a.mu.Unlock()

	if handler != nil {
		handler(ev)
	}
}

// ---------------------------------------------------------------------------
// Translation
// ---------------------------------------------------------------------------

// CodexTranslator converts Codex proto-mode lines into canonical events.
// Token counts arrive mid-stream and are folded into the usage reported on
// turn completion.
type CodexTranslator struct {
	buf      strings.Builder
	pending  map[string]pendingTool
	usage    event.Usage
	hasUsage bool
}

func NewCodexTranslator() *CodexTranslator {
	return &CodexTranslator{
		pending: make(map[string]pendingTool),
	}
}

type codexLine struct {
	ID  string `json:"id"`
	Msg struct {
		Type             string   `json:"type"`
		SessionID        string   `json:"session_id"`
		Delta            string   `json:"delta"`
		Message          string   `json:"message"`
		CallID           string   `json:"call_id"`
		Command          []string `json:"command"`
		ExitCode         int      `json:"exit_code"`
		Stdout           string   `json:"stdout"`
		Stderr           string   `json:"stderr"`
		LastAgentMessage string   `json:"last_agent_message"`
		InputTokens      int64    `json:"input_tokens"`
		CachedTokens     int64    `json:"cached_input_tokens"`
		OutputTokens     int64    `json:"output_tokens"`
	} `json:"msg"`
}

// Translate converts one native line. Unparseable lines and unrecognized
// shapes produce no events.
func (t *CodexTranslator) Translate(line string) ([]event.AgentEvent, Signal) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, SignalNone
	}

	var native codexLine
	if err := json.Unmarshal([]byte(line), &native); err != nil {
		return nil, SignalNone
	}

	switch native.Msg.Type {
	case "session_configured":
		ev := event.NewStatus(event.StatusRunning)
		ev.SessionID = native.Msg.SessionID
		return []event.AgentEvent{ev}, SignalNone

	case "agent_message_delta":
		if native.Msg.Delta == "" {
			return nil, SignalNone
		}
		t.buf.WriteString(native.Msg.Delta)
		return []event.AgentEvent{event.NewMessage(native.Msg.Delta, true)}, SignalNone

	case "agent_message":
		if native.Msg.Message == "" {
			return nil, SignalNone
		}
		// The full message supersedes any streamed deltas.
		t.buf.Reset()
		t.buf.WriteString(native.Msg.Message)
		return []event.AgentEvent{event.NewMessage(native.Msg.Message, false)}, SignalNone

	case "exec_command_begin":
		input := strings.Join(native.Msg.Command, " ")
		t.pending[native.Msg.CallID] = pendingTool{tool: "shell", input: input}
		return []event.AgentEvent{{
			Type:      event.TypeToolUse,
			Timestamp: event.NowMillis(),
			ToolUse: &event.ToolUsePayload{
				ToolUseID: native.Msg.CallID,
				Tool:      "shell",
				Input:     input,
			},
		}}, SignalNone

	case "exec_command_end":
		return t.translateExecEnd(native), SignalNone

	case "token_count":
		input := native.Msg.InputTokens + native.Msg.CachedTokens
		t.usage.InputTokens += input
		t.usage.OutputTokens += native.Msg.OutputTokens
		t.usage.TotalTokens += input + native.Msg.OutputTokens
		t.hasUsage = true
		return nil, SignalNone

	case "task_complete":
		return t.translateTaskComplete(native)

	case "error":
		msg := native.Msg.Message
		if msg == "" {
			msg = "agent error"
		}
		t.buf.Reset()
		return []event.AgentEvent{event.NewError(msg, "", true)}, SignalFatal

	default:
		// Forward-compatible no-op.
		return nil, SignalNone
	}
}

func (t *CodexTranslator) translateExecEnd(native codexLine) []event.AgentEvent {
	// Unknown call ids are accepted; nothing to pair them with.
	delete(t.pending, native.Msg.CallID)

	payload := &event.ToolResultPayload{
		ToolUseID: native.Msg.CallID,
		IsError:   native.Msg.ExitCode != 0,
	}
	if payload.IsError {
		payload.Error = native.Msg.Stderr
		if payload.Error == "" {
			payload.Error = fmt.Sprintf("exit status %d", native.Msg.ExitCode)
		}
	} else {
		payload.Output = native.Msg.Stdout
	}

	return []event.AgentEvent{{
		Type:       event.TypeToolResult,
		Timestamp:  event.NowMillis(),
		ToolResult: payload,
	}}
}

func (t *CodexTranslator) translateTaskComplete(native codexLine) ([]event.AgentEvent, Signal) {
	content := native.Msg.LastAgentMessage
	if content == "" {
		content = t.buf.String()
	}
	t.buf.Reset()

	usage := t.usage
	hasUsage := t.hasUsage
	t.usage = event.Usage{}
	t.hasUsage = false

	// Completion without accumulated content is silently skipped.
	if content == "" {
		return nil, SignalTurnComplete
	}

	payload := &event.ResultPayload{Content: content}
	if hasUsage {
		u := usage
		payload.Usage = &u
	}

	return []event.AgentEvent{{
		Type:      event.TypeResult,
		Timestamp: event.NowMillis(),
		Result:    payload,
	}}, SignalTurnComplete
}
