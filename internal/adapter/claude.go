package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/weft/internal/event"
)

const claudeBinary = "claude"

// NewClaudeAdapter creates an adapter driving the Claude Code CLI in
// stream-json mode over stdin/stdout.
func NewClaudeAdapter() Adapter {
	a := &ClaudeAdapter{
		binary:     claudeBinary,
		translator: NewClaudeTranslator(),
	}
	a.machine = newStatusMachine(a.emit)
	return a
}

// ClaudeAdapter implements Adapter for the Claude Code CLI.
type ClaudeAdapter struct {
	binary     string
	machine    *statusMachine
	translator *ClaudeTranslator

	mu            sync.Mutex
	run           *runner
	turnActive    bool
	stopRequested bool
	handler       EventHandler
	exitFn        ExitHandler
}

func (a *ClaudeAdapter) Info() Info {
	return Info{
		ID:           "claude",
		Name:         "Claude Code",
		Description:  "Anthropic Claude Code CLI (stream-json)",
		Streaming:    true,
		Tools:        true,
		PauseResume:  false,
		SystemPrompt: true,
	}
}

func (a *ClaudeAdapter) IsAvailable(_ context.Context) bool {
	_, err := exec.LookPath(a.binary)
	return err == nil
}

func (a *ClaudeAdapter) Status() event.AgentStatus {
	return a.machine.Current()
}

func (a *ClaudeAdapter) OnEvent(fn EventHandler) {
	a.mu.Lock()
	a.handler = fn
	a.mu.Unlock()
}

func (a *ClaudeAdapter) OnExit(fn ExitHandler) {
	a.mu.Lock()
	a.exitFn = fn
	a.mu.Unlock()
}

func (a *ClaudeAdapter) Start(_ context.Context, opts StartOptions) error {
	a.mu.Lock()
	if a.run != nil {
		a.mu.Unlock()
		return fmt.Errorf("adapter.ClaudeAdapter.Start: %w", ErrAlreadyRunning)
	}
	a.mu.Unlock()

	if err := a.machine.Transition(event.StatusStarting); err != nil {
		return fmt.Errorf("adapter.ClaudeAdapter.Start: %w", err)
	}

	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if opts.MaxIterations > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxIterations))
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}

	// The run outlives the Start call; lifetime is owned by Stop.
	run, err := startRunner(context.Background(), a.binary, args, opts, a.handleLine)
	if err != nil {
		a.machine.ForceStop()
		return fmt.Errorf("adapter.ClaudeAdapter.Start: %w", err)
	}

	a.mu.Lock()
	a.run = run
	a.stopRequested = false
	a.mu.Unlock()

	if err := a.machine.Transition(event.StatusRunning); err != nil {
		return fmt.Errorf("adapter.ClaudeAdapter.Start: %w", err)
	}

	go a.monitor(run)

	return nil
}

func (a *ClaudeAdapter) Send(_ context.Context, msg Message) error {
	a.mu.Lock()
	if a.run == nil {
		a.mu.Unlock()
		return fmt.Errorf("adapter.ClaudeAdapter.Send: %w", ErrNotRunning)
	}
	if msg.Type == MessageUser {
		if a.turnActive {
			a.mu.Unlock()
			return fmt.Errorf("adapter.ClaudeAdapter.Send: %w", ErrTurnInFlight)
		}
		a.turnActive = true
	}
	run := a.run
	a.mu.Unlock()

	line, err := json.Marshal(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": msg.Content},
			},
		},
	})
	if err != nil {
		a.settleTurn()
		return fmt.Errorf("adapter.ClaudeAdapter.Send: %w", err)
	}

	if err := run.WriteLine(string(line)); err != nil {
		a.settleTurn()
		return fmt.Errorf("adapter.ClaudeAdapter.Send: %w", err)
	}

	return nil
}

func (a *ClaudeAdapter) Stop(ctx context.Context, force bool) error {
	a.mu.Lock()
	run := a.run
	a.stopRequested = true
	a.mu.Unlock()

	if run == nil {
		return nil
	}

	if err := a.machine.Transition(event.StatusStopping); err != nil {
		log.Debug().Err(err).Msg("adapter.ClaudeAdapter.Stop: transition")
	}

	run.Stop(force)

	exit, err := run.Wait(ctx)
	if err != nil {
		return fmt.Errorf("adapter.ClaudeAdapter.Stop: %w", err)
	}

	a.finishRun(run, exit)
	return nil
}

// handleLine translates one native stream line and dispatches the resulting
// canonical events. Malformed lines are skipped.
func (a *ClaudeAdapter) handleLine(line string) {
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

// monitor settles state when the vendor process exits on its own.
func (a *ClaudeAdapter) monitor(run *runner) {
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

func (a *ClaudeAdapter) finishRun(run *runner, exit ExitStatus) {
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

func (a *ClaudeAdapter) settleTurn() {
	a.mu.Lock()
	a.turnActive = false
	a.mu.Unlock()
}

func (a *ClaudeAdapter) emit(ev event.AgentEvent) {
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

// Signal tells the adapter what a translated line means for turn lifecycle.
type Signal int

const (
	SignalNone Signal = iota
	SignalTurnComplete
	SignalFatal
)

type pendingTool struct {
	tool  string
	input string
}

// ClaudeTranslator converts Claude Code stream-json lines into canonical
// events. Text deltas accumulate into a running buffer re-emitted as
// partial messages; the complete assistant message supersedes the deltas
// streamed for it. tool_use/tool_result pairs are matched through a
// pending map keyed by tool use id.
type ClaudeTranslator struct {
	buf      []byte
	msgStart int // buffer offset where the in-flight message's deltas begin
	pending  map[string]pendingTool
}

func NewClaudeTranslator() *ClaudeTranslator {
	return &ClaudeTranslator{
		pending: make(map[string]pendingTool),
	}
}

func (t *ClaudeTranslator) resetBuffer() {
	t.buf = t.buf[:0]
	t.msgStart = 0
}

type claudeLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
	IsError   bool   `json:"is_error"`
	Event     *struct {
		Type  string `json:"type"`
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
	} `json:"event"`
	Message *struct {
		Content []claudeBlock `json:"content"`
	} `json:"message"`
	Usage *struct {
		InputTokens         int64 `json:"input_tokens"`
		OutputTokens        int64 `json:"output_tokens"`
		CacheReadTokens     int64 `json:"cache_read_input_tokens"`
		CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

type claudeBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// Translate converts one native line. Unparseable lines and unrecognized
// shapes produce no events.
func (t *ClaudeTranslator) Translate(line string) ([]event.AgentEvent, Signal) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, SignalNone
	}

	var native claudeLine
	if err := json.Unmarshal([]byte(line), &native); err != nil {
		return nil, SignalNone
	}

	switch native.Type {
	case "system":
		if native.Subtype == "init" {
			ev := event.NewStatus(event.StatusRunning)
			ev.SessionID = native.SessionID
			return []event.AgentEvent{ev}, SignalNone
		}
		return nil, SignalNone

	case "stream_event":
		return t.translateDelta(native), SignalNone

	case "assistant":
		return t.translateAssistant(native), SignalNone

	case "user":
		return t.translateToolResults(native), SignalNone

	case "result":
		return t.translateResult(native)

	case "error":
		msg := "agent error"
		code := ""
		if native.Error != nil {
			msg = native.Error.Message
			code = native.Error.Code
		}
		return []event.AgentEvent{event.NewError(msg, code, true)}, SignalFatal

	default:
		// Forward-compatible no-op.
		return nil, SignalNone
	}
}

func (t *ClaudeTranslator) translateDelta(native claudeLine) []event.AgentEvent {
	if native.Event == nil || native.Event.Type != "content_block_delta" {
		return nil
	}
	if native.Event.Delta.Type != "text_delta" || native.Event.Delta.Text == "" {
		return nil
	}

	t.buf = append(t.buf, native.Event.Delta.Text...)
	return []event.AgentEvent{event.NewMessage(native.Event.Delta.Text, true)}
}

func (t *ClaudeTranslator) translateAssistant(native claudeLine) []event.AgentEvent {
	if native.Message == nil {
		return nil
	}

	// The complete message repeats the text already streamed as deltas,
	// so drop this message's deltas before appending its blocks.
	t.buf = t.buf[:t.msgStart]

	var events []event.AgentEvent
	for _, block := range native.Message.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			t.buf = append(t.buf, block.Text...)
			events = append(events, event.NewMessage(block.Text, false))

		case "tool_use":
			input := string(block.Input)
			t.pending[block.ID] = pendingTool{tool: block.Name, input: input}
			events = append(events, event.AgentEvent{
				Type:      event.TypeToolUse,
				Timestamp: event.NowMillis(),
				ToolUse: &event.ToolUsePayload{
					ToolUseID: block.ID,
					Tool:      block.Name,
					Input:     input,
				},
			})
		}
	}

	t.msgStart = len(t.buf)
	return events
}

func (t *ClaudeTranslator) translateToolResults(native claudeLine) []event.AgentEvent {
	if native.Message == nil {
		return nil
	}

	var events []event.AgentEvent
	for _, block := range native.Message.Content {
		if block.Type != "tool_result" {
			continue
		}

		// Unknown ids are accepted; the pending entry just never existed.
		delete(t.pending, block.ToolUseID)

		payload := &event.ToolResultPayload{
			ToolUseID: block.ToolUseID,
			IsError:   block.IsError,
		}
		content := decodeClaudeContent(block.Content)
		if block.IsError {
			payload.Error = content
		} else {
			payload.Output = content
		}

		events = append(events, event.AgentEvent{
			Type:       event.TypeToolResult,
			Timestamp:  event.NowMillis(),
			ToolResult: payload,
		})
	}

	return events
}

func (t *ClaudeTranslator) translateResult(native claudeLine) ([]event.AgentEvent, Signal) {
	if native.IsError || native.Subtype == "error" {
		msg := native.Result
		if msg == "" {
			msg = "agent run failed"
		}
		t.resetBuffer()
		return []event.AgentEvent{event.NewError(msg, native.Subtype, true)}, SignalFatal
	}

	content := native.Result
	if content == "" {
		content = string(t.buf)
	}
	t.resetBuffer()

	// Completion without accumulated content is silently skipped.
	if content == "" {
		return nil, SignalTurnComplete
	}

	payload := &event.ResultPayload{Content: content}
	if native.Usage != nil {
		input := native.Usage.InputTokens + native.Usage.CacheReadTokens + native.Usage.CacheCreationTokens
		payload.Usage = &event.Usage{
			InputTokens:  input,
			OutputTokens: native.Usage.OutputTokens,
			TotalTokens:  input + native.Usage.OutputTokens,
		}
	}

	return []event.AgentEvent{{
		Type:      event.TypeResult,
		Timestamp: event.NowMillis(),
		Result:    payload,
	}}, SignalTurnComplete
}

// decodeClaudeContent renders a tool_result content field, which is either
// a bare string or a list of text blocks.
func decodeClaudeContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []claudeBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}

	return string(raw)
}
