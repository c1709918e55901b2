package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/weft/internal/event"
)

// The lifecycle tests run the adapter against /bin/cat: it accepts stdin,
// echoes lines (which translate as unrecognized and are ignored), and dies
// cleanly on stdin close or SIGKILL.

func newCatAdapter() *ClaudeAdapter {
	a := &ClaudeAdapter{
		binary:     "cat",
		translator: NewClaudeTranslator(),
	}
	a.machine = newStatusMachine(a.emit)
	return a
}

func TestClaudeAdapter_StartIsGuarded(t *testing.T) {
	t.Parallel()

	a := newCatAdapter()
	ctx := context.Background()

	require.NoError(t, a.Start(ctx, StartOptions{}))
	defer func() { _ = a.Stop(ctx, true) }()

	assert.Equal(t, event.StatusRunning, a.Status())

	err := a.Start(ctx, StartOptions{})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestClaudeAdapter_SendRequiresRun(t *testing.T) {
	t.Parallel()

	a := newCatAdapter()

	err := a.Send(context.Background(), Message{Type: MessageUser, Content: "hi"})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestClaudeAdapter_SecondTurnRejectedWhileInFlight(t *testing.T) {
	t.Parallel()

	a := newCatAdapter()
	ctx := context.Background()

	require.NoError(t, a.Start(ctx, StartOptions{}))
	defer func() { _ = a.Stop(ctx, true) }()

	require.NoError(t, a.Send(ctx, Message{Type: MessageUser, Content: "first"}))

	// cat never emits a result line, so the turn never settles.
	err := a.Send(ctx, Message{Type: MessageUser, Content: "second"})
	assert.ErrorIs(t, err, ErrTurnInFlight)
}

func TestClaudeAdapter_ForcedStopReportsKill(t *testing.T) {
	t.Parallel()

	a := newCatAdapter()
	ctx := context.Background()

	var exits []ExitStatus
	exitCh := make(chan ExitStatus, 1)
	a.OnExit(func(exit ExitStatus) {
		exits = append(exits, exit)
		exitCh <- exit
	})

	require.NoError(t, a.Start(ctx, StartOptions{}))
	require.NoError(t, a.Stop(ctx, true))

	exit := <-exitCh
	assert.Equal(t, 1, exit.Code)
	assert.Equal(t, "SIGKILL", exit.Signal)
	assert.Equal(t, event.StatusStopped, a.Status())
	assert.Len(t, exits, 1)
}

func TestClaudeAdapter_GracefulStopReportsCleanExit(t *testing.T) {
	t.Parallel()

	a := newCatAdapter()
	ctx := context.Background()

	exitCh := make(chan ExitStatus, 1)
	a.OnExit(func(exit ExitStatus) { exitCh <- exit })

	require.NoError(t, a.Start(ctx, StartOptions{}))
	require.NoError(t, a.Stop(ctx, false))

	exit := <-exitCh
	assert.Equal(t, 0, exit.Code)
	assert.Equal(t, event.StatusStopped, a.Status())
}

func TestClaudeAdapter_RestartAfterStop(t *testing.T) {
	t.Parallel()

	a := newCatAdapter()
	ctx := context.Background()

	require.NoError(t, a.Start(ctx, StartOptions{}))
	require.NoError(t, a.Stop(ctx, true))
	require.NoError(t, a.Start(ctx, StartOptions{}))
	require.NoError(t, a.Stop(ctx, true))
}

func TestStatusMachine_Transitions(t *testing.T) {
	t.Parallel()

	var emitted []event.AgentStatus
	m := newStatusMachine(func(ev event.AgentEvent) {
		emitted = append(emitted, ev.Status.Status)
	})

	require.NoError(t, m.Transition(event.StatusStarting))
	require.NoError(t, m.Transition(event.StatusRunning))
	require.NoError(t, m.Transition(event.StatusStopping))
	require.NoError(t, m.Transition(event.StatusStopped))

	assert.Equal(t, []event.AgentStatus{
		event.StatusStarting,
		event.StatusRunning,
		event.StatusStopping,
		event.StatusStopped,
	}, emitted)
}

func TestStatusMachine_RejectsSkippedStates(t *testing.T) {
	t.Parallel()

	m := newStatusMachine(nil)

	assert.ErrorIs(t, m.Transition(event.StatusRunning), ErrInvalidTransition)
	assert.ErrorIs(t, m.Transition(event.StatusPaused), ErrInvalidTransition)
	assert.Equal(t, event.StatusIdle, m.Current())
}

func TestStatusMachine_PauseResume(t *testing.T) {
	t.Parallel()

	m := newStatusMachine(nil)

	require.NoError(t, m.Transition(event.StatusStarting))
	require.NoError(t, m.Transition(event.StatusRunning))
	require.NoError(t, m.Transition(event.StatusPausing))
	require.NoError(t, m.Transition(event.StatusPaused))
	require.NoError(t, m.Transition(event.StatusRunning))
}

func TestStatusMachine_ForceStopEmitsOnce(t *testing.T) {
	t.Parallel()

	count := 0
	m := newStatusMachine(func(event.AgentEvent) { count++ })

	m.ForceStop()
	m.ForceStop()

	assert.Equal(t, event.StatusStopped, m.Current())
	assert.Equal(t, 1, count)
}
