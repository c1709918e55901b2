package adapter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
)

const (
	// Vendor CLIs emit long JSON lines; size the scanner accordingly.
	scannerInitialBuffer = 256 * 1024
	scannerMaxBuffer     = 1024 * 1024
)

// runner owns one vendor CLI subprocess: stdin for turns, a scanner over
// stdout for the native event stream, and exit-code capture on settlement.
type runner struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc

	mu     sync.Mutex
	done   chan struct{}
	exit   ExitStatus
	killed bool
}

// startRunner launches the command and begins feeding stdout lines to
// onLine. onLine is called from a single goroutine in stream order.
func startRunner(ctx context.Context, name string, args []string, opts StartOptions, onLine func(line string)) (*runner, error) {
	runCtx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = opts.Cwd
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("adapter.startRunner: stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("adapter.startRunner: stdout pipe: %w", err)
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("adapter.startRunner: start %s: %w", name, err)
	}

	r := &runner{
		cmd:    cmd,
		stdin:  stdin,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go r.readLoop(runCtx, stdout, onLine)

	return r, nil
}

func (r *runner) readLoop(ctx context.Context, stdout io.Reader, onLine func(line string)) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, scannerInitialBuffer), scannerMaxBuffer)

	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		onLine(scanner.Text())
	}
	if scanErr := scanner.Err(); scanErr != nil && ctx.Err() == nil {
		log.Debug().Err(scanErr).Str("command", r.cmd.Path).Msg("adapter: stream read ended")
	}

	err := r.cmd.Wait()

	r.mu.Lock()
	if r.killed {
		r.exit = ExitStatus{Code: 1, Signal: "SIGKILL"}
	} else {
		r.exit = exitStatusFromError(err)
	}
	r.mu.Unlock()

	close(r.done)
}

// WriteLine sends one line to the vendor process stdin.
func (r *runner) WriteLine(line string) error {
	if _, err := io.WriteString(r.stdin, line+"\n"); err != nil {
		return fmt.Errorf("adapter.runner.WriteLine: %w", err)
	}
	return nil
}

// Stop terminates the subprocess. Graceful stop closes stdin and lets the
// CLI flush and exit on EOF; forced stop kills it outright.
func (r *runner) Stop(force bool) {
	if force {
		r.mu.Lock()
		r.killed = true
		r.mu.Unlock()
		if r.cmd.Process != nil {
			_ = r.cmd.Process.Kill()
		}
		return
	}

	_ = r.stdin.Close()
}

// Wait blocks until the subprocess settles or ctx expires, returning the
// exit signal. On ctx expiry the runner is cancelled so settlement still
// happens in the background.
func (r *runner) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.exit, nil
	case <-ctx.Done():
		r.cancel()
		return ExitStatus{}, fmt.Errorf("adapter.runner.Wait: %w", ctx.Err())
	}
}

// Done exposes the settlement channel for turn bookkeeping.
func (r *runner) Done() <-chan struct{} {
	return r.done
}

func exitStatusFromError(err error) ExitStatus {
	if err == nil {
		return ExitStatus{Code: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		status := ExitStatus{Code: exitErr.ExitCode()}
		if ws, wsOK := exitErr.Sys().(syscall.WaitStatus); wsOK && ws.Signaled() {
			status.Code = 1
			status.Signal = ws.Signal().String()
		}
		return status
	}
	return ExitStatus{Code: 1}
}
