//go:build !windows

package transport

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/terminal-mux/backend/internal/protocol"
)

const localReadBufferSize = 4096

// localSignals maps allow-listed signal names to process signals.
var localSignals = map[string]unix.Signal{
	"SIGINT":  unix.SIGINT,
	"SIGTSTP": unix.SIGTSTP,
	"SIGTERM": unix.SIGTERM,
	"SIGKILL": unix.SIGKILL,
	"SIGQUIT": unix.SIGQUIT,
}

// LocalTransport runs a shell on a local pseudo-terminal.
type LocalTransport struct {
	shell string
	rows  uint16
	cols  uint16

	mu     sync.Mutex
	cmd    *exec.Cmd
	ptmx   *os.File
	closed bool

	output chan []byte
	done   chan error
}

// NewLocalTransport builds a local-PTY transport. The shell defaults to
// $SHELL, then /bin/bash.
func NewLocalTransport(params OpenParams) *LocalTransport {
	return &LocalTransport{
		shell:  params.Shell,
		rows:   params.Rows,
		cols:   params.Cols,
		output: make(chan []byte, 32),
		done:   make(chan error, 1),
	}
}

// Open forks the shell attached to a fresh PTY.
func (t *LocalTransport) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return protocol.Errorf(protocol.CodeConnectionFailed, "open cancelled: %v", err)
	}

	shell := t.shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/bash"
	}

	cmd := exec.Command(shell)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: t.rows, Cols: t.cols})
	if err != nil {
		return protocol.Errorf(protocol.CodeConnectionFailed, "failed to start shell: %v", err)
	}

	t.mu.Lock()
	t.cmd = cmd
	t.ptmx = ptmx
	t.mu.Unlock()

	go t.readLoop()
	go t.waitLoop()

	return nil
}

// readLoop pumps PTY output into the output channel until EOF.
func (t *LocalTransport) readLoop() {
	defer close(t.output)

	buf := make([]byte, localReadBufferSize)
	for {
		n, err := t.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.output <- chunk
		}
		if err != nil {
			return
		}
	}
}

// waitLoop reaps the shell process and reports the exit on Done.
func (t *LocalTransport) waitLoop() {
	err := t.cmd.Wait()
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			// An exit code is a normal end of session, not a transport
			// fault.
			err = nil
		}
	}
	t.done <- err
}

// Write sends input to the shell.
func (t *LocalTransport) Write(p []byte) error {
	t.mu.Lock()
	ptmx, closed := t.ptmx, t.closed
	t.mu.Unlock()

	if closed || ptmx == nil {
		return fmt.Errorf("transport is closed")
	}
	if _, err := ptmx.Write(p); err != nil {
		return fmt.Errorf("failed to write to PTY: %w", err)
	}
	return nil
}

// Resize changes the PTY window size.
func (t *LocalTransport) Resize(rows, cols uint16) error {
	t.mu.Lock()
	ptmx, closed := t.ptmx, t.closed
	t.mu.Unlock()

	if closed || ptmx == nil {
		return fmt.Errorf("transport is closed")
	}
	return pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Signal delivers a process signal to the shell.
func (t *LocalTransport) Signal(name string) error {
	sig, ok := localSignals[name]
	if !ok {
		return protocol.Errorf(protocol.CodeInvalidMessage, "signal %q is not allowed", name)
	}

	t.mu.Lock()
	cmd, closed := t.cmd, t.closed
	t.mu.Unlock()

	if closed || cmd == nil || cmd.Process == nil {
		return fmt.Errorf("transport is closed")
	}
	return cmd.Process.Signal(sig)
}

// Close kills the shell and releases the PTY.
func (t *LocalTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cmd, ptmx := t.cmd, t.ptmx
	t.mu.Unlock()

	var firstErr error
	if cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Kill(); err != nil {
			firstErr = err
		}
	}
	if ptmx != nil {
		if err := ptmx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Output delivers shell output chunks.
func (t *LocalTransport) Output() <-chan []byte {
	return t.output
}

// Done reports process exit.
func (t *LocalTransport) Done() <-chan error {
	return t.done
}
