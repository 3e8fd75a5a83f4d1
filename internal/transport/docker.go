package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"

	"github.com/terminal-mux/backend/internal/protocol"
)

const dockerReadBufferSize = 4096

// DockerTransport attaches a session to a shell running inside a
// container via the exec API.
type DockerTransport struct {
	host   string
	params OpenParams

	mu     sync.Mutex
	client *dockerclient.Client
	execID string
	conn   net.Conn
	closed bool

	// opCtx scopes post-open API calls to the transport's lifetime;
	// Close cancels it.
	opCtx    context.Context
	opCancel context.CancelFunc

	output chan []byte
	done   chan error
}

// NewDockerTransport builds a container transport. An empty host uses the
// environment's docker endpoint.
func NewDockerTransport(host string, params OpenParams) *DockerTransport {
	opCtx, opCancel := context.WithCancel(context.Background())
	return &DockerTransport{
		host:     host,
		params:   params,
		opCtx:    opCtx,
		opCancel: opCancel,
		output:   make(chan []byte, 32),
		done:     make(chan error, 1),
	}
}

// Open creates a TTY exec in the container and attaches to its stream.
func (t *DockerTransport) Open(ctx context.Context) error {
	opts := []dockerclient.Opt{
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	}
	if t.host != "" {
		opts = append(opts, dockerclient.WithHost(t.host))
	}

	client, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return protocol.Errorf(protocol.CodeConnectionFailed, "docker client: %v", err)
	}

	execCfg := container.ExecOptions{
		Cmd:          []string{"/bin/sh"},
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		ConsoleSize:  &[2]uint{uint(t.params.Rows), uint(t.params.Cols)},
		Env:          []string{"TERM=xterm-256color"},
	}

	execID, err := client.ContainerExecCreate(ctx, t.params.ContainerID, execCfg)
	if err != nil {
		client.Close()
		return protocol.Errorf(protocol.CodeConnectionFailed, "exec create: %v", err)
	}

	resp, err := client.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		client.Close()
		return protocol.Errorf(protocol.CodeConnectionFailed, "exec attach: %v", err)
	}

	t.mu.Lock()
	t.client = client
	t.execID = execID.ID
	t.conn = resp.Conn
	t.mu.Unlock()

	// With Tty set the stream is not multiplexed; read it raw.
	go func() {
		defer close(t.output)
		buf := make([]byte, dockerReadBufferSize)
		for {
			n, err := resp.Reader.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				t.output <- chunk
			}
			if err != nil {
				t.done <- t.exitDisposition()
				return
			}
		}
	}()

	return nil
}

// exitDisposition inspects the exec after its stream ends. A nonzero
// exit code means the shell died rather than exited, so it surfaces as
// an error. Stream end caused by our own Close stays clean.
func (t *DockerTransport) exitDisposition() error {
	t.mu.Lock()
	client, execID, closed := t.client, t.execID, t.closed
	t.mu.Unlock()

	if closed || client == nil {
		return nil
	}
	inspect, err := client.ContainerExecInspect(t.opCtx, execID)
	if err != nil {
		return protocol.Errorf(protocol.CodeConnectionFailed, "exec inspect: %v", err)
	}
	if inspect.ExitCode != 0 {
		return protocol.Errorf(protocol.CodeConnectionFailed, "exec exited with status %d", inspect.ExitCode)
	}
	return nil
}

// Write sends input to the exec stream.
func (t *DockerTransport) Write(p []byte) error {
	t.mu.Lock()
	conn, closed := t.conn, t.closed
	t.mu.Unlock()

	if closed || conn == nil {
		return fmt.Errorf("transport is closed")
	}
	if _, err := conn.Write(p); err != nil {
		return fmt.Errorf("failed to write to exec stream: %w", err)
	}
	return nil
}

// Resize resizes the exec's TTY.
func (t *DockerTransport) Resize(rows, cols uint16) error {
	t.mu.Lock()
	client, execID, closed := t.client, t.execID, t.closed
	t.mu.Unlock()

	if closed || client == nil {
		return fmt.Errorf("transport is closed")
	}
	return client.ContainerExecResize(t.opCtx, execID, container.ResizeOptions{
		Height: uint(rows),
		Width:  uint(cols),
	})
}

// Signal delivers a signal via the container kill API; docker exposes no
// per-exec kill, so the signal targets the container.
func (t *DockerTransport) Signal(name string) error {
	if !protocol.SignalAllowed(name) {
		return protocol.Errorf(protocol.CodeInvalidMessage, "signal %q is not allowed", name)
	}

	t.mu.Lock()
	client, closed := t.client, t.closed
	t.mu.Unlock()

	if closed || client == nil {
		return fmt.Errorf("transport is closed")
	}
	return client.ContainerKill(t.opCtx, t.params.ContainerID, name)
}

// Close detaches from the exec stream and closes the docker client.
func (t *DockerTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn, client := t.conn, t.client
	t.mu.Unlock()
	t.opCancel()

	var firstErr error
	if conn != nil {
		if err := conn.Close(); err != nil {
			firstErr = err
		}
	}
	if client != nil {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Output delivers exec stream output.
func (t *DockerTransport) Output() <-chan []byte {
	return t.output
}

// Done reports stream end.
func (t *DockerTransport) Done() <-chan error {
	return t.done
}
