package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/terminal-mux/backend/internal/profile"
	"github.com/terminal-mux/backend/internal/protocol"
)

const sshReadBufferSize = 4096

// sshSignals maps allow-listed signal names to SSH signal names (RFC 4254
// drops the SIG prefix).
var sshSignals = map[string]ssh.Signal{
	"SIGINT":  ssh.SIGINT,
	"SIGTSTP": ssh.Signal("TSTP"),
	"SIGTERM": ssh.SIGTERM,
	"SIGKILL": ssh.SIGKILL,
	"SIGQUIT": ssh.SIGQUIT,
}

// SSHTransport attaches a session to a remote shell over SSH. The target
// is resolved from a stored profile; credentials come from the opaque
// reference on the profile and are never written anywhere.
type SSHTransport struct {
	profiles profile.Store
	creds    profile.CredentialSource
	params   OpenParams

	mu      sync.Mutex
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	closed  bool

	output chan []byte
	done   chan error
}

// NewSSHTransport builds an SSH transport for the given profile reference.
func NewSSHTransport(profiles profile.Store, creds profile.CredentialSource, params OpenParams) *SSHTransport {
	return &SSHTransport{
		profiles: profiles,
		creds:    creds,
		params:   params,
		output:   make(chan []byte, 32),
		done:     make(chan error, 1),
	}
}

// errHostKeyChanged marks a pinned-fingerprint mismatch so Open can map
// the handshake failure to the right taxonomy code.
var errHostKeyChanged = fmt.Errorf("host key fingerprint mismatch")

// Open resolves the profile, dials the host, authenticates, and requests
// a remote PTY running the user's shell.
func (t *SSHTransport) Open(ctx context.Context) error {
	prof, err := t.profiles.Get(ctx, t.params.ProfileID)
	if err != nil {
		return protocol.Errorf(protocol.CodeConnectionFailed, "ssh profile %q: %v", t.params.ProfileID, err)
	}

	secret, err := t.creds.Secret(ctx, prof.CredentialRef)
	if err != nil {
		return protocol.Errorf(protocol.CodeSSHAuthFailed, "credential resolution: %v", err)
	}

	var auth ssh.AuthMethod
	switch prof.AuthMethod {
	case profile.AuthMethodKey:
		signer, err := ssh.ParsePrivateKey([]byte(secret))
		if err != nil {
			return protocol.Errorf(protocol.CodeSSHAuthFailed, "parse private key: %v", err)
		}
		auth = ssh.PublicKeys(signer)
	case profile.AuthMethodPassword:
		auth = ssh.Password(secret)
	default:
		return protocol.Errorf(protocol.CodeSSHAuthFailed, "unknown auth method %q", prof.AuthMethod)
	}

	config := &ssh.ClientConfig{
		User:            prof.Username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: t.hostKeyCallback(prof),
		Timeout:         30 * time.Second,
	}

	addr := net.JoinHostPort(prof.Host, fmt.Sprintf("%d", prof.Port))

	// Dial with the session's context so Connect cancellation unblocks a
	// hung dial.
	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return protocol.Errorf(protocol.CodeConnectionFailed, "dial %s: %v", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		netConn.Close()
		return sshHandshakeError(err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return protocol.Errorf(protocol.CodeConnectionFailed, "new session: %v", err)
	}

	if err := session.RequestPty("xterm-256color", int(t.params.Rows), int(t.params.Cols), ssh.TerminalModes{}); err != nil {
		session.Close()
		client.Close()
		return protocol.Errorf(protocol.CodeConnectionFailed, "request pty: %v", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return protocol.Errorf(protocol.CodeConnectionFailed, "stdin pipe: %v", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return protocol.Errorf(protocol.CodeConnectionFailed, "stdout pipe: %v", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		client.Close()
		return protocol.Errorf(protocol.CodeConnectionFailed, "start shell: %v", err)
	}

	t.mu.Lock()
	t.client = client
	t.session = session
	t.stdin = stdin
	t.mu.Unlock()

	// With a PTY allocated, stderr is merged into the stdout stream.
	go func() {
		defer close(t.output)
		buf := make([]byte, sshReadBufferSize)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				t.output <- chunk
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		err := session.Wait()
		if _, ok := err.(*ssh.ExitError); ok {
			// Remote exit codes end the session cleanly.
			err = nil
		}
		t.done <- err
	}()

	return nil
}

// hostKeyCallback pins the profile's fingerprint when present, otherwise
// trusts on first use.
func (t *SSHTransport) hostKeyCallback(prof *profile.Profile) ssh.HostKeyCallback {
	if prof.HostKeyFingerprint == "" {
		return ssh.InsecureIgnoreHostKey()
	}
	pinned := prof.HostKeyFingerprint
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if ssh.FingerprintSHA256(key) != pinned {
			return errHostKeyChanged
		}
		return nil
	}
}

// sshHandshakeError maps a failed SSH handshake to the error taxonomy.
func sshHandshakeError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, errHostKeyChanged.Error()):
		return protocol.NewError(protocol.CodeSSHHostKeyChanged, "server host key does not match the pinned fingerprint")
	case strings.Contains(msg, "unable to authenticate"):
		return protocol.Errorf(protocol.CodeSSHAuthFailed, "authentication rejected: %v", err)
	default:
		return protocol.Errorf(protocol.CodeConnectionFailed, "ssh handshake: %v", err)
	}
}

// Write sends input to the remote shell.
func (t *SSHTransport) Write(p []byte) error {
	t.mu.Lock()
	stdin, closed := t.stdin, t.closed
	t.mu.Unlock()

	if closed || stdin == nil {
		return fmt.Errorf("transport is closed")
	}
	if _, err := stdin.Write(p); err != nil {
		return fmt.Errorf("failed to write to ssh session: %w", err)
	}
	return nil
}

// Resize issues a window-change request on the SSH channel.
func (t *SSHTransport) Resize(rows, cols uint16) error {
	t.mu.Lock()
	session, closed := t.session, t.closed
	t.mu.Unlock()

	if closed || session == nil {
		return fmt.Errorf("transport is closed")
	}
	return session.WindowChange(int(rows), int(cols))
}

// Signal forwards a signal over the SSH channel.
func (t *SSHTransport) Signal(name string) error {
	sig, ok := sshSignals[name]
	if !ok {
		return protocol.Errorf(protocol.CodeInvalidMessage, "signal %q is not allowed", name)
	}

	t.mu.Lock()
	session, closed := t.session, t.closed
	t.mu.Unlock()

	if closed || session == nil {
		return fmt.Errorf("transport is closed")
	}
	return session.Signal(sig)
}

// Close tears down the SSH session and underlying connection.
func (t *SSHTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	session, client := t.session, t.client
	t.mu.Unlock()

	var firstErr error
	if session != nil {
		if err := session.Close(); err != nil {
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

// Output delivers remote shell output.
func (t *SSHTransport) Output() <-chan []byte {
	return t.output
}

// Done reports remote session end.
func (t *SSHTransport) Done() <-chan error {
	return t.done
}
