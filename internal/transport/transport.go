// Package transport provides the backend adapters that attach a session to
// a real shell: an SSH remote, a local pseudo-terminal, or a container
// exec stream. All three expose the same contract so the session state
// machine stays transport-agnostic.
package transport

import (
	"context"

	"github.com/terminal-mux/backend/internal/profile"
	"github.com/terminal-mux/backend/internal/protocol"
)

// Transport is the uniform byte-stream contract over a shell.
//
// Open dials/forks/attaches and must respect ctx cancellation so a slow
// dial never outlives its session. After a successful Open the transport
// delivers shell output on Output until the stream ends, then sends the
// terminal error (nil for a clean exit) on Done and closes Output.
type Transport interface {
	Open(ctx context.Context) error
	Write(p []byte) error
	Resize(rows, cols uint16) error
	Signal(name string) error
	Close() error

	// Output delivers shell output chunks. Closed when the stream ends.
	Output() <-chan []byte

	// Done delivers exactly one value when the transport dies: nil for a
	// clean exit, an error otherwise.
	Done() <-chan error
}

// OpenParams carries everything a factory needs to build a transport. The
// session type decides which fields are read.
type OpenParams struct {
	SessionType protocol.SessionType

	// SSH
	ProfileID string

	// Docker
	ContainerID string

	// Local
	Shell string

	Rows uint16
	Cols uint16
}

// Factory builds a transport for a session. Selection happens once at
// connect time; messages after that never re-dispatch on session type.
type Factory interface {
	New(params OpenParams) (Transport, error)
}

// DefaultFactory wires the three concrete transports. Profiles resolves
// ssh_profile_id references; Credentials resolves the opaque credential
// references stored on profiles.
type DefaultFactory struct {
	Profiles    profile.Store
	Credentials profile.CredentialSource
	DockerHost  string
}

// New selects the transport variant by session type.
func (f *DefaultFactory) New(params OpenParams) (Transport, error) {
	switch params.SessionType {
	case protocol.SessionTypeSSH:
		return NewSSHTransport(f.Profiles, f.Credentials, params), nil
	case protocol.SessionTypeLocal:
		return NewLocalTransport(params), nil
	case protocol.SessionTypeDocker:
		return NewDockerTransport(f.DockerHost, params), nil
	default:
		return nil, protocol.Errorf(protocol.CodeInvalidMessage, "unknown session_type %q", params.SessionType)
	}
}
