package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/terminal-mux/backend/internal/history"
	"github.com/terminal-mux/backend/internal/protocol"
	"github.com/terminal-mux/backend/internal/reconnect"
	"github.com/terminal-mux/backend/internal/transport"
)

const (
	// DefaultGraceWindow is how long a session survives its owning
	// connection's disconnection.
	DefaultGraceWindow = 60 * time.Second

	// DefaultMaxSessionsPerConnection bounds session fan-out per socket.
	DefaultMaxSessionsPerConnection = 10
)

// RegistryConfig carries the registry-wide tunables.
type RegistryConfig struct {
	ConnectTimeout time.Duration

	// GraceWindow is how long an orphaned session survives. When zero it
	// is derived from the reconnect policy's retry budget, so a client
	// that exhausts its backoff schedule always finds its sessions alive.
	GraceWindow time.Duration

	// Reconnect is the backoff contract published to clients. The grace
	// supervisor and the health endpoint share this one object.
	Reconnect reconnect.Policy

	BufferLow                int
	BufferHigh               int
	BufferHardCap            int
	MaxSessionsPerConnection int
}

// Registry owns every live session. It is the only state shared across
// connections; all access goes through its mutex. Connection teardown
// parks sessions here for the grace window instead of destroying them.
type Registry struct {
	factory  transport.Factory
	recorder history.Recorder
	cfg      RegistryConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	grace    map[string]*time.Timer
}

// NewRegistry creates a session registry. Its lifecycle is tied to
// process shutdown via Close.
func NewRegistry(factory transport.Factory, recorder history.Recorder, cfg RegistryConfig) *Registry {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Reconnect == (reconnect.Policy{}) {
		cfg.Reconnect = reconnect.DefaultPolicy()
	}
	if cfg.GraceWindow == 0 {
		if budget := cfg.Reconnect.Budget(); budget > 0 {
			cfg.GraceWindow = budget
		} else {
			cfg.GraceWindow = DefaultGraceWindow
		}
	}
	if cfg.MaxSessionsPerConnection == 0 {
		cfg.MaxSessionsPerConnection = DefaultMaxSessionsPerConnection
	}
	if recorder == nil {
		recorder = history.NopRecorder{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		factory:  factory,
		recorder: recorder,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
		grace:    make(map[string]*time.Timer),
	}
}

// Connect allocates a session bound to the given connection, selects a
// transport by session type, and starts dialing. The sink receives
// status messages from the first state transition on.
func (r *Registry) Connect(connID, principalID, deviceID string, sink Sink, data protocol.ConnectData) (*Session, error) {
	rows, cols := data.Rows, data.Cols
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}

	tr, err := r.factory.New(transport.OpenParams{
		SessionType: data.SessionType,
		ProfileID:   data.ProfileID,
		ContainerID: data.ContainerID,
		Shell:       data.Shell,
		Rows:        rows,
		Cols:        cols,
	})
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	s := New(Config{
		ID:             id,
		Type:           data.SessionType,
		PrincipalID:    principalID,
		DeviceID:       deviceID,
		Transport:      tr,
		Recorder:       r.recorder,
		ConnectTimeout: r.cfg.ConnectTimeout,
		BufferLow:      r.cfg.BufferLow,
		BufferHigh:     r.cfg.BufferHigh,
		BufferHardCap:  r.cfg.BufferHardCap,
		OnClosed:       r.remove,
	})

	r.mu.Lock()
	if r.countOwnedLocked(connID) >= r.cfg.MaxSessionsPerConnection {
		r.mu.Unlock()
		tr.Close()
		return nil, protocol.Errorf(protocol.CodePermissionDenied,
			"connection session limit (%d) reached", r.cfg.MaxSessionsPerConnection)
	}
	r.sessions[id] = s
	r.mu.Unlock()

	s.Bind(connID, sink)
	s.Start(r.ctx, rows, cols)
	return s, nil
}

// Get returns a session or session_not_found.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, protocol.Errorf(protocol.CodeSessionNotFound, "unknown session %q", id)
	}
	return s, nil
}

// Rebind reattaches an orphaned session to a new connection. It fails
// with session_not_found if the grace window expired (the session is
// gone) or another connection still owns the session, and with
// permission_denied if the principal does not own it.
func (r *Registry) Rebind(sessionID, connID, principalID string, sink Sink) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, protocol.Errorf(protocol.CodeSessionNotFound, "unknown session %q", sessionID)
	}
	if s.PrincipalID() != principalID {
		r.mu.Unlock()
		return nil, protocol.Errorf(protocol.CodePermissionDenied,
			"session %q belongs to another principal", sessionID)
	}
	if owner := s.Owner(); owner != "" && owner != connID {
		r.mu.Unlock()
		return nil, protocol.Errorf(protocol.CodeSessionNotFound,
			"session %q is bound to another connection", sessionID)
	}
	if timer, ok := r.grace[sessionID]; ok {
		timer.Stop()
		delete(r.grace, sessionID)
	}
	r.mu.Unlock()

	s.Bind(connID, sink)
	return s, nil
}

// Detach releases every session owned by the connection into the grace
// window. Sessions keep running; output accumulates in their flow
// buffers until a rebind or expiry.
func (r *Registry) Detach(connID string) {
	r.mu.Lock()
	var orphaned []*Session
	for _, s := range r.sessions {
		if s.Owner() == connID {
			orphaned = append(orphaned, s)
		}
	}
	for _, s := range orphaned {
		id := s.ID()
		if timer, ok := r.grace[id]; ok {
			timer.Stop()
		}
		r.grace[id] = time.AfterFunc(r.cfg.GraceWindow, func() { r.expire(id) })
	}
	r.mu.Unlock()

	for _, s := range orphaned {
		s.Unbind(connID)
		log.Printf("session %s orphaned by connection %s, grace window %s", s.ID(), connID, r.cfg.GraceWindow)
	}
}

// expire force-disconnects a session whose grace window ran out without a
// rebind.
func (r *Registry) expire(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok && s.Owner() != "" {
		// Rebound while the timer fired; leave it alone.
		ok = false
	}
	delete(r.grace, id)
	r.mu.Unlock()

	if ok {
		log.Printf("session %s grace window expired, disconnecting", id)
		s.Disconnect("owner_timeout")
	}
}

// SessionsOwnedBy returns the sessions currently bound to a connection.
func (r *Registry) SessionsOwnedBy(connID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var owned []*Session
	for _, s := range r.sessions {
		if s.Owner() == connID {
			owned = append(owned, s)
		}
	}
	return owned
}

// ReconnectPolicy returns the backoff contract clients are expected to
// follow after a disconnect.
func (r *Registry) ReconnectPolicy() reconnect.Policy {
	return r.cfg.Reconnect
}

// GraceWindow returns the effective orphan survival window.
func (r *Registry) GraceWindow() time.Duration {
	return r.cfg.GraceWindow
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// remove drops a closed session. Called from the session's own teardown.
func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	if timer, ok := r.grace[id]; ok {
		timer.Stop()
		delete(r.grace, id)
	}
	r.mu.Unlock()
}

// countOwnedLocked counts sessions bound to connID. Caller holds r.mu.
func (r *Registry) countOwnedLocked(connID string) int {
	n := 0
	for _, s := range r.sessions {
		if s.Owner() == connID {
			n++
		}
	}
	return n
}

// Close disconnects every session and stops the registry. Used at process
// shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	var all []*Session
	for _, s := range r.sessions {
		all = append(all, s)
	}
	for id, timer := range r.grace {
		timer.Stop()
		delete(r.grace, id)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.Disconnect("server_shutdown")
	}
	r.cancel()

	for _, s := range all {
		select {
		case <-s.Closed():
		case <-time.After(2 * time.Second):
		}
	}
}
