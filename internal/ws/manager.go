package ws

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/terminal-mux/backend/internal/auth"
	"github.com/terminal-mux/backend/internal/protocol"
	"github.com/terminal-mux/backend/internal/ratelimit"
	"github.com/terminal-mux/backend/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: Implement proper origin checking in production
		return true
	},
}

// ManagerConfig carries connection-level tunables.
type ManagerConfig struct {
	// KeepaliveInterval is how often clients must send an application
	// ping. Two missed intervals close the connection.
	KeepaliveInterval time.Duration

	// RateViolationHardCap closes the socket after this many rate-limit
	// violations.
	RateViolationHardCap int
}

// Manager accepts WebSocket connections, performs the handshake, and runs
// one Conn per socket. It holds no session state itself; sessions live in
// the registry so they can survive their connection.
type Manager struct {
	registry      *session.Registry
	authenticator auth.Authenticator
	limiter       ratelimit.Limiter
	cfg           ManagerConfig

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewManager creates a connection manager.
func NewManager(registry *session.Registry, authenticator auth.Authenticator, limiter ratelimit.Limiter, cfg ManagerConfig) *Manager {
	if cfg.KeepaliveInterval == 0 {
		cfg.KeepaliveInterval = 30 * time.Second
	}
	if cfg.RateViolationHardCap == 0 {
		cfg.RateViolationHardCap = 100
	}
	if limiter == nil {
		limiter = ratelimit.NewPerConnection(100)
	}
	return &Manager{
		registry:      registry,
		authenticator: authenticator,
		limiter:       limiter,
		cfg:           cfg,
		conns:         make(map[string]*Conn),
	}
}

// HandleConnection upgrades the HTTP request, validates the bearer token
// from the query string, and serves the connection until it dies. A
// rejected token gets an authentication_failed envelope before the socket
// closes; this is the one connection-fatal handshake error.
func (m *Manager) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	token := r.URL.Query().Get("token")
	principal, err := m.authenticator.Authenticate(r.Context(), token)
	if err != nil {
		m.rejectHandshake(sock)
		return nil
	}

	conn := newConn(uuid.New().String(), principal, sock, m.registry, m.limiter, m.cfg.KeepaliveInterval, m.cfg.RateViolationHardCap)

	m.mu.Lock()
	m.conns[conn.ID()] = conn
	m.mu.Unlock()

	log.Printf("connection %s: principal %s device %s connected", conn.ID(), principal.ID, principal.DeviceID)

	conn.serve()

	m.mu.Lock()
	delete(m.conns, conn.ID())
	m.mu.Unlock()

	log.Printf("connection %s: closed", conn.ID())
	return nil
}

// rejectHandshake reports the auth failure on the fresh socket, then
// closes it.
func (m *Manager) rejectHandshake(sock *websocket.Conn) {
	msg := protocol.NewErrorMessage(protocol.NewError(protocol.CodeAuthenticationFailed,
		"token rejected"))
	if raw, err := protocol.Encode(msg); err == nil {
		sock.SetWriteDeadline(time.Now().Add(writeWait))
		sock.WriteMessage(websocket.TextMessage, raw)
	}
	sock.Close()
}

// ConnectionCount returns the number of live connections.
func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Close shuts every connection down. Sessions enter their grace windows;
// registry shutdown is the caller's responsibility.
func (m *Manager) Close() {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}
}

// SetCheckOrigin sets a custom origin checker for the WebSocket upgrader.
func SetCheckOrigin(fn func(r *http.Request) bool) {
	upgrader.CheckOrigin = fn
}
