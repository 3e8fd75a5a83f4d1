package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/terminal-mux/backend/internal/auth"
	"github.com/terminal-mux/backend/internal/protocol"
	"github.com/terminal-mux/backend/internal/ratelimit"
	"github.com/terminal-mux/backend/internal/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// Outbound control-message queue per connection.
	sendQueueSize = 256

	// Output-wakeup queue per connection.
	kickQueueSize = 64

	// Max output bytes per output envelope.
	drainChunkSize = 16 * 1024

	// Safety-net sweep for pending session output whose wakeup was lost.
	flushPeriod = 100 * time.Millisecond
)

// Conn is one WebSocket connection. It owns a read loop and a write loop
// and implements session.Sink so its sessions can hand it messages. A
// connection may carry zero or more sessions; sessions outlive it through
// the registry's grace window.
type Conn struct {
	id        string
	principal auth.Principal

	sock     *websocket.Conn
	registry *session.Registry
	limiter  ratelimit.Limiter

	keepaliveInterval time.Duration
	rateHardCap       int

	sendCh  chan *protocol.Message
	kickCh  chan string
	closeCh chan struct{}

	closeOnce sync.Once

	mu         sync.Mutex
	lastPing   time.Time
	violations int
}

func newConn(id string, principal auth.Principal, sock *websocket.Conn, registry *session.Registry, limiter ratelimit.Limiter, keepalive time.Duration, rateHardCap int) *Conn {
	return &Conn{
		id:                id,
		principal:         principal,
		sock:              sock,
		registry:          registry,
		limiter:           limiter,
		keepaliveInterval: keepalive,
		rateHardCap:       rateHardCap,
		sendCh:            make(chan *protocol.Message, sendQueueSize),
		kickCh:            make(chan string, kickQueueSize),
		closeCh:           make(chan struct{}),
		lastPing:          time.Now(),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Principal returns the authenticated identity.
func (c *Conn) Principal() auth.Principal { return c.principal }

// Deliver queues a control message for the client. Non-blocking: if the
// queue is full the message is dropped, preferring a live connection over
// completeness of control traffic.
func (c *Conn) Deliver(msg *protocol.Message) {
	select {
	case c.sendCh <- msg:
	case <-c.closeCh:
	default:
		log.Printf("connection %s: send queue full, dropping %s message", c.id, msg.Type)
	}
}

// OutputReady wakes the write loop to drain a session's flow buffer.
// Non-blocking: a lost wakeup is recovered by the periodic flush sweep.
func (c *Conn) OutputReady(sessionID string) {
	select {
	case c.kickCh <- sessionID:
	case <-c.closeCh:
	default:
	}
}

// serve runs the loops and blocks until the connection dies. Sessions
// owned by the connection are detached (not destroyed) on exit.
func (c *Conn) serve() {
	go c.writeLoop()
	go c.superviseKeepalive()

	c.readLoop()

	c.shutdown()
	c.registry.Detach(c.id)
	c.limiter.Forget(c.id)
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.sock.Close()
	})
}

// readLoop pumps messages from the socket into sessions. Decode and
// validation failures are reported per message and never kill the
// connection; socket errors end it.
func (c *Conn) readLoop() {
	c.sock.SetReadLimit(maxMessageSize)
	c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		c.sock.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("connection %s: read error: %v", c.id, err)
			}
			return
		}

		if !c.limiter.Allow(c.id) {
			if c.noteViolation() {
				c.Deliver(protocol.NewErrorMessage(protocol.NewError(protocol.CodeRateLimited,
					"rate limit exceeded repeatedly, closing connection")))
				log.Printf("connection %s: rate limit hard cap reached, closing", c.id)
				return
			}
			c.Deliver(protocol.NewErrorMessage(protocol.NewError(protocol.CodeRateLimited,
				"message rate limit exceeded")))
			continue
		}

		msg, err := protocol.Decode(raw)
		if err != nil {
			c.Deliver(protocol.NewErrorMessage(protocol.AsEngineError(err)))
			continue
		}

		c.dispatch(msg)
	}
}

// noteViolation counts rate-limit hits and reports whether the hard cap
// is reached.
func (c *Conn) noteViolation() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.violations++
	return c.rateHardCap > 0 && c.violations >= c.rateHardCap
}

// dispatch routes one decoded message. Transport dials happen inside the
// session's own goroutine, so nothing here blocks the read loop on a
// slow backend.
func (c *Conn) dispatch(msg *protocol.Message) {
	switch msg.Type {
	case protocol.MessageTypePing:
		c.mu.Lock()
		c.lastPing = time.Now()
		c.mu.Unlock()
		c.Deliver(protocol.NewMessage(protocol.MessageTypePong, "", nil))

	case protocol.MessageTypeConnect:
		c.handleConnect(msg)

	case protocol.MessageTypeInput:
		s, err := c.ownedSession(msg.SessionID)
		if err != nil {
			c.Deliver(protocol.NewErrorMessage(protocol.AsEngineError(err)))
			return
		}
		var data protocol.InputData
		if !c.unmarshalPayload(msg, &data) {
			return
		}
		if err := s.Input([]byte(data.Data)); err != nil {
			c.Deliver(protocol.NewErrorMessage(protocol.AsEngineError(err)))
		}

	case protocol.MessageTypeResize:
		s, err := c.ownedSession(msg.SessionID)
		if err != nil {
			c.Deliver(protocol.NewErrorMessage(protocol.AsEngineError(err)))
			return
		}
		var data protocol.ResizeData
		if !c.unmarshalPayload(msg, &data) {
			return
		}
		if err := s.Resize(data.Rows, data.Cols); err != nil {
			c.Deliver(protocol.NewErrorMessage(protocol.AsEngineError(err)))
		}

	case protocol.MessageTypeSignal:
		s, err := c.ownedSession(msg.SessionID)
		if err != nil {
			c.Deliver(protocol.NewErrorMessage(protocol.AsEngineError(err)))
			return
		}
		var data protocol.SignalData
		if !c.unmarshalPayload(msg, &data) {
			return
		}
		if err := s.Signal(data.Signal); err != nil {
			c.Deliver(protocol.NewErrorMessage(protocol.AsEngineError(err)))
		}

	case protocol.MessageTypeDisconnect:
		s, err := c.ownedSession(msg.SessionID)
		if err != nil {
			c.Deliver(protocol.NewErrorMessage(protocol.AsEngineError(err)))
			return
		}
		var data protocol.DisconnectData
		if len(msg.Data) > 0 && !c.unmarshalPayload(msg, &data) {
			return
		}
		if err := s.Disconnect(data.Reason); err != nil {
			c.Deliver(protocol.NewErrorMessage(protocol.AsEngineError(err)))
		}
	}
}

// handleConnect allocates a new session, or rebinds an orphaned one when
// the envelope carries a session id.
func (c *Conn) handleConnect(msg *protocol.Message) {
	if msg.SessionID != "" {
		if _, err := c.registry.Rebind(msg.SessionID, c.id, c.principal.ID, c); err != nil {
			c.Deliver(protocol.NewErrorMessage(protocol.AsEngineError(err).WithSession(msg.SessionID)))
		}
		return
	}

	var data protocol.ConnectData
	if !c.unmarshalPayload(msg, &data) {
		return
	}
	if _, err := c.registry.Connect(c.id, c.principal.ID, c.principal.DeviceID, c, data); err != nil {
		c.Deliver(protocol.NewErrorMessage(protocol.AsEngineError(err)))
	}
}

// unmarshalPayload decodes a validated envelope's payload into v. Decode
// guarantees the shape, so a failure here means the two fell out of
// sync; report it as an invalid message rather than acting on zero
// values.
func (c *Conn) unmarshalPayload(msg *protocol.Message, v any) bool {
	if err := json.Unmarshal(msg.Data, v); err != nil {
		c.Deliver(protocol.NewErrorMessage(protocol.Errorf(protocol.CodeInvalidMessage,
			"malformed %s payload", msg.Type).WithSession(msg.SessionID)))
		return false
	}
	return true
}

// ownedSession resolves a session id and enforces that this connection
// owns it.
func (c *Conn) ownedSession(id string) (*session.Session, error) {
	s, err := c.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if s.Owner() != c.id {
		return nil, protocol.Errorf(protocol.CodePermissionDenied,
			"session %q is not bound to this connection", id).WithSession(id)
	}
	return s, nil
}

// writeLoop is the only goroutine writing to the socket. It interleaves
// control messages with flow-buffer drains across all owned sessions.
func (c *Conn) writeLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	flushTicker := time.NewTicker(flushPeriod)
	defer func() {
		pingTicker.Stop()
		flushTicker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			if !c.writeMessage(msg) {
				return
			}

		case id := <-c.kickCh:
			if !c.drainSession(id) {
				return
			}

		case <-flushTicker.C:
			for _, s := range c.registry.SessionsOwnedBy(c.id) {
				if s.PendingOutput() > 0 {
					if !c.drainSession(s.ID()) {
						return
					}
				}
			}

		case <-pingTicker.C:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closeCh:
			return
		}
	}
}

// writeMessage encodes and writes one envelope. Returns false on socket
// failure.
func (c *Conn) writeMessage(msg *protocol.Message) bool {
	raw, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("connection %s: encode failed: %v", c.id, err)
		return true
	}
	c.sock.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.sock.WriteMessage(websocket.TextMessage, raw); err != nil {
		return false
	}
	return true
}

// drainSession moves one bounded envelope of buffered session output
// onto the wire, then re-arms the wakeup if more remains. Draining chunk
// by chunk keeps the write loop returning to its select, so pings and
// control messages are never starved by sustained output.
func (c *Conn) drainSession(id string) bool {
	s, err := c.registry.Get(id)
	if err != nil || s.Owner() != c.id {
		return true
	}

	data, more := s.DrainOutput(drainChunkSize)
	if len(data) > 0 {
		msg := protocol.NewMessage(protocol.MessageTypeOutput, id, protocol.OutputData{Data: string(data)})
		if !c.writeMessage(msg) {
			return false
		}
	}
	if more {
		// A dropped wakeup is recovered by the flush sweep.
		c.OutputReady(id)
	}
	return true
}

// superviseKeepalive closes the connection (never its sessions) after two
// missed application-level ping intervals.
func (c *Conn) superviseKeepalive() {
	if c.keepaliveInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			silent := time.Since(c.lastPing)
			c.mu.Unlock()
			if silent > 2*c.keepaliveInterval {
				log.Printf("connection %s: no ping for %s, closing", c.id, silent.Truncate(time.Second))
				c.shutdown()
				return
			}
		case <-c.closeCh:
			return
		}
	}
}
