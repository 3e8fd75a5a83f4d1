// Package session owns the lifecycle of logical terminal sessions: the
// per-session state machine, the strictly ordered command queue in front
// of each transport, and the registry that keeps sessions alive across
// connection drops.
package session

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/terminal-mux/backend/internal/buffer"
	"github.com/terminal-mux/backend/internal/history"
	"github.com/terminal-mux/backend/internal/protocol"
	"github.com/terminal-mux/backend/internal/transport"
)

// State is a session lifecycle state.
type State string

const (
	StateRequested      State = "requested"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateReady          State = "ready"
	StateActive         State = "active"
	StatePaused         State = "paused"
	StateDisconnecting  State = "disconnecting"
	StateClosed         State = "closed"
	StateErrored        State = "errored"
)

// Sink is where a session delivers server->client messages. A connection
// implements it; while a session is detached the sink is nil and control
// messages are dropped (output still accumulates in the flow buffer).
type Sink interface {
	// Deliver queues a control message. Must not block.
	Deliver(msg *protocol.Message)

	// OutputReady tells the connection that the session has drainable
	// output. Must not block.
	OutputReady(sessionID string)
}

const (
	// DefaultConnectTimeout bounds transport dialing.
	DefaultConnectTimeout = 30 * time.Second

	// commandQueueSize bounds the per-session command queue.
	commandQueueSize = 256

	// maxLineBuffer caps command-history line accumulation.
	maxLineBuffer = 4096
)

type cmdKind int

const (
	cmdInput cmdKind = iota
	cmdResize
	cmdSignal
	cmdDisconnect
)

// command is one queued operation against the transport. The queue has a
// single consumer, which is what guarantees that no two commands reach
// the transport out of submission order.
type command struct {
	kind   cmdKind
	data   []byte
	rows   uint16
	cols   uint16
	signal string
	reason string
}

// Config carries per-session tunables.
type Config struct {
	ID          string
	Type        protocol.SessionType
	PrincipalID string
	DeviceID    string
	Transport   transport.Transport
	Recorder    history.Recorder
	Rows        uint16
	Cols        uint16

	ConnectTimeout time.Duration
	BufferLow      int
	BufferHigh     int
	BufferHardCap  int

	// OnClosed is called exactly once after the session has released all
	// resources. The registry uses it to drop its reference.
	OnClosed func(id string)
}

// Session is one logical terminal, independent of any WebSocket
// connection. Its id stays stable across reconnects.
type Session struct {
	id          string
	sessionType protocol.SessionType
	principalID string
	deviceID    string
	createdAt   time.Time

	tr       transport.Transport
	buf      *buffer.FlowBuffer
	recorder history.Recorder

	connectTimeout time.Duration
	onClosed       func(id string)

	cmdCh     chan command
	closedCh  chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	state        State
	sink         Sink
	ownerConnID  string
	rows         uint16
	cols         uint16
	lastActivity time.Time
	lineBuf      []byte
}

// New allocates a session in the REQUESTED state. Call Start to begin
// dialing.
func New(cfg Config) *Session {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Recorder == nil {
		cfg.Recorder = history.NopRecorder{}
	}
	now := time.Now()
	return &Session{
		id:             cfg.ID,
		sessionType:    cfg.Type,
		principalID:    cfg.PrincipalID,
		deviceID:       cfg.DeviceID,
		createdAt:      now,
		tr:             cfg.Transport,
		buf:            buffer.NewFlowBuffer(cfg.BufferLow, cfg.BufferHigh, cfg.BufferHardCap),
		recorder:       cfg.Recorder,
		connectTimeout: cfg.ConnectTimeout,
		onClosed:       cfg.OnClosed,
		cmdCh:          make(chan command, commandQueueSize),
		closedCh:       make(chan struct{}),
		state:          StateRequested,
		lastActivity:   now,
	}
}

// ID returns the stable session id.
func (s *Session) ID() string { return s.id }

// Type returns the session's transport kind.
func (s *Session) Type() protocol.SessionType { return s.sessionType }

// PrincipalID returns the owning principal.
func (s *Session) PrincipalID() string { return s.principalID }

// CreatedAt returns the allocation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns the time of the last input or output.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Size returns the current terminal dimensions.
func (s *Session) Size() (rows, cols uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows, s.cols
}

// Owner returns the connection currently bound to the session, or "".
func (s *Session) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownerConnID
}

// Closed returns a channel closed when the session has fully torn down.
func (s *Session) Closed() <-chan struct{} { return s.closedCh }

// Start launches the session's lifecycle: dial, then serve the command
// queue until teardown. ctx cancellation (process shutdown) tears the
// session down.
func (s *Session) Start(ctx context.Context, rows, cols uint16) {
	s.mu.Lock()
	s.rows, s.cols = rows, cols
	s.mu.Unlock()
	go s.run(ctx)
}

func (s *Session) run(ctx context.Context) {
	defer s.finish()

	s.setState(StateConnecting)
	s.emitStatus(string(StateConnecting), "")

	if s.sessionType == protocol.SessionTypeSSH {
		s.setState(StateAuthenticating)
		s.emitStatus(string(StateAuthenticating), "")
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	err := s.tr.Open(dialCtx)
	cancel()
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			err = protocol.Errorf(protocol.CodeSessionTimeout,
				"transport did not connect within %s", s.connectTimeout)
		}
		s.fail(err)
		return
	}

	s.setState(StateReady)
	s.deliver(protocol.NewMessage(protocol.MessageTypeSessionInfo, s.id, s.info()))
	s.emitStatus(string(StateReady), "")
	s.setState(StateActive)

	go s.pump()

	for {
		select {
		case cmd := <-s.cmdCh:
			if s.apply(cmd) {
				return
			}
		case err := <-s.tr.Done():
			if err != nil {
				s.fail(err)
			} else {
				s.teardown("exited")
			}
			return
		case <-ctx.Done():
			s.teardown("server_shutdown")
			return
		}
	}
}

// pump moves transport output into the flow buffer and wakes the owning
// connection's write loop. Crossing the high watermark flips the session
// to PAUSED and tells the client to stop expecting output at full rate.
func (s *Session) pump() {
	for chunk := range s.tr.Output() {
		ev := s.buf.Push(chunk)
		s.touch()
		if ev == buffer.EventPause {
			s.enterPaused()
		}
		s.mu.Lock()
		sink := s.sink
		s.mu.Unlock()
		if sink != nil {
			sink.OutputReady(s.id)
		}
	}
}

// apply executes one queued command against the transport. Returns true
// when the session should stop serving the queue.
func (s *Session) apply(cmd command) (done bool) {
	switch cmd.kind {
	case cmdInput:
		s.touch()
		s.recordInput(cmd.data)
		if err := s.tr.Write(cmd.data); err != nil {
			s.fail(protocol.Errorf(protocol.CodeConnectionFailed, "transport write: %v", err))
			return true
		}

	case cmdResize:
		s.mu.Lock()
		unchanged := cmd.rows == s.rows && cmd.cols == s.cols
		if !unchanged {
			s.rows, s.cols = cmd.rows, cmd.cols
		}
		s.mu.Unlock()
		if unchanged {
			return false
		}
		if err := s.tr.Resize(cmd.rows, cmd.cols); err != nil {
			s.deliver(protocol.NewErrorMessage(
				protocol.Errorf(protocol.CodeConnectionFailed, "resize: %v", err).WithSession(s.id)))
		}

	case cmdSignal:
		if err := s.tr.Signal(cmd.signal); err != nil {
			s.deliver(protocol.NewErrorMessage(
				protocol.AsEngineError(err).WithSession(s.id)))
		}

	case cmdDisconnect:
		s.teardown(cmd.reason)
		return true
	}
	return false
}

// Input queues terminal input. Returns invalid_state once the session is
// ERRORED or CLOSED. The bytes are copied.
func (s *Session) Input(data []byte) error {
	if err := s.checkLive(); err != nil {
		return err
	}
	c := make([]byte, len(data))
	copy(c, data)
	return s.enqueue(command{kind: cmdInput, data: c})
}

// Resize queues a terminal size change. Unchanged dimensions are a no-op
// success.
func (s *Session) Resize(rows, cols uint16) error {
	if rows == 0 || cols == 0 {
		return protocol.NewError(protocol.CodeInvalidMessage, "resize: rows and cols must be positive")
	}
	if err := s.checkLive(); err != nil {
		return err
	}
	return s.enqueue(command{kind: cmdResize, rows: rows, cols: cols})
}

// Signal queues a signal for the session's process. The name must be on
// the protocol allow-list.
func (s *Session) Signal(name string) error {
	if !protocol.SignalAllowed(name) {
		return protocol.Errorf(protocol.CodeInvalidMessage, "signal %q is not allowed", name)
	}
	if err := s.checkLive(); err != nil {
		return err
	}
	return s.enqueue(command{kind: cmdSignal, signal: name})
}

// Disconnect queues a graceful teardown. Idempotent once the session is
// closed.
func (s *Session) Disconnect(reason string) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == StateClosed || state == StateErrored {
		return nil
	}
	if reason == "" {
		reason = "client_request"
	}
	err := s.enqueue(command{kind: cmdDisconnect, reason: reason})
	if err != nil {
		// The queue closed under us: the session is already down.
		return nil
	}
	return nil
}

// DrainOutput removes up to max bytes of pending output. The second
// result reports whether more output remains. Draining below the low
// watermark flips a PAUSED session back to ACTIVE.
func (s *Session) DrainOutput(max int) ([]byte, bool) {
	data, ev := s.buf.Drain(max)
	if ev == buffer.EventResume {
		s.exitPaused()
	}
	return data, s.buf.Len() > 0
}

// PendingOutput reports the number of buffered output bytes.
func (s *Session) PendingOutput() int { return s.buf.Len() }

// Bind attaches the session to a connection. The new owner immediately
// receives a session_info snapshot and a wakeup if output is pending.
func (s *Session) Bind(connID string, sink Sink) {
	s.mu.Lock()
	s.ownerConnID = connID
	s.sink = sink
	s.mu.Unlock()

	if sink != nil {
		sink.Deliver(protocol.NewMessage(protocol.MessageTypeSessionInfo, s.id, s.info()))
		if s.buf.Len() > 0 {
			sink.OutputReady(s.id)
		}
	}
}

// Unbind detaches the session from a connection. Output keeps
// accumulating in the flow buffer; control messages are dropped until the
// next Bind.
func (s *Session) Unbind(connID string) {
	s.mu.Lock()
	if s.ownerConnID == connID {
		s.ownerConnID = ""
		s.sink = nil
	}
	s.mu.Unlock()
}

func (s *Session) info() protocol.SessionInfoData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return protocol.SessionInfoData{
		SessionID:   s.id,
		SessionType: s.sessionType,
		State:       string(s.state),
		Rows:        s.rows,
		Cols:        s.cols,
		CreatedAt:   s.createdAt.UnixMilli(),
	}
}

func (s *Session) checkLive() error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	switch state {
	case StateErrored, StateClosed, StateDisconnecting:
		return protocol.Errorf(protocol.CodeInvalidState,
			"session is %s", state).WithSession(s.id)
	}
	return nil
}

func (s *Session) enqueue(cmd command) error {
	select {
	case s.cmdCh <- cmd:
		return nil
	case <-s.closedCh:
		return protocol.NewError(protocol.CodeInvalidState, "session is closed").WithSession(s.id)
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// enterPaused transitions ACTIVE -> PAUSED and notifies the client.
func (s *Session) enterPaused() {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	s.state = StatePaused
	s.mu.Unlock()
	s.deliver(protocol.NewMessage(protocol.MessageTypeFlowControl, s.id,
		protocol.FlowControlData{Action: protocol.FlowControlPause}))
}

// exitPaused transitions PAUSED -> ACTIVE and notifies the client.
func (s *Session) exitPaused() {
	s.mu.Lock()
	if s.state != StatePaused {
		s.mu.Unlock()
		return
	}
	s.state = StateActive
	s.mu.Unlock()
	s.deliver(protocol.NewMessage(protocol.MessageTypeFlowControl, s.id,
		protocol.FlowControlData{Action: protocol.FlowControlResume}))
}

// fail moves the session to ERRORED and reports the error envelope.
func (s *Session) fail(err error) {
	ee := protocol.AsEngineError(err).WithSession(s.id)
	s.setState(StateErrored)
	s.deliver(protocol.NewErrorMessage(ee))
	s.tr.Close()
}

// teardown performs a graceful close with a reason.
func (s *Session) teardown(reason string) {
	s.setState(StateDisconnecting)
	s.emitStatus("disconnected", reason)
	s.tr.Close()
	s.setState(StateClosed)
}

// finish releases the session exactly once.
func (s *Session) finish() {
	s.closeOnce.Do(func() {
		close(s.closedCh)
		if s.onClosed != nil {
			s.onClosed(s.id)
		}
	})
}

func (s *Session) emitStatus(state, reason string) {
	s.deliver(protocol.NewMessage(protocol.MessageTypeStatus, s.id,
		protocol.StatusData{State: state, Reason: reason}))
}

func (s *Session) deliver(msg *protocol.Message) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink.Deliver(msg)
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// recordInput accumulates input into lines and emits a command-executed
// event per completed line. Best-effort; oversized lines are truncated.
func (s *Session) recordInput(data []byte) {
	s.mu.Lock()
	s.lineBuf = append(s.lineBuf, data...)
	var lines [][]byte
	for {
		i := bytes.IndexAny(s.lineBuf, "\r\n")
		if i < 0 {
			break
		}
		line := s.lineBuf[:i]
		rest := s.lineBuf[i+1:]
		if len(line) > 0 {
			c := make([]byte, len(line))
			copy(c, line)
			lines = append(lines, c)
		}
		s.lineBuf = rest
	}
	if len(s.lineBuf) > maxLineBuffer {
		s.lineBuf = s.lineBuf[len(s.lineBuf)-maxLineBuffer:]
	}
	s.mu.Unlock()

	for _, line := range lines {
		s.recorder.Record(history.Event{
			SessionID:   s.id,
			PrincipalID: s.principalID,
			Command:     string(line),
			ExecutedAt:  time.Now(),
		})
	}
}
