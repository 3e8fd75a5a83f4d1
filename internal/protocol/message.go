// Package protocol defines the JSON wire envelope exchanged over WebSocket
// and the codec that validates it.
package protocol

import (
	"encoding/json"
	"time"
)

// MessageType identifies the kind of wire message.
type MessageType string

const (
	// Client -> Server message types
	MessageTypeConnect    MessageType = "connect"
	MessageTypeInput      MessageType = "input"
	MessageTypeResize     MessageType = "resize"
	MessageTypeSignal     MessageType = "signal"
	MessageTypeDisconnect MessageType = "disconnect"
	MessageTypePing       MessageType = "ping"

	// Server -> Client message types
	MessageTypeOutput      MessageType = "output"
	MessageTypeStatus      MessageType = "status"
	MessageTypeError       MessageType = "error"
	MessageTypeSessionInfo MessageType = "session_info"
	MessageTypePong        MessageType = "pong"
	MessageTypeFlowControl MessageType = "flow_control"
)

// SessionType selects the backend transport for a session. The choice is
// made once at connect time.
type SessionType string

const (
	SessionTypeSSH    SessionType = "ssh"
	SessionTypeLocal  SessionType = "local"
	SessionTypeDocker SessionType = "docker"
)

// Message is the wire envelope. SessionID is optional for
// connection-scoped types (ping/pong, handshake errors); the server stamps
// Timestamp on outbound messages if the caller left it zero.
type Message struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// ConnectData is the payload of a connect message. A reconnecting client
// sets SessionID in the envelope and the engine rebinds instead of
// allocating a new session.
type ConnectData struct {
	SessionType SessionType `json:"session_type"`

	// SSH sessions reference a stored profile.
	ProfileID string `json:"ssh_profile_id,omitempty"`

	// Docker sessions attach to a container.
	ContainerID string `json:"container_id,omitempty"`

	// Local sessions may override the shell.
	Shell string `json:"shell,omitempty"`

	Rows uint16 `json:"rows,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
}

// InputData carries raw terminal input.
type InputData struct {
	Data string `json:"data"`
}

// ResizeData carries a terminal size change.
type ResizeData struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

// SignalData names a signal to forward to the session's process.
type SignalData struct {
	Signal string `json:"signal"`
}

// DisconnectData carries an optional reason for a graceful teardown.
type DisconnectData struct {
	Reason string `json:"reason,omitempty"`
}

// OutputData carries terminal output bytes.
type OutputData struct {
	Data string `json:"data"`
}

// StatusData reports a session lifecycle change.
type StatusData struct {
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// ErrorData is the payload of an error envelope.
type ErrorData struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// SessionInfoData describes a session to its (re)connected client.
type SessionInfoData struct {
	SessionID   string      `json:"session_id"`
	SessionType SessionType `json:"session_type"`
	State       string      `json:"state"`
	Rows        uint16      `json:"rows"`
	Cols        uint16      `json:"cols"`
	CreatedAt   int64       `json:"created_at"`
}

// FlowControlData signals output backpressure to the client.
type FlowControlData struct {
	Action string `json:"action"` // "pause" or "resume"
}

const (
	FlowControlPause  = "pause"
	FlowControlResume = "resume"
)

// Signal allow-list. Anything else is rejected as invalid_message before it
// reaches a transport.
var allowedSignals = map[string]bool{
	"SIGINT":  true,
	"SIGTSTP": true,
	"SIGTERM": true,
	"SIGKILL": true,
	"SIGQUIT": true,
}

// SignalAllowed reports whether the signal name may be forwarded.
func SignalAllowed(name string) bool {
	return allowedSignals[name]
}

// NewMessage builds an envelope with a marshaled payload and a fresh
// timestamp. Marshaling the payload structs defined in this package cannot
// fail, so the error is intentionally not surfaced.
func NewMessage(t MessageType, sessionID string, payload any) *Message {
	msg := &Message{
		Type:      t,
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err == nil {
			msg.Data = data
		}
	}
	return msg
}

// NewErrorMessage builds an error envelope from an EngineError.
func NewErrorMessage(err *EngineError) *Message {
	return NewMessage(MessageTypeError, err.SessionID, ErrorData{
		Code:      err.Code,
		Message:   err.Message,
		Retryable: err.Retryable(),
	})
}
