package protocol

import (
	"encoding/json"
	"time"
)

// clientTypes is the closed set of message types accepted from clients,
// with a flag for whether the envelope must carry a session id.
var clientTypes = map[MessageType]struct{ needsSession bool }{
	MessageTypeConnect:    {false},
	MessageTypeInput:      {true},
	MessageTypeResize:     {true},
	MessageTypeSignal:     {true},
	MessageTypeDisconnect: {true},
	MessageTypePing:       {false},
}

// Decode parses and validates a client message. On failure it returns an
// EngineError with code invalid_message; the caller reports it per-message
// and keeps the connection alive.
func Decode(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, Errorf(CodeInvalidMessage, "malformed JSON: %v", err)
	}

	entry, known := clientTypes[msg.Type]
	if !known {
		return nil, Errorf(CodeInvalidMessage, "unknown message type %q", msg.Type)
	}
	if entry.needsSession && msg.SessionID == "" {
		return nil, Errorf(CodeInvalidMessage, "%s requires session_id", msg.Type)
	}

	if err := validateData(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Encode serializes an outbound message, stamping the timestamp if the
// caller left it unset. It is the pure inverse of Decode for valid
// messages.
func Encode(msg *Message) ([]byte, error) {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	return json.Marshal(msg)
}

// validateData checks the data payload shape against the message type.
func validateData(msg *Message) error {
	switch msg.Type {
	case MessageTypeConnect:
		var data ConnectData
		if err := unmarshalStrict(msg.Data, &data); err != nil {
			return Errorf(CodeInvalidMessage, "connect: %v", err)
		}
		// A rebind (session_id set) names an existing session whose type is
		// already fixed, so the payload is not re-validated against it.
		if msg.SessionID != "" {
			return nil
		}
		switch data.SessionType {
		case SessionTypeSSH:
			if data.ProfileID == "" {
				return NewError(CodeInvalidMessage, "connect: ssh requires ssh_profile_id")
			}
		case SessionTypeLocal:
			// Shell is optional.
		case SessionTypeDocker:
			if data.ContainerID == "" {
				return NewError(CodeInvalidMessage, "connect: docker requires container_id")
			}
		default:
			return Errorf(CodeInvalidMessage, "connect: unknown session_type %q", data.SessionType)
		}

	case MessageTypeInput:
		var data InputData
		if err := unmarshalStrict(msg.Data, &data); err != nil {
			return Errorf(CodeInvalidMessage, "input: %v", err)
		}

	case MessageTypeResize:
		var data ResizeData
		if err := unmarshalStrict(msg.Data, &data); err != nil {
			return Errorf(CodeInvalidMessage, "resize: %v", err)
		}
		if data.Rows == 0 || data.Cols == 0 {
			return NewError(CodeInvalidMessage, "resize: rows and cols must be positive")
		}

	case MessageTypeSignal:
		var data SignalData
		if err := unmarshalStrict(msg.Data, &data); err != nil {
			return Errorf(CodeInvalidMessage, "signal: %v", err)
		}
		if !SignalAllowed(data.Signal) {
			return Errorf(CodeInvalidMessage, "signal: %q is not allowed", data.Signal)
		}

	case MessageTypeDisconnect:
		if len(msg.Data) > 0 {
			var data DisconnectData
			if err := unmarshalStrict(msg.Data, &data); err != nil {
				return Errorf(CodeInvalidMessage, "disconnect: %v", err)
			}
		}

	case MessageTypePing:
		// No payload.
	}
	return nil
}

// unmarshalStrict requires a present payload and rejects JSON whose shape
// does not match the target struct (wrong scalar types, not merely missing
// fields).
func unmarshalStrict(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errMissingData
	}
	return json.Unmarshal(raw, v)
}

var errMissingData = NewError(CodeInvalidMessage, "missing data payload")
