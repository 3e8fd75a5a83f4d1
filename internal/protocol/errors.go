package protocol

import "fmt"

// ErrorCode is a stable error identifier carried on error envelopes.
// Clients use the code (not the message text) to decide how to react.
type ErrorCode string

const (
	CodeConnectionFailed     ErrorCode = "connection_failed"
	CodeSSHAuthFailed        ErrorCode = "ssh_auth_failed"
	CodeSSHHostKeyChanged    ErrorCode = "ssh_host_key_changed"
	CodeSessionNotFound      ErrorCode = "session_not_found"
	CodeSessionTimeout       ErrorCode = "session_timeout"
	CodePermissionDenied     ErrorCode = "permission_denied"
	CodeInvalidMessage       ErrorCode = "invalid_message"
	CodeInvalidState         ErrorCode = "invalid_state"
	CodeRateLimited          ErrorCode = "rate_limited"
	CodeAuthenticationFailed ErrorCode = "authentication_failed"
	CodeOwnerTimeout         ErrorCode = "owner_timeout"
)

// retryableCodes marks the codes where an automatic retry or reconnect
// attempt by the client can reasonably succeed.
var retryableCodes = map[ErrorCode]bool{
	CodeConnectionFailed: true,
	CodeSessionTimeout:   true,
	CodeRateLimited:      true,
}

// EngineError is the error type surfaced to clients. Every protocol-visible
// failure carries a stable code, a human-readable message, and a retryable
// hint.
type EngineError struct {
	Code      ErrorCode
	Message   string
	SessionID string
}

// NewError creates an EngineError with the given code and message.
func NewError(code ErrorCode, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// Errorf creates an EngineError with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithSession returns a copy of the error bound to a session id.
func (e *EngineError) WithSession(sessionID string) *EngineError {
	clone := *e
	clone.SessionID = sessionID
	return &clone
}

// Retryable reports whether clients may retry after this error.
func (e *EngineError) Retryable() bool {
	return retryableCodes[e.Code]
}

func (e *EngineError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s: %s (session %s)", e.Code, e.Message, e.SessionID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsEngineError normalizes an arbitrary error into an EngineError. Errors
// that are not already typed become connection_failed, the catch-all for
// transport-level failures.
func AsEngineError(err error) *EngineError {
	if err == nil {
		return nil
	}
	if ee, ok := err.(*EngineError); ok {
		return ee
	}
	return &EngineError{Code: CodeConnectionFailed, Message: err.Error()}
}
