package protocol

import (
	"errors"
	"fmt"
	"testing"
)

func TestEngineError_Error(t *testing.T) {
	ee := NewError(CodeSessionNotFound, "unknown session")
	if ee.Error() != "session_not_found: unknown session" {
		t.Errorf("unexpected error string: %q", ee.Error())
	}

	bound := ee.WithSession("s1")
	if bound.Error() != "session_not_found: unknown session (session s1)" {
		t.Errorf("unexpected error string: %q", bound.Error())
	}
	// WithSession returns a copy
	if ee.SessionID != "" {
		t.Error("WithSession mutated the original error")
	}
}

func TestEngineError_Retryable(t *testing.T) {
	retryable := []ErrorCode{CodeConnectionFailed, CodeSessionTimeout, CodeRateLimited}
	for _, code := range retryable {
		if !NewError(code, "x").Retryable() {
			t.Errorf("expected %s to be retryable", code)
		}
	}

	fatal := []ErrorCode{
		CodeSSHAuthFailed,
		CodeSSHHostKeyChanged,
		CodeSessionNotFound,
		CodePermissionDenied,
		CodeInvalidMessage,
		CodeInvalidState,
		CodeAuthenticationFailed,
		CodeOwnerTimeout,
	}
	for _, code := range fatal {
		if NewError(code, "x").Retryable() {
			t.Errorf("expected %s not to be retryable", code)
		}
	}
}

func TestAsEngineError(t *testing.T) {
	if AsEngineError(nil) != nil {
		t.Error("expected nil for nil error")
	}

	// Typed errors pass through unchanged
	ee := NewError(CodeSSHAuthFailed, "bad password")
	if got := AsEngineError(ee); got != ee {
		t.Errorf("expected identity for typed error, got %+v", got)
	}

	// Untyped errors become connection_failed
	got := AsEngineError(errors.New("broken pipe"))
	if got.Code != CodeConnectionFailed || got.Message != "broken pipe" {
		t.Errorf("unexpected normalization: %+v", got)
	}
}

func TestErrorf(t *testing.T) {
	ee := Errorf(CodeInvalidMessage, "unknown message type %q", "bogus")
	if ee.Message != fmt.Sprintf("unknown message type %q", "bogus") {
		t.Errorf("unexpected message: %q", ee.Message)
	}
}
