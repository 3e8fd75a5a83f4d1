// Package auth defines the authentication boundary. Token issuance and
// validation live outside the engine; a handshake hands the bearer token
// to an Authenticator and receives an opaque principal identity back.
package auth

import (
	"context"
	"errors"
)

// Principal is the validated identity attached to a connection.
type Principal struct {
	ID       string
	DeviceID string
}

// ErrInvalidToken is returned when a bearer token does not resolve to a
// principal.
var ErrInvalidToken = errors.New("invalid token")

// Authenticator validates bearer tokens.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Principal, error)
}

// Static authenticates against a fixed token -> principal map. It is the
// development and test implementation; production deployments plug in the
// external auth service.
type Static struct {
	tokens map[string]Principal
}

// NewStatic creates a Static authenticator.
func NewStatic(tokens map[string]Principal) *Static {
	if tokens == nil {
		tokens = make(map[string]Principal)
	}
	return &Static{tokens: tokens}
}

// Authenticate resolves the token or returns ErrInvalidToken.
func (a *Static) Authenticate(_ context.Context, token string) (Principal, error) {
	p, ok := a.tokens[token]
	if !ok {
		return Principal{}, ErrInvalidToken
	}
	return p, nil
}
