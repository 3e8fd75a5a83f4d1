// Package profile resolves SSH connection profiles. The engine reads
// host/port/username and an opaque credential reference from the store;
// actual secrets are resolved through a CredentialSource and are never
// persisted by the engine itself.
package profile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// AuthMethod selects how an SSH transport authenticates.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"
)

// Profile describes one SSH target.
type Profile struct {
	ID       string
	Name     string
	Host     string
	Port     int
	Username string

	// AuthMethod and CredentialRef locate the secret without storing it:
	// the reference is handed to a CredentialSource at dial time.
	AuthMethod    AuthMethod
	CredentialRef string

	// HostKeyFingerprint pins the expected server key (SHA256 form). Empty
	// means trust-on-first-use.
	HostKeyFingerprint string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ErrNotFound is returned when a profile id does not resolve.
var ErrNotFound = errors.New("profile not found")

// Store is the profile lookup boundary. The sqlite implementation in this
// package is the default; deployments may substitute a remote store.
type Store interface {
	Get(ctx context.Context, id string) (*Profile, error)
	Put(ctx context.Context, p *Profile) error
	Delete(ctx context.Context, id string) error
}

// CredentialSource resolves an opaque credential reference into a secret
// (password or private key PEM, per the profile's auth method).
type CredentialSource interface {
	Secret(ctx context.Context, ref string) (string, error)
}

// EnvCredentialSource resolves credential references as environment
// variable names. It is the default source for single-host deployments.
type EnvCredentialSource struct{}

// Secret returns the value of the environment variable named by ref.
func (EnvCredentialSource) Secret(_ context.Context, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("empty credential reference")
	}
	v, ok := os.LookupEnv(ref)
	if !ok {
		return "", fmt.Errorf("credential reference %q not set", ref)
	}
	return v, nil
}

// StaticCredentialSource resolves references from a fixed map. Used in
// tests.
type StaticCredentialSource map[string]string

// Secret returns the mapped secret for ref.
func (s StaticCredentialSource) Secret(_ context.Context, ref string) (string, error) {
	v, ok := s[ref]
	if !ok {
		return "", fmt.Errorf("credential reference %q not set", ref)
	}
	return v, nil
}
