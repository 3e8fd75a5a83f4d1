// Package config loads server settings from the environment.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/terminal-mux/backend/internal/reconnect"
)

// Settings is the full server configuration. Every field has a working
// default so a bare `server` binary starts locally.
type Settings struct {
	Port string `envconfig:"PORT" default:"8080"`

	ProfileDBPath string `envconfig:"PROFILE_DB_PATH" default:"data/profiles.db"`
	HistoryDBPath string `envconfig:"HISTORY_DB_PATH" default:"data/history.db"`

	// DockerHost overrides the docker endpoint for container sessions.
	DockerHost string `envconfig:"DOCKER_HOST" default:""`

	// AuthTokens maps bearer tokens to principal ids ("token:principal").
	// The static authenticator is for single-host deployments; hosted
	// ones wire the external auth service instead.
	AuthTokens map[string]string `envconfig:"AUTH_TOKENS" default:""`

	KeepaliveInterval time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"30s"`

	// GraceWindow defaults to twice the keepalive interval when zero.
	GraceWindow time.Duration `envconfig:"GRACE_WINDOW" default:"0s"`

	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"30s"`

	// Reconnect backoff contract published to clients; the registry's
	// grace supervision shares the same policy object.
	ReconnectMaxAttempts int           `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"10"`
	ReconnectBaseDelay   time.Duration `envconfig:"RECONNECT_BASE_DELAY" default:"1s"`
	ReconnectMaxDelay    time.Duration `envconfig:"RECONNECT_MAX_DELAY" default:"30s"`
	ReconnectJitter      float64       `envconfig:"RECONNECT_JITTER" default:"0.2"`

	RateLimitPerMinute       int `envconfig:"RATE_LIMIT_PER_MINUTE" default:"100"`
	RateViolationHardCap     int `envconfig:"RATE_VIOLATION_HARD_CAP" default:"100"`
	MaxSessionsPerConnection int `envconfig:"MAX_SESSIONS_PER_CONNECTION" default:"10"`

	BufferLowWatermark  int `envconfig:"BUFFER_LOW_WATERMARK" default:"16384"`
	BufferHighWatermark int `envconfig:"BUFFER_HIGH_WATERMARK" default:"65536"`
	BufferHardCap       int `envconfig:"BUFFER_HARD_CAP" default:"262144"`
}

// Load reads settings from the environment.
func Load() (*Settings, error) {
	var s Settings
	if err := envconfig.Process("TERMMUX", &s); err != nil {
		return nil, err
	}
	if s.GraceWindow == 0 {
		s.GraceWindow = 2 * s.KeepaliveInterval
	}
	return &s, nil
}

// ReconnectPolicy builds the client backoff contract from the settings.
func (s *Settings) ReconnectPolicy() reconnect.Policy {
	return reconnect.Policy{
		MaxAttempts:    s.ReconnectMaxAttempts,
		BaseDelay:      s.ReconnectBaseDelay,
		MaxDelay:       s.ReconnectMaxDelay,
		JitterFraction: s.ReconnectJitter,
	}
}
