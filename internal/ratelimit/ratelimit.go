// Package ratelimit bounds inbound message rates per connection.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter answers whether a connection may process another inbound
// message. The connection manager consults it before dispatching each
// message.
type Limiter interface {
	Allow(connectionID string) bool

	// Forget releases per-connection state after teardown.
	Forget(connectionID string)
}

// PerConnection is a token-bucket limiter keyed by connection id.
type PerConnection struct {
	perMinute int
	burst     int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewPerConnection creates a limiter allowing perMinute messages per
// connection with a burst of the same size.
func NewPerConnection(perMinute int) *PerConnection {
	if perMinute <= 0 {
		perMinute = 100
	}
	return &PerConnection{
		perMinute: perMinute,
		burst:     perMinute,
		buckets:   make(map[string]*rate.Limiter),
	}
}

// Allow consumes one token for the connection.
func (l *PerConnection) Allow(connectionID string) bool {
	l.mu.Lock()
	bucket, ok := l.buckets[connectionID]
	if !ok {
		bucket = rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.burst)
		l.buckets[connectionID] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}

// Forget drops the connection's bucket.
func (l *PerConnection) Forget(connectionID string) {
	l.mu.Lock()
	delete(l.buckets, connectionID)
	l.mu.Unlock()
}

// Unlimited never limits. Used in tests.
type Unlimited struct{}

// Allow always returns true.
func (Unlimited) Allow(string) bool { return true }

// Forget is a no-op.
func (Unlimited) Forget(string) {}
