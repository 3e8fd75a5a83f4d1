// Package reconnect holds the single backoff policy shared by the
// server's keepalive/grace timing and the documented client reconnect
// contract, so both sides agree on timing semantics.
package reconnect

import (
	"math/rand"
	"time"
)

// Policy describes exponential backoff with jitter.
type Policy struct {
	// MaxAttempts caps reconnect attempts; 0 means unlimited.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// JitterFraction randomizes each delay by ±fraction (0..1).
	JitterFraction float64
}

// DefaultPolicy matches the documented client contract: 10 attempts,
// 1s base, 30s cap, 20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    10,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		JitterFraction: 0.2,
	}
}

// Delay returns the jittered delay before attempt n (1-based). Attempts
// past MaxAttempts return a negative duration, meaning give up.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return -1
	}

	d := p.unjittered(attempt)

	if p.JitterFraction > 0 {
		spread := float64(d) * p.JitterFraction
		d += time.Duration((rand.Float64()*2 - 1) * spread)
		if d < 0 {
			d = 0
		}
	}
	return d
}

// unjittered returns the raw exponential delay before attempt n.
func (p Policy) unjittered(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Budget returns the worst-case total delay a client following this
// policy spends retrying before it gives up. A grace window at least
// this long guarantees a client retrying on schedule finds its sessions
// still alive. Zero when MaxAttempts is unlimited.
func (p Policy) Budget() time.Duration {
	if p.MaxAttempts <= 0 {
		return 0
	}
	var total time.Duration
	for i := 1; i <= p.MaxAttempts; i++ {
		d := p.unjittered(i)
		total += d + time.Duration(float64(d)*p.JitterFraction)
	}
	return total
}

// Reconnector tracks attempt state for one client-side reconnect loop.
type Reconnector struct {
	policy  Policy
	attempt int
}

// NewReconnector creates a reconnector using the given policy.
func NewReconnector(policy Policy) *Reconnector {
	return &Reconnector{policy: policy}
}

// Next returns the delay before the next attempt, or false when the
// attempt budget is spent.
func (r *Reconnector) Next() (time.Duration, bool) {
	r.attempt++
	d := r.policy.Delay(r.attempt)
	if d < 0 {
		return 0, false
	}
	return d, true
}

// Reset clears attempt state after a successful reconnect.
func (r *Reconnector) Reset() {
	r.attempt = 0
}

// Attempt returns the number of attempts made since the last reset.
func (r *Reconnector) Attempt() int {
	return r.attempt
}
