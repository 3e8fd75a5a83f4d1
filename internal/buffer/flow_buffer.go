// Package buffer provides the per-session bounded output queue with
// pause/resume signaling.
package buffer

import (
	"sync"
)

const (
	// DefaultLowWatermark is where a paused buffer resumes (bytes).
	DefaultLowWatermark = 16 * 1024

	// DefaultHighWatermark is where the buffer asks the producer side to
	// pause (bytes).
	DefaultHighWatermark = 64 * 1024

	// DefaultHardCap is the absolute byte limit; beyond it the oldest
	// chunks are evicted.
	DefaultHardCap = 256 * 1024
)

// Event reports a watermark crossing caused by a Push or Drain.
type Event int

const (
	EventNone Event = iota
	EventPause
	EventResume
)

// FlowBuffer is a thread-safe bounded FIFO of output chunks with two
// thresholds: crossing the high watermark emits exactly one pause event,
// and draining back below the low watermark emits exactly one resume
// event. The gap between the two prevents flapping. Data is only dropped
// (oldest first) when the hard cap would be exceeded.
//
// The buffer outlives the connection draining it: chunks accumulated while
// a session is detached are delivered after a rebind.
type FlowBuffer struct {
	mu     sync.Mutex
	chunks [][]byte
	size   int
	paused bool

	low     int
	high    int
	hardCap int
}

// NewFlowBuffer creates a FlowBuffer with the given thresholds in bytes.
// Non-positive or inverted thresholds fall back to the defaults.
func NewFlowBuffer(low, high, hardCap int) *FlowBuffer {
	if low <= 0 || high <= low || hardCap < high {
		low = DefaultLowWatermark
		high = DefaultHighWatermark
		hardCap = DefaultHardCap
	}
	return &FlowBuffer{
		low:     low,
		high:    high,
		hardCap: hardCap,
	}
}

// Push appends a chunk to the queue, evicting the oldest chunks only if
// the hard cap would be exceeded. It returns EventPause when this push
// crossed the high watermark on an unpaused buffer.
func (b *FlowBuffer) Push(chunk []byte) Event {
	if len(chunk) == 0 {
		return EventNone
	}

	b.mu.Lock()

	// Copy: the caller may reuse its read buffer.
	c := make([]byte, len(chunk))
	copy(c, chunk)
	b.chunks = append(b.chunks, c)
	b.size += len(c)

	// A single chunk larger than the hard cap keeps only its tail.
	if len(c) >= b.hardCap {
		b.chunks = [][]byte{c[len(c)-b.hardCap:]}
		b.size = b.hardCap
	}
	for b.size > b.hardCap && len(b.chunks) > 1 {
		b.size -= len(b.chunks[0])
		b.chunks[0] = nil
		b.chunks = b.chunks[1:]
	}

	event := EventNone
	if !b.paused && b.size >= b.high {
		b.paused = true
		event = EventPause
	}
	b.mu.Unlock()

	return event
}

// Drain removes and returns up to max bytes from the head of the queue,
// splitting the head chunk if needed. The second return value is
// EventResume when this drain brought a paused buffer below the low
// watermark.
func (b *FlowBuffer) Drain(max int) ([]byte, Event) {
	if max <= 0 {
		return nil, EventNone
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return nil, EventNone
	}

	var out []byte
	for len(b.chunks) > 0 && len(out) < max {
		head := b.chunks[0]
		take := max - len(out)
		if take >= len(head) {
			out = append(out, head...)
			b.size -= len(head)
			b.chunks[0] = nil
			b.chunks = b.chunks[1:]
		} else {
			out = append(out, head[:take]...)
			b.chunks[0] = head[take:]
			b.size -= take
		}
	}

	event := EventNone
	if b.paused && b.size <= b.low {
		b.paused = false
		event = EventResume
	}
	return out, event
}

// Len returns the number of buffered bytes.
func (b *FlowBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Paused reports whether the buffer is above its pause threshold.
func (b *FlowBuffer) Paused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

// Clear discards all buffered chunks without emitting events.
func (b *FlowBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = nil
	b.size = 0
	b.paused = false
}
