package buffer

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// For any sequence of pushes, the buffered byte count never exceeds the
// hard cap, and what survives is always a contiguous suffix of the
// pushed stream.
func TestFlowBufferHardCapProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("buffered size never exceeds the hard cap", prop.ForAll(
		func(chunks [][]byte) bool {
			b := NewFlowBuffer(16, 64, 128)
			for _, chunk := range chunks {
				b.Push(chunk)
				if b.Len() > 128 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.SliceOf(gen.UInt8())),
	))

	properties.Property("surviving data is a suffix of the pushed stream", prop.ForAll(
		func(chunks [][]byte) bool {
			b := NewFlowBuffer(16, 64, 128)
			var total []byte
			for _, chunk := range chunks {
				b.Push(chunk)
				total = append(total, chunk...)
			}

			var drained []byte
			for {
				data, _ := b.Drain(32)
				if len(data) == 0 {
					break
				}
				drained = append(drained, data...)
			}

			return bytes.HasSuffix(total, drained)
		},
		gen.SliceOf(gen.SliceOf(gen.UInt8())),
	))

	properties.Property("without eviction, drained bytes equal pushed bytes in order", prop.ForAll(
		func(chunks [][]byte) bool {
			// Hard cap large enough that nothing is evicted.
			b := NewFlowBuffer(16, 64, 1<<20)
			var total []byte
			for _, chunk := range chunks {
				b.Push(chunk)
				total = append(total, chunk...)
			}

			var drained []byte
			for {
				data, _ := b.Drain(7)
				if len(data) == 0 {
					break
				}
				drained = append(drained, data...)
			}

			return bytes.Equal(total, drained)
		},
		gen.SliceOfN(20, gen.SliceOf(gen.UInt8())),
	))

	properties.TestingRun(t)
}

// For any interleaving of pushes and drains, pause and resume events
// strictly alternate, starting with pause.
func TestFlowBufferPauseResumeAlternationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("pause and resume events strictly alternate", prop.ForAll(
		func(ops []int16) bool {
			b := NewFlowBuffer(16, 64, 256)
			var events []Event

			for _, op := range ops {
				if op >= 0 {
					// Push op bytes.
					chunk := make([]byte, int(op)%48+1)
					if ev := b.Push(chunk); ev != EventNone {
						events = append(events, ev)
					}
				} else {
					if _, ev := b.Drain(int(-op)%48 + 1); ev != EventNone {
						events = append(events, ev)
					}
				}
			}

			want := EventPause
			for _, ev := range events {
				if ev != want {
					return false
				}
				if want == EventPause {
					want = EventResume
				} else {
					want = EventPause
				}
			}
			return true
		},
		gen.SliceOf(gen.Int16()),
	))

	properties.Property("paused flag tracks the emitted events", prop.ForAll(
		func(ops []int16) bool {
			b := NewFlowBuffer(16, 64, 256)
			paused := false

			for _, op := range ops {
				var ev Event
				if op >= 0 {
					chunk := make([]byte, int(op)%48+1)
					ev = b.Push(chunk)
				} else {
					_, ev = b.Drain(int(-op)%48 + 1)
				}
				switch ev {
				case EventPause:
					paused = true
				case EventResume:
					paused = false
				}
				if b.Paused() != paused {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int16()),
	))

	properties.TestingRun(t)
}
