package session

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// For any sequence of input messages submitted to one session, the
// transport receives them in exactly the submission order.
func TestSessionInputOrderingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("inputs reach the transport in submission order", prop.ForAll(
		func(inputs []string) bool {
			tr := newFakeTransport()
			sink := &fakeSink{}
			s := New(Config{ID: "ordered", Transport: tr})
			s.Bind("conn1", sink)
			s.Start(context.Background(), 24, 80)
			defer s.Disconnect("done")

			deadline := time.Now().Add(time.Second)
			for s.State() != StateActive {
				if time.Now().After(deadline) {
					return false
				}
				time.Sleep(time.Millisecond)
			}

			for _, in := range inputs {
				if err := s.Input([]byte(in)); err != nil {
					return false
				}
			}

			for tr.writeCount() < len(inputs) {
				if time.Now().After(deadline) {
					return false
				}
				time.Sleep(time.Millisecond)
			}

			tr.mu.Lock()
			defer tr.mu.Unlock()
			for i, in := range inputs {
				if string(tr.writes[i]) != in {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(20, gen.AnyString()),
	))

	properties.Property("interleaved resizes never reorder inputs", prop.ForAll(
		func(inputs []string, resizeEvery uint8) bool {
			tr := newFakeTransport()
			sink := &fakeSink{}
			s := New(Config{ID: "ordered", Transport: tr})
			s.Bind("conn1", sink)
			s.Start(context.Background(), 24, 80)
			defer s.Disconnect("done")

			deadline := time.Now().Add(time.Second)
			for s.State() != StateActive {
				if time.Now().After(deadline) {
					return false
				}
				time.Sleep(time.Millisecond)
			}

			step := int(resizeEvery)%5 + 1
			rows := uint16(25)
			for i, in := range inputs {
				if err := s.Input([]byte(in)); err != nil {
					return false
				}
				if i%step == 0 {
					rows++
					if err := s.Resize(rows, 80); err != nil {
						return false
					}
				}
			}

			for tr.writeCount() < len(inputs) {
				if time.Now().After(deadline) {
					return false
				}
				time.Sleep(time.Millisecond)
			}

			tr.mu.Lock()
			defer tr.mu.Unlock()
			for i, in := range inputs {
				if string(tr.writes[i]) != in {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(10, gen.AnyString()),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
