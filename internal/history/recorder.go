// Package history emits "command executed" events for external
// persistence. Recording is fire-and-forget: a slow or failing sink must
// never block or fail a session, so events flow through a bounded queue
// and are dropped under pressure.
package history

import (
	"context"
	"log"
	"sync"
	"time"
)

// Event describes one command executed in a session. The engine never
// reads these back.
type Event struct {
	SessionID   string
	PrincipalID string
	Command     string
	ExecutedAt  time.Time
}

// Recorder accepts command events. Implementations must not block.
type Recorder interface {
	Record(event Event)
}

// NopRecorder discards all events.
type NopRecorder struct{}

// Record discards the event.
func (NopRecorder) Record(Event) {}

// Sink persists events. Write errors are logged, never propagated to the
// session.
type Sink interface {
	Write(ctx context.Context, event Event) error
}

const defaultQueueSize = 256

// Dispatcher decouples sessions from the sink with a bounded queue and a
// single writer goroutine.
type Dispatcher struct {
	sink Sink
	ch   chan Event

	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

// NewDispatcher starts a dispatcher writing to sink.
func NewDispatcher(sink Sink) *Dispatcher {
	d := &Dispatcher{
		sink: sink,
		ch:   make(chan Event, defaultQueueSize),
		done: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Record queues an event, dropping it if the queue is full.
func (d *Dispatcher) Record(event Event) {
	select {
	case d.ch <- event:
	default:
		// Backlogged sink; command history is best-effort.
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case event := <-d.ch:
			if err := d.sink.Write(context.Background(), event); err != nil {
				log.Printf("history: failed to record command for session %s: %v", event.SessionID, err)
			}
		case <-d.done:
			// Flush whatever is already queued.
			for {
				select {
				case event := <-d.ch:
					if err := d.sink.Write(context.Background(), event); err != nil {
						log.Printf("history: failed to record command for session %s: %v", event.SessionID, err)
					}
				default:
					return
				}
			}
		}
	}
}

// Close stops the dispatcher after flushing queued events.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.done) })
	d.wg.Wait()
}
