package harness

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// EventKind identifies the type of run event.
type EventKind string

const (
	EventRunStart        EventKind = "run_start"
	EventRunEnd          EventKind = "run_end"
	EventStepStart       EventKind = "step_start"
	EventAssistantText   EventKind = "assistant_text"
	EventReasoning       EventKind = "reasoning"
	EventToolCallStart   EventKind = "tool_call_start"
	EventToolCallEnd     EventKind = "tool_call_end"
	EventPlanUpdate      EventKind = "plan_update"
	EventSessionActivity EventKind = "session_activity"
	EventWarning         EventKind = "warning"
	EventError           EventKind = "error"
)

// Event is a typed event emitted by a run.
type Event struct {
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventEmitter delivers typed events to the host via a buffered channel.
// Emit never blocks the loop: when the host falls behind, events are dropped.
type EventEmitter struct {
	runID  string
	ch     chan Event
	closed bool
	mu     sync.Mutex
}

// NewEventEmitter creates an emitter with the given channel buffer.
func NewEventEmitter(runID string, bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventEmitter{
		runID: runID,
		ch:    make(chan Event, bufferSize),
	}
}

// Emit sends an event. Emitting on a closed emitter is a no-op.
func (e *EventEmitter) Emit(kind EventKind, data map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	event := Event{
		Kind:      kind,
		Timestamp: time.Now(),
		RunID:     e.runID,
		Data:      data,
	}
	select {
	case e.ch <- event:
	default:
		// Host is not draining; dropping beats stalling the loop.
	}
}

// Events returns the read-only event channel.
func (e *EventEmitter) Events() <-chan Event {
	return e.ch
}

// Close closes the event channel. Safe to call multiple times.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}

// WriteEventLog drains events into w as one JSON object per line. It returns
// when the channel closes. Run it in its own goroutine alongside a run.
func WriteEventLog(w io.Writer, events <-chan Event) error {
	enc := json.NewEncoder(w)
	for event := range events {
		if err := enc.Encode(event); err != nil {
			return err
		}
	}
	return nil
}

// TeeEvents forwards events to every sink, closing all output channels when
// the source closes. Sinks get the same drop-on-full behavior as Emit.
func TeeEvents(src <-chan Event, n int) []<-chan Event {
	outs := make([]chan Event, n)
	result := make([]<-chan Event, n)
	for i := range outs {
		outs[i] = make(chan Event, cap(src))
		result[i] = outs[i]
	}
	go func() {
		for event := range src {
			for _, out := range outs {
				select {
				case out <- event:
				default:
				}
			}
		}
		for _, out := range outs {
			close(out)
		}
	}()
	return result
}
