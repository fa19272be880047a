package events

import (
	"context"
	"sync"
)

// Recorder is an Emitter that captures events in memory for test
// assertions.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

var _ Emitter = (*Recorder)(nil)

// NewRecorder builds an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit appends the event to the recorded list.
func (r *Recorder) Emit(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)
}

// Close is a no-op.
func (r *Recorder) Close() error { return nil }

// Events returns a copy of the recorded events in emission order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, len(r.events))
	copy(out, r.events)

	return out
}

// ByType returns recorded events matching the given type.
func (r *Recorder) ByType(eventType string) []Event {
	var out []Event

	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}

	return out
}
