package events

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Recorder is an in-memory Dispatcher. It keeps every dispatched event and
// delivers it synchronously to registered listeners, so the caller sees the
// listeners' errors.
type Recorder struct {
	mu        sync.Mutex
	events    []Event
	listeners []Listener
}

var _ Dispatcher = (*Recorder)(nil)

// NewRecorder creates a Recorder forwarding to listeners.
func NewRecorder(listeners ...Listener) *Recorder {
	return &Recorder{listeners: listeners}
}

// Register adds a listener.
func (r *Recorder) Register(_ context.Context, l Listener) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
	return nil
}

// Dispatch records ev and runs every interested listener in registration
// order. Listener errors are joined.
func (r *Recorder) Dispatch(ctx context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()

	var errs []error
	for _, l := range listeners {
		if !l.IsHandling(ev) {
			continue
		}
		if err := l.OnEvent(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("listener %s: %w", l.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Events returns the recorded events in dispatch order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// OfKind returns the recorded events of kind k.
func (r *Recorder) OfKind(k Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind() == k {
			out = append(out, ev)
		}
	}
	return out
}

// Reset drops the recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
