// Package memory provides a sink that records batches in memory.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/fyrsmithlabs/traceway/internal/event"
)

// Sink records every batch it receives. Safe for concurrent use.
type Sink struct {
	mu      sync.Mutex
	batches [][]event.Event
	err     error
	notify  chan struct{}
}

// New creates an empty recording sink.
func New() *Sink {
	return &Sink{notify: make(chan struct{}, 1)}
}

// Name implements sink.Named.
func (s *Sink) Name() string { return "memory" }

// Send records the batch and returns the configured error, if any.
func (s *Sink) Send(_ context.Context, batch []event.Event) error {
	s.mu.Lock()
	s.batches = append(s.batches, slices.Clone(batch))
	err := s.err
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return err
}

// FailWith makes subsequent Send calls return err after recording.
func (s *Sink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Batches returns the recorded batches in arrival order.
func (s *Sink) Batches() [][]event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]event.Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = slices.Clone(b)
	}
	return out
}

// Events returns every recorded event flattened in arrival order.
func (s *Sink) Events() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.Event
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

// Calls returns the number of Send calls.
func (s *Sink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

// Notify signals after each Send; coalesces when nobody is listening.
func (s *Sink) Notify() <-chan struct{} {
	return s.notify
}

// Reset drops everything recorded so far.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = nil
}
