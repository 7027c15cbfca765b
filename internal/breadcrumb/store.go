// Package breadcrumb keeps the bounded trail of recent user and system
// actions that is attached to warn and error events.
package breadcrumb

import (
	"maps"
	"sync"
	"time"

	"github.com/fyrsmithlabs/traceway/internal/event"
	"github.com/fyrsmithlabs/traceway/internal/serialize"
)

// DefaultCapacity is the number of breadcrumbs retained when none is configured.
const DefaultCapacity = 50

// Store is a fixed-capacity ring of breadcrumbs. The oldest entry is
// evicted when a new one arrives at capacity. Safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	ring  []event.Breadcrumb
	start int
	size  int
	now   func() time.Time
}

// NewStore creates a store holding at most capacity breadcrumbs.
// A non-positive capacity selects DefaultCapacity.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{ring: make([]event.Breadcrumb, capacity), now: time.Now}
}

// Add records a breadcrumb stamped with the current time. Unknown types are
// recorded as custom.
func (s *Store) Add(typ event.BreadcrumbType, message string, data map[string]any) {
	if !typ.Valid() {
		typ = event.BreadcrumbCustom
	}
	s.Push(event.Breadcrumb{Timestamp: s.now(), Type: typ, Message: message, Data: data})
}

// Push records a fully formed breadcrumb. Its data is serialized into a
// JSON-safe copy, so later changes by the caller are not seen.
func (s *Store) Push(b event.Breadcrumb) {
	b.Data = serialize.Map(b.Data, serialize.Options{})

	s.mu.Lock()
	defer s.mu.Unlock()

	capacity := len(s.ring)
	if s.size < capacity {
		s.ring[(s.start+s.size)%capacity] = b
		s.size++
		return
	}
	s.ring[s.start] = b
	s.start = (s.start + 1) % capacity
}

// Snapshot returns the breadcrumbs oldest first. The result is a copy and
// nil when the store is empty.
func (s *Store) Snapshot() []event.Breadcrumb {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size == 0 {
		return nil
	}
	out := make([]event.Breadcrumb, s.size)
	for i := range out {
		b := s.ring[(s.start+i)%len(s.ring)]
		b.Data = maps.Clone(b.Data)
		out[i] = b
	}
	return out
}

// Clear drops every breadcrumb.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.ring)
	s.start, s.size = 0, 0
}

// Len returns the number of stored breadcrumbs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Cap returns the store capacity.
func (s *Store) Cap() int {
	return len(s.ring)
}
