package collector

import (
	"sync"
	"time"

	"github.com/fyrsmithlabs/traceway/internal/event"
)

// StatsResponse is the response body for GET /api/v1/stats.
type StatsResponse struct {
	Levels        map[string]int64 `json:"levels"`
	Total         int64            `json:"total"`
	Batches       int64            `json:"batches"`
	UptimeSeconds float64          `json:"uptime_seconds"`
	Recent        []event.Event    `json:"recent"`
}

// Stats tallies received events and keeps the most recent ones in a ring.
type Stats struct {
	mu      sync.Mutex
	counts  map[event.Level]int64
	batches int64
	recent  []event.Event
	next    int
	full    bool
	started time.Time
}

// NewStats keeps up to capacity recent events. A capacity below one
// disables the ring.
func NewStats(capacity int) *Stats {
	if capacity < 0 {
		capacity = 0
	}
	return &Stats{
		counts:  make(map[event.Level]int64, len(event.Levels)),
		recent:  make([]event.Event, capacity),
		started: time.Now(),
	}
}

// Record counts one received batch.
func (s *Stats) Record(batch []event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches++
	for _, ev := range batch {
		s.counts[ev.Level]++
		if len(s.recent) == 0 {
			continue
		}
		s.recent[s.next] = ev
		s.next = (s.next + 1) % len(s.recent)
		if s.next == 0 {
			s.full = true
		}
	}
}

// Snapshot returns the current totals with recent events newest first.
func (s *Stats) Snapshot() StatsResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := StatsResponse{
		Levels:        make(map[string]int64, len(event.Levels)),
		Batches:       s.batches,
		UptimeSeconds: time.Since(s.started).Seconds(),
	}
	for _, lvl := range event.Levels {
		n := s.counts[lvl]
		resp.Levels[lvl.String()] = n
		resp.Total += n
	}

	n := s.next
	if s.full {
		n = len(s.recent)
	}
	resp.Recent = make([]event.Event, 0, n)
	for i := 1; i <= n; i++ {
		idx := (s.next - i + len(s.recent)) % len(s.recent)
		resp.Recent = append(resp.Recent, s.recent[idx])
	}
	return resp
}
