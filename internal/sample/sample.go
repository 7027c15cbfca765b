// Package sample implements the level filter and the probabilistic sampler
// applied to every event before it is queued.
package sample

import (
	"math"
	"math/rand/v2"
	"sync"

	"github.com/fyrsmithlabs/traceway/internal/event"
)

// Rank returns the position of level in the total order
// debug=0 < info=1 < warn=2 < error=3.
func Rank(level event.Level) int {
	switch level {
	case event.LevelDebug:
		return 0
	case event.LevelInfo:
		return 1
	case event.LevelWarn:
		return 2
	case event.LevelError:
		return 3
	}
	return -1
}

// MeetsMinimum reports whether level is at or above min.
func MeetsMinimum(level, min event.Level) bool {
	return Rank(level) >= Rank(min)
}

// Sampler makes independent keep/drop decisions per event.
// The zero value draws from the process-wide random source.
type Sampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New returns a sampler backed by the process-wide random source.
func New() *Sampler {
	return &Sampler{}
}

// NewSeeded returns a sampler with a deterministic source, for tests.
func NewSeeded(seed uint64) *Sampler {
	return &Sampler{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// NewWithSource returns a sampler drawing from src.
func NewWithSource(src rand.Source) *Sampler {
	return &Sampler{rng: rand.New(src)}
}

// ShouldSample draws one uniform value in [0,1) and keeps the event when
// the value is below the applicable rate: errorRate for error events,
// rate for everything else. A rate of 1 always keeps; 0 always drops.
func (s *Sampler) ShouldSample(level event.Level, rate, errorRate float64) bool {
	if level == event.LevelError {
		return s.draw() < errorRate
	}
	return s.draw() < rate
}

func (s *Sampler) draw() float64 {
	if s == nil || s.rng == nil {
		return rand.Float64()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// ClampRate coerces r into [0,1]. NaN becomes fallback.
func ClampRate(r, fallback float64) float64 {
	switch {
	case math.IsNaN(r):
		return fallback
	case r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}
