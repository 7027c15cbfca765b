package integrations

import (
	"runtime"
	"sync"
	"time"

	"github.com/fyrsmithlabs/traceway/pkg/traceway"
)

// Event names reported by Runtime.
const (
	RuntimeStatsEvent    = "runtime_stats"
	RuntimePressureEvent = "runtime_pressure"
)

// RuntimeSample is one reading of the Go runtime.
type RuntimeSample struct {
	Goroutines   int
	HeapAlloc    uint64
	HeapObjects  uint64
	NumGC        uint32
	PauseTotal   time.Duration
	LastPause    time.Duration
	GCCPUPercent float64
}

// ReadRuntime samples the current process.
func ReadRuntime() RuntimeSample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s := RuntimeSample{
		Goroutines:   runtime.NumGoroutine(),
		HeapAlloc:    ms.HeapAlloc,
		HeapObjects:  ms.HeapObjects,
		NumGC:        ms.NumGC,
		PauseTotal:   time.Duration(ms.PauseTotalNs),
		GCCPUPercent: ms.GCCPUFraction * 100,
	}
	if ms.NumGC > 0 {
		s.LastPause = time.Duration(ms.PauseNs[(ms.NumGC+255)%256])
	}
	return s
}

// Runtime periodically logs runtime_stats and warns with runtime_pressure
// when the goroutine count or the last GC pause crosses a threshold.
type Runtime struct {
	Interval           time.Duration
	GoroutineThreshold int
	PauseThreshold     time.Duration

	// read is replaced in tests.
	read func() RuntimeSample

	mu   sync.Mutex
	h    traceway.Handle
	stop chan struct{}
	done chan struct{}
}

// NewRuntime samples every 10s and warns above 10000 goroutines or a
// 200ms GC pause.
func NewRuntime() *Runtime {
	return &Runtime{
		Interval:           10 * time.Second,
		GoroutineThreshold: 10000,
		PauseThreshold:     200 * time.Millisecond,
		read:               ReadRuntime,
	}
}

// Setup implements traceway.Integration.
func (r *Runtime) Setup(h traceway.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.h != nil {
		return ErrAlreadySetup
	}
	if r.read == nil {
		r.read = ReadRuntime
	}
	interval := r.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	r.h = h
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.loop(interval, r.stop, r.done)
	return nil
}

func (r *Runtime) loop(interval time.Duration, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.report()
		}
	}
}

// report logs one sample.
func (r *Runtime) report() {
	r.mu.Lock()
	h := r.h
	r.mu.Unlock()
	if h == nil {
		return
	}

	s := r.read()
	data := map[string]any{
		"goroutines":   s.Goroutines,
		"heapAlloc":    s.HeapAlloc,
		"heapObjects":  s.HeapObjects,
		"numGC":        s.NumGC,
		"pauseTotalMs": s.PauseTotal.Milliseconds(),
		"lastPauseMs":  s.LastPause.Milliseconds(),
		"gcCPUPercent": s.GCCPUPercent,
		"windowMs":     r.Interval.Milliseconds(),
		"sampledAt":    time.Now(),
	}
	h.Info(RuntimeStatsEvent, "", data)

	overGoroutines := r.GoroutineThreshold > 0 && s.Goroutines > r.GoroutineThreshold
	overPause := r.PauseThreshold > 0 && s.LastPause > r.PauseThreshold
	if overGoroutines || overPause {
		h.Warn(RuntimePressureEvent, "Runtime pressure detected", data)
	}
}

// Teardown implements traceway.Teardowner. It stops sampling and reports
// one final sample.
func (r *Runtime) Teardown() {
	r.mu.Lock()
	if r.h == nil {
		r.mu.Unlock()
		return
	}
	close(r.stop)
	done := r.done
	r.mu.Unlock()

	<-done
	r.report()

	r.mu.Lock()
	r.h = nil
	r.mu.Unlock()
}
