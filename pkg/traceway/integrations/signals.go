package integrations

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fyrsmithlabs/traceway/pkg/traceway"
)

// DefaultSignals are the teardown signals watched when none are given.
var DefaultSignals = []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGHUP}

// Signals drains the logger synchronously when the process receives a
// teardown signal. It does not exit; OnSignal runs after the flush and
// may do so.
type Signals struct {
	// FlushTimeout bounds each synchronous flush.
	FlushTimeout time.Duration

	// OnSignal, if set, runs after the flush completes.
	OnSignal func(os.Signal)

	signals []os.Signal

	mu   sync.Mutex
	ch   chan os.Signal
	stop chan struct{}
}

// NewSignals watches sigs, or DefaultSignals when none are given.
func NewSignals(sigs ...os.Signal) *Signals {
	if len(sigs) == 0 {
		sigs = DefaultSignals
	}
	return &Signals{FlushTimeout: 5 * time.Second, signals: sigs}
}

// Setup implements traceway.Integration.
func (s *Signals) Setup(h traceway.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		return ErrAlreadySetup
	}
	s.ch = make(chan os.Signal, 1)
	s.stop = make(chan struct{})
	signal.Notify(s.ch, s.signals...)
	go s.loop(h, s.ch, s.stop)
	return nil
}

func (s *Signals) loop(h traceway.Handle, ch <-chan os.Signal, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case sig := <-ch:
			h.AddBreadcrumb(traceway.BreadcrumbCustom, "signal: "+sig.String(), map[string]any{"signal": sig.String()})
			ctx, cancel := context.WithTimeout(context.Background(), s.FlushTimeout)
			_ = h.FlushSync(ctx)
			cancel()
			if s.OnSignal != nil {
				s.OnSignal(sig)
			}
		}
	}
}

// Teardown implements traceway.Teardowner. It restores default signal
// handling for the watched signals. It does not wait for a flush in
// progress, so OnSignal may itself destroy the logger.
func (s *Signals) Teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		return
	}
	signal.Stop(s.ch)
	close(s.stop)
	s.ch = nil
}
