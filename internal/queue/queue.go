// Package queue buffers events by priority and ships them to sinks in
// batches.
//
// The buffer is kept sorted by descending level with FIFO order among
// equal levels. A periodic ticker flushes asynchronously; inserting an
// error-level event arms a short debounce timer so errors go out quickly
// without flushing once per error.
package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/traceway/internal/event"
	"github.com/fyrsmithlabs/traceway/internal/logging"
	"github.com/fyrsmithlabs/traceway/internal/metrics"
	"github.com/fyrsmithlabs/traceway/internal/sample"
	"github.com/fyrsmithlabs/traceway/internal/sink"
)

const instrumentationName = "github.com/fyrsmithlabs/traceway/internal/queue"

// Defaults applied to zero or negative configuration values.
const (
	DefaultMaxQueueSize  = 500
	DefaultMaxBatchSize  = 30
	DefaultFlushInterval = 5 * time.Second
	DefaultErrorDebounce = 200 * time.Millisecond
)

var (
	// ErrClosed is returned by Enqueue after Destroy.
	ErrClosed = errors.New("queue is closed")

	// ErrOverflow is returned when the queue is full and the event's level
	// is too low to evict a buffered one.
	ErrOverflow = errors.New("queue is full")
)

// Mode selects whether Flush waits for sinks.
type Mode int

const (
	// Async hands the batch to sinks and returns immediately.
	Async Mode = iota
	// Sync waits for every sink to settle or for the context to end.
	Sync
)

func (m Mode) String() string {
	if m == Sync {
		return "sync"
	}
	return "async"
}

// Config sizes the buffer and the flush schedule.
type Config struct {
	MaxQueueSize  int
	MaxBatchSize  int
	FlushInterval time.Duration
	ErrorDebounce time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.ErrorDebounce <= 0 {
		c.ErrorDebounce = DefaultErrorDebounce
	}
	return c
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the diagnostics logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithTracer overrides the tracer used for flush spans.
func WithTracer(t trace.Tracer) Option {
	return func(q *Queue) {
		if t != nil {
			q.tracer = t
		}
	}
}

// Queue is a bounded priority buffer with a flush scheduler.
// All buffer and timer state is guarded by mu.
type Queue struct {
	cfg     Config
	sinks   []sink.Sink
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	mu       sync.Mutex
	buf      []event.Event
	closed   bool
	finished bool
	debounce *time.Timer

	stop        chan struct{}
	tickerDone  chan struct{}
	inflight    sync.WaitGroup
	destroyOnce sync.Once
}

// New creates a queue delivering to sinks and starts its flush ticker.
func New(cfg Config, sinks []sink.Sink, opts ...Option) *Queue {
	q := &Queue{
		cfg:        cfg.withDefaults(),
		sinks:      slices.Clone(sinks),
		logger:     zap.NewNop(),
		tracer:     otel.Tracer(instrumentationName),
		stop:       make(chan struct{}),
		tickerDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.buf = make([]event.Event, 0, q.cfg.MaxQueueSize)

	go q.tick()
	return q
}

// Config returns the effective configuration.
func (q *Queue) Config() Config {
	return q.cfg
}

func (q *Queue) tick() {
	defer close(q.tickerDone)

	ticker := time.NewTicker(q.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.Flush(context.Background(), Async)
		}
	}
}

// Enqueue inserts ev at its priority position.
//
// At capacity, a warn or error event evicts the lowest-priority, most
// recent entry; anything lower is rejected with ErrOverflow and the buffer
// is left unchanged.
func (q *Queue) Enqueue(ev event.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	if len(q.buf) >= q.cfg.MaxQueueSize {
		if !sample.MeetsMinimum(ev.Level, event.LevelWarn) {
			return ErrOverflow
		}
		evicted := q.buf[len(q.buf)-1]
		q.buf = q.buf[:len(q.buf)-1]
		q.metrics.RecordEviction()
		q.logger.Debug("evicted buffered event",
			zap.String("name", evicted.Name),
			zap.Stringer("level", evicted.Level),
		)
	}

	q.buf = slices.Insert(q.buf, insertionIndex(q.buf, ev.Level), ev)
	q.metrics.SetQueueDepth(len(q.buf))

	if ev.Level == event.LevelError && q.debounce == nil {
		q.debounce = time.AfterFunc(q.cfg.ErrorDebounce, q.fireDebounce)
	}
	return nil
}

// insertionIndex returns the position before the first entry of strictly
// lower priority, which keeps equal levels in arrival order.
func insertionIndex(buf []event.Event, level event.Level) int {
	rank := sample.Rank(level)
	for i, queued := range buf {
		if sample.Rank(queued.Level) < rank {
			return i
		}
	}
	return len(buf)
}

func (q *Queue) fireDebounce() {
	q.mu.Lock()
	q.debounce = nil
	q.mu.Unlock()

	q.Flush(context.Background(), Async)
}

// Flush removes up to MaxBatchSize events from the head of the buffer and
// hands a copy of the batch to every sink concurrently. Sink failures are
// logged and counted, never returned. In Sync mode Flush waits for all
// sinks or for ctx to end, returning ctx.Err() in the latter case.
func (q *Queue) Flush(ctx context.Context, mode Mode) error {
	q.mu.Lock()
	if q.finished {
		q.mu.Unlock()
		return nil
	}
	batch := q.take()
	if len(batch) == 0 {
		q.mu.Unlock()
		return nil
	}
	// Registered under the lock so Destroy cannot miss it.
	q.inflight.Add(1)
	q.mu.Unlock()

	ctx = logging.WithSessionID(ctx, batch[0].SessionID)
	ctx, span := q.tracer.Start(ctx, "traceway.queue.flush", trace.WithAttributes(
		attribute.String("traceway.flush.mode", mode.String()),
		attribute.Int("traceway.flush.batch_size", len(batch)),
		attribute.Int("traceway.flush.sinks", len(q.sinks)),
	))

	q.metrics.RecordBatch(mode.String())

	done := make(chan struct{})
	go func() {
		defer q.inflight.Done()
		defer close(done)
		defer span.End()
		// Async deliveries outlive the caller's context.
		deliverCtx := ctx
		if mode == Async {
			deliverCtx = context.WithoutCancel(ctx)
		}
		if failed := q.deliver(deliverCtx, batch); failed > 0 {
			span.SetStatus(codes.Error, fmt.Sprintf("%d sink(s) failed", failed))
		}
	}()

	if mode == Async {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// take must be called with mu held.
func (q *Queue) take() []event.Event {
	n := min(q.cfg.MaxBatchSize, len(q.buf))
	if n == 0 {
		return nil
	}
	batch := slices.Clone(q.buf[:n])
	clear(q.buf[:n])
	q.buf = append(q.buf[:0], q.buf[n:]...)
	q.metrics.SetQueueDepth(len(q.buf))
	return batch
}

// deliver fans the batch out and returns the number of failed sinks.
func (q *Queue) deliver(ctx context.Context, batch []event.Event) int {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	for _, s := range q.sinks {
		wg.Add(1)
		go func(s sink.Sink, own []event.Event) {
			defer wg.Done()
			if err := q.send(ctx, s, own); err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}(s, slices.Clone(batch))
	}
	wg.Wait()
	return failed
}

func (q *Queue) send(ctx context.Context, s sink.Sink, batch []event.Event) (err error) {
	name := sink.NameOf(s)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
		q.metrics.RecordDelivery(name, len(batch), time.Since(start), err)
		if err != nil {
			trace.SpanFromContext(ctx).RecordError(err, trace.WithAttributes(attribute.String("traceway.sink", name)))
			q.logger.Warn("sink delivery failed", append(logging.ContextFields(ctx),
				zap.String("sink", name),
				zap.Int("events", len(batch)),
				zap.Error(err),
			)...)
		}
	}()
	return s.Send(ctx, batch)
}

// Drain performs Sync flushes until the buffer is empty, ctx ends, or a
// flush makes no progress because events arrive faster than they leave.
func (q *Queue) Drain(ctx context.Context) error {
	for {
		before := q.Len()
		if before == 0 {
			return nil
		}
		if err := q.Flush(ctx, Sync); err != nil {
			return err
		}
		if q.Len() >= before {
			return nil
		}
	}
}

// Destroy stops the timers, closes the queue to new events, drains the
// buffer with Sync flushes and waits for deliveries already in flight.
// Only the first call has any effect.
func (q *Queue) Destroy(ctx context.Context) error {
	var err error
	q.destroyOnce.Do(func() {
		close(q.stop)
		<-q.tickerDone

		q.mu.Lock()
		q.closed = true
		if q.debounce != nil {
			q.debounce.Stop()
			q.debounce = nil
		}
		q.mu.Unlock()

		err = q.Drain(ctx)

		q.mu.Lock()
		q.finished = true
		q.mu.Unlock()

		waited := make(chan struct{})
		go func() {
			q.inflight.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
			}
		}
	})
	return err
}

// Closed reports whether Destroy has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of buffered events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Snapshot returns a copy of the buffer in delivery order.
func (q *Queue) Snapshot() []event.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.buf)
}
