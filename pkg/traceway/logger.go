package traceway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/traceway/internal/breadcrumb"
	"github.com/fyrsmithlabs/traceway/internal/event"
	"github.com/fyrsmithlabs/traceway/internal/pipeline"
	"github.com/fyrsmithlabs/traceway/internal/queue"
	"github.com/fyrsmithlabs/traceway/internal/redact"
	"github.com/fyrsmithlabs/traceway/internal/sample"
	"github.com/fyrsmithlabs/traceway/internal/sink"
	"github.com/fyrsmithlabs/traceway/internal/sink/console"
)

var _ Handle = (*Logger)(nil)

// Logger is the entry point for events. Log calls never block on delivery
// and never panic. Safe for concurrent use.
type Logger struct {
	opts      Options
	diag      *zap.Logger
	crumbs    *breadcrumb.Store
	queue     *queue.Queue
	processor *pipeline.Processor
	sinks     []Sink

	mu           sync.Mutex
	integrations []Integration

	destroyOnce sync.Once
	destroyErr  error
}

// New creates a logger, starts its flush schedule and sets up the
// integrations in order. Invalid options are coerced to defaults and
// reported on the diagnostics logger.
func New(opts Options) *Logger {
	opts, coerced := opts.normalize()
	diag := opts.Logger
	for _, field := range coerced {
		diag.Warn("invalid option replaced by default", zap.String("option", field))
	}

	redactor, err := redact.New(opts.RedactKeys, opts.RedactPatterns, opts.ValueMatchers...)
	if err != nil {
		diag.Warn("ignoring invalid redaction patterns", zap.Error(err))
	}

	sinks := opts.Sinks
	if sinks == nil {
		sinks = []Sink{console.New(nil)}
	}

	level, _ := event.ParseLevel(opts.Level)
	crumbs := breadcrumb.NewStore(opts.MaxBreadcrumbs)

	q := queue.New(queue.Config{
		MaxQueueSize:  opts.MaxQueueSize,
		MaxBatchSize:  opts.MaxBatchSize,
		FlushInterval: opts.FlushInterval,
		ErrorDebounce: opts.ErrorDebounce,
	}, sinks,
		queue.WithLogger(diag.Named("queue")),
		queue.WithMetrics(opts.Metrics),
		queue.WithTracer(opts.Tracer),
	)

	var sampler *sample.Sampler
	if opts.Rand != nil {
		sampler = sample.NewWithSource(opts.Rand)
	}

	p := pipeline.New(pipeline.Config{
		Level:           level,
		SampleRate:      *opts.SampleRate,
		ErrorSampleRate: *opts.ErrorSampleRate,
		BeforeSend:      opts.BeforeSend,
		Environment:     opts.Environment,
		SessionID:       opts.SessionID,
		Context:         event.Context{App: opts.App, Env: opts.Env, Release: opts.Release},
	}, q,
		pipeline.WithRedactor(redactor),
		pipeline.WithBreadcrumbs(crumbs),
		pipeline.WithSampler(sampler),
		pipeline.WithLogger(diag.Named("pipeline")),
		pipeline.WithMetrics(opts.Metrics),
	)

	l := &Logger{
		opts:      opts,
		diag:      diag,
		crumbs:    crumbs,
		queue:     q,
		processor: p,
		sinks:     sinks,
	}
	l.setupIntegrations()
	return l
}

func (l *Logger) setupIntegrations() {
	for _, in := range l.opts.Integrations {
		if in == nil {
			continue
		}
		if err := l.setup(in); err != nil {
			l.diag.Warn("integration setup failed",
				zap.String("integration", fmt.Sprintf("%T", in)),
				zap.Error(err),
			)
			continue
		}
		l.mu.Lock()
		l.integrations = append(l.integrations, in)
		l.mu.Unlock()
	}
}

func (l *Logger) setup(in Integration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("setup panicked: %v", r)
		}
	}()
	return in.Setup(l)
}

// Log records an event at level and reports its fate.
func (l *Logger) Log(level Level, name, msg string, data map[string]any) Result {
	return l.processor.Process(level, name, msg, data, nil)
}

// LogWithBreadcrumbs is Log with an explicit breadcrumb trail that replaces
// the automatic one.
func (l *Logger) LogWithBreadcrumbs(level Level, name, msg string, data map[string]any, crumbs []Breadcrumb) Result {
	return l.processor.Process(level, name, msg, data, crumbs)
}

// Debug records a debug event.
func (l *Logger) Debug(name, msg string, data map[string]any) {
	l.Log(LevelDebug, name, msg, data)
}

// Info records an info event.
func (l *Logger) Info(name, msg string, data map[string]any) {
	l.Log(LevelInfo, name, msg, data)
}

// Warn records a warn event. The current breadcrumbs are attached.
func (l *Logger) Warn(name, msg string, data map[string]any) {
	l.Log(LevelWarn, name, msg, data)
}

// Error records an error event. The current breadcrumbs are attached and
// a flush is scheduled shortly after.
func (l *Logger) Error(name, msg string, data map[string]any) {
	l.Log(LevelError, name, msg, data)
}

// SetUser replaces the user stamped on later events. Nil clears it.
func (l *Logger) SetUser(u User) {
	l.processor.SetUser(u)
}

// SetContext merges the non-empty fields of c into the event context.
func (l *Logger) SetContext(c Context) {
	l.processor.SetContext(c)
}

// SessionID returns the identifier stamped on every event.
func (l *Logger) SessionID() string {
	return l.processor.SessionID()
}

// AddBreadcrumb appends to the trail attached to warn and error events.
func (l *Logger) AddBreadcrumb(typ BreadcrumbType, message string, data map[string]any) {
	l.crumbs.Add(typ, message, data)
}

// Breadcrumbs returns a copy of the trail, oldest first.
func (l *Logger) Breadcrumbs() []Breadcrumb {
	return l.crumbs.Snapshot()
}

// Pending returns the number of queued events.
func (l *Logger) Pending() int {
	return l.queue.Len()
}

// Flush delivers one batch and waits for every sink to finish with it.
func (l *Logger) Flush(ctx context.Context) error {
	return l.queue.Flush(ctx, queue.Sync)
}

// FlushSync delivers batches until the queue is empty or ctx ends.
func (l *Logger) FlushSync(ctx context.Context) error {
	return l.queue.Drain(ctx)
}

// Destroy tears down the integrations in registration order, stops the
// flush schedule, drains the queue synchronously and closes the sinks.
// Later calls return the first call's result; log calls after Destroy are
// dropped.
func (l *Logger) Destroy(ctx context.Context) error {
	l.destroyOnce.Do(func() {
		l.mu.Lock()
		integrations := l.integrations
		l.integrations = nil
		l.mu.Unlock()

		for _, in := range integrations {
			if td, ok := in.(Teardowner); ok {
				l.teardown(td)
			}
		}

		var errs []error
		if err := l.queue.Destroy(ctx); err != nil {
			errs = append(errs, fmt.Errorf("final flush: %w", err))
		}
		if err := sink.CloseAll(l.sinks); err != nil {
			errs = append(errs, err)
		}
		l.destroyErr = errors.Join(errs...)
	})
	return l.destroyErr
}

func (l *Logger) teardown(td Teardowner) {
	defer func() {
		if r := recover(); r != nil {
			l.diag.Error("integration teardown panicked",
				zap.String("integration", fmt.Sprintf("%T", td)),
				zap.Any("panic", r),
			)
		}
	}()
	td.Teardown()
}
