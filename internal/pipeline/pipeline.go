// Package pipeline turns log calls into canonical events and decides their
// fate: level filter, sampling, breadcrumb attachment, redaction, the
// BeforeSend hook and finally the queue.
package pipeline

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/traceway/internal/breadcrumb"
	"github.com/fyrsmithlabs/traceway/internal/event"
	"github.com/fyrsmithlabs/traceway/internal/logging"
	"github.com/fyrsmithlabs/traceway/internal/metrics"
	"github.com/fyrsmithlabs/traceway/internal/queue"
	"github.com/fyrsmithlabs/traceway/internal/redact"
	"github.com/fyrsmithlabs/traceway/internal/sample"
	"github.com/fyrsmithlabs/traceway/internal/serialize"
)

// DropReason explains why an event was not enqueued.
type DropReason string

const (
	ReasonNone     DropReason = ""
	ReasonLevel    DropReason = "level"
	ReasonSampled  DropReason = "sampled"
	ReasonVetoed   DropReason = "vetoed"
	ReasonOverflow DropReason = "overflow"
	ReasonClosed   DropReason = "closed"
	ReasonInternal DropReason = "internal"
)

// Result reports the outcome of Process.
type Result struct {
	Delivered bool
	Reason    DropReason
}

// BeforeSendFunc may rewrite an event or veto it by returning false.
type BeforeSendFunc func(event.Event) (event.Event, bool)

// EnvironmentFunc supplies the ambient descriptors stamped on every event.
type EnvironmentFunc func() event.Environment

// Enqueuer accepts finished events. *queue.Queue satisfies it.
type Enqueuer interface {
	Enqueue(event.Event) error
}

// Config holds the processing rules.
type Config struct {
	Level           event.Level
	SampleRate      float64
	ErrorSampleRate float64
	BeforeSend      BeforeSendFunc
	Environment     EnvironmentFunc
	SessionID       string
	Context         event.Context
	Serialize       serialize.Options
}

// Option configures a Processor.
type Option func(*Processor)

// WithRedactor replaces the default redaction rules.
func WithRedactor(r *redact.Redactor) Option {
	return func(p *Processor) { p.redactor = r }
}

// WithBreadcrumbs attaches the store consulted for warn and error events.
func WithBreadcrumbs(s *breadcrumb.Store) Option {
	return func(p *Processor) { p.crumbs = s }
}

// WithSampler injects the random source used for sampling.
func WithSampler(s *sample.Sampler) Option {
	return func(p *Processor) {
		if s != nil {
			p.sampler = s
		}
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics enables outcome counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// WithTraceIDs overrides trace id generation.
func WithTraceIDs(gen func() string) Option {
	return func(p *Processor) {
		if gen != nil {
			p.traceID = gen
		}
	}
}

// Processor builds and routes events. Safe for concurrent use.
type Processor struct {
	cfg      Config
	queue    Enqueuer
	redactor *redact.Redactor
	crumbs   *breadcrumb.Store
	sampler  *sample.Sampler
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	traceID  func() string

	mu        sync.RWMutex
	user      event.User
	ctx       event.Context
	sessionID string
}

// New creates a processor feeding q.
func New(cfg Config, q Enqueuer, opts ...Option) *Processor {
	p := &Processor{
		cfg:       cfg,
		queue:     q,
		redactor:  redact.Default(),
		sampler:   sample.New(),
		logger:    zap.NewNop(),
		now:       time.Now,
		traceID:   NewTraceID,
		ctx:       cfg.Context,
		sessionID: cfg.SessionID,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.sessionID == "" {
		p.sessionID = NewSessionID()
	}
	return p
}

// NewSessionID returns a random session identifier.
func NewSessionID() string {
	return uuid.New().String()
}

// NewTraceID returns a lexicographically sortable unique event identifier.
func NewTraceID() string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return uuid.New().String()
	}
	return strings.ToLower(id.String())
}

// SessionID returns the identifier stamped on every event.
func (p *Processor) SessionID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessionID
}

// SetUser replaces the user snapshot with a serialized copy of u; nil
// clears it.
func (p *Processor) SetUser(u event.User) {
	user := event.User(serialize.Map(u, p.cfg.Serialize))
	p.mu.Lock()
	defer p.mu.Unlock()
	p.user = user
}

// User returns a copy of the current user snapshot.
func (p *Processor) User() event.User {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return maps.Clone(p.user)
}

// SetContext merges the non-empty fields of c into the current context.
func (p *Processor) SetContext(c event.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ctx = p.ctx.Merge(c)
}

// Context returns the current context.
func (p *Processor) Context() event.Context {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ctx
}

// Process builds an event and runs it through the pipeline. It never
// panics; a recovered panic drops the event with ReasonInternal.
func (p *Processor) Process(level event.Level, name, message string, data map[string]any, crumbs []event.Breadcrumb) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("event processing panicked",
				zap.String("name", name),
				zap.Stringer("level", level),
				zap.Any("panic", r),
			)
			res = Result{Reason: ReasonInternal}
		}
		p.record(level, res)
	}()

	if !sample.MeetsMinimum(level, p.cfg.Level) {
		return Result{Reason: ReasonLevel}
	}
	if !p.sampler.ShouldSample(level, p.cfg.SampleRate, p.cfg.ErrorSampleRate) {
		return Result{Reason: ReasonSampled}
	}

	ev := p.build(level, name, message, data)

	switch {
	case len(crumbs) > 0:
		ev.Breadcrumbs = cloneCrumbs(crumbs)
	case ev.Level >= event.LevelWarn && p.crumbs != nil:
		ev.Breadcrumbs = p.crumbs.Snapshot()
	}

	ev = p.redactor.RedactEvent(ev)

	if p.cfg.BeforeSend != nil {
		var keep bool
		ev, keep = p.cfg.BeforeSend(ev)
		if !keep {
			return Result{Reason: ReasonVetoed}
		}
	}

	if err := p.queue.Enqueue(ev); err != nil {
		res = Result{Reason: enqueueReason(err)}
		p.logger.Debug("event dropped", append(eventFields(ev), zap.String("reason", string(res.Reason)))...)
		return res
	}
	if ce := p.logger.Check(logging.TraceLevel, "event enqueued"); ce != nil {
		ce.Write(eventFields(ev)...)
	}
	return Result{Delivered: true}
}

// eventFields correlates a diagnostics entry with the event it concerns.
func eventFields(ev event.Event) []zap.Field {
	ctx := logging.WithSessionID(context.Background(), ev.SessionID)
	ctx = logging.WithEventTraceID(ctx, ev.TraceID)
	return append(logging.ContextFields(ctx),
		zap.String("name", ev.Name),
		zap.Stringer("level", ev.Level),
	)
}

func (p *Processor) build(level event.Level, name, message string, data map[string]any) event.Event {
	p.mu.RLock()
	user := maps.Clone(p.user)
	ctx := p.ctx
	session := p.sessionID
	p.mu.RUnlock()

	ev := event.Event{
		Timestamp: p.now(),
		Level:     level,
		Name:      name,
		Message:   message,
		Data:      serialize.Map(data, p.cfg.Serialize),
		App:       ctx.App,
		Env:       ctx.Env,
		Release:   ctx.Release,
		SessionID: session,
		User:      user,
		TraceID:   p.traceID(),
	}
	if p.cfg.Environment != nil {
		env := p.cfg.Environment()
		ev.URL = env.URL
		ev.Referrer = env.Referrer
		ev.UserAgent = env.UserAgent
		ev.Language = env.Language
		ev.Timezone = env.Timezone
	}
	return ev
}

func (p *Processor) record(level event.Level, res Result) {
	outcome := metrics.OutcomeEnqueued
	if !res.Delivered {
		outcome = string(res.Reason)
	}
	p.metrics.RecordEvent(level.String(), outcome)
}

func enqueueReason(err error) DropReason {
	switch {
	case errors.Is(err, queue.ErrOverflow):
		return ReasonOverflow
	case errors.Is(err, queue.ErrClosed):
		return ReasonClosed
	}
	return ReasonInternal
}

func cloneCrumbs(in []event.Breadcrumb) []event.Breadcrumb {
	out := make([]event.Breadcrumb, len(in))
	for i, b := range in {
		b.Data = serialize.Map(b.Data, serialize.Options{})
		out[i] = b
	}
	return out
}

// String implements fmt.Stringer.
func (r Result) String() string {
	if r.Delivered {
		return "delivered"
	}
	return fmt.Sprintf("dropped(%s)", r.Reason)
}
