package traceway

import (
	"math"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/traceway/internal/breadcrumb"
	"github.com/fyrsmithlabs/traceway/internal/event"
	"github.com/fyrsmithlabs/traceway/internal/metrics"
	"github.com/fyrsmithlabs/traceway/internal/queue"
)

// Defaults applied by New to unset options.
const (
	DefaultLevel          = "info"
	DefaultSampleRate     = 1.0
	DefaultFlushInterval  = queue.DefaultFlushInterval
	DefaultMaxBatchSize   = queue.DefaultMaxBatchSize
	DefaultMaxQueueSize   = queue.DefaultMaxQueueSize
	DefaultErrorDebounce  = queue.DefaultErrorDebounce
	DefaultMaxBreadcrumbs = breadcrumb.DefaultCapacity
)

// Options configures a Logger. The zero value is usable: every unset field
// takes its default and invalid values are coerced to defaults.
type Options struct {
	// Level is the minimum level name. Unknown names become "info".
	Level string

	// SampleRate is the keep probability for non-error events and
	// ErrorSampleRate the one for errors. Nil selects 1.0; values outside
	// [0,1] are coerced to 1.0.
	SampleRate      *float64
	ErrorSampleRate *float64

	FlushInterval  time.Duration
	MaxBatchSize   int
	MaxQueueSize   int
	ErrorDebounce  time.Duration
	MaxBreadcrumbs int

	// RedactKeys and RedactPatterns replace the built-in redaction rules.
	// Nil keeps the built-ins; an empty non-nil list disables that rule set.
	RedactKeys     []string
	RedactPatterns []string
	ValueMatchers  []ValueMatcher

	// BeforeSend sees every event that survived filtering and redaction.
	// Returning false discards the event.
	BeforeSend func(Event) (Event, bool)

	// Sinks receive flushed batches. Nil selects a console sink.
	Sinks []Sink

	// Integrations are set up by New and torn down by Destroy, in order.
	Integrations []Integration

	App     string
	Env     string
	Release string

	// SessionID overrides the random session identifier.
	SessionID string

	// Environment supplies the ambient fields of every event. Nil selects
	// DefaultEnvironment.
	Environment func() Environment

	// Logger receives traceway's own diagnostics. Nil discards them.
	Logger *zap.Logger

	// Metrics enables Prometheus counters for the pipeline and queue.
	Metrics *metrics.Metrics

	// Tracer records a span per flush.
	Tracer trace.Tracer

	// Rand drives sampling decisions. Nil uses the process-wide source.
	Rand rand.Source
}

// Rate returns a pointer to r for the sample rate options.
func Rate(r float64) *float64 {
	return &r
}

// normalize returns o with defaults applied and the names of the fields
// whose values had to be coerced.
func (o Options) normalize() (Options, []string) {
	var coerced []string
	fix := func(field string, bad bool, apply func()) {
		if bad {
			coerced = append(coerced, field)
			apply()
		}
	}

	if o.Level == "" {
		o.Level = DefaultLevel
	} else if _, err := event.ParseLevel(o.Level); err != nil {
		fix("Level", true, func() { o.Level = DefaultLevel })
	}

	o.SampleRate = normalizeRate(o.SampleRate, "SampleRate", fix)
	o.ErrorSampleRate = normalizeRate(o.ErrorSampleRate, "ErrorSampleRate", fix)

	fix("FlushInterval", o.FlushInterval < 0, func() { o.FlushInterval = 0 })
	if o.FlushInterval == 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	fix("MaxBatchSize", o.MaxBatchSize < 0, func() { o.MaxBatchSize = 0 })
	if o.MaxBatchSize == 0 {
		o.MaxBatchSize = DefaultMaxBatchSize
	}
	fix("MaxQueueSize", o.MaxQueueSize < 0, func() { o.MaxQueueSize = 0 })
	if o.MaxQueueSize == 0 {
		o.MaxQueueSize = DefaultMaxQueueSize
	}
	fix("ErrorDebounce", o.ErrorDebounce < 0, func() { o.ErrorDebounce = 0 })
	if o.ErrorDebounce == 0 {
		o.ErrorDebounce = DefaultErrorDebounce
	}
	fix("MaxBreadcrumbs", o.MaxBreadcrumbs < 0, func() { o.MaxBreadcrumbs = 0 })
	if o.MaxBreadcrumbs == 0 {
		o.MaxBreadcrumbs = DefaultMaxBreadcrumbs
	}

	if o.Environment == nil {
		o.Environment = DefaultEnvironment
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o, coerced
}

func normalizeRate(r *float64, field string, fix func(string, bool, func())) *float64 {
	if r == nil {
		return Rate(DefaultSampleRate)
	}
	v := *r
	bad := math.IsNaN(v) || v < 0 || v > 1
	fix(field, bad, func() { v = DefaultSampleRate })
	return Rate(v)
}
