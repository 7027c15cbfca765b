// Package traceway is a client-side event logger.
//
// Leveled log calls become enriched events that are filtered, sampled,
// redacted and queued by priority. The queue flushes batches to every
// registered sink on a schedule, immediately after errors, and
// synchronously on teardown.
//
//	logger := traceway.New(traceway.Options{
//	    App:   "checkout",
//	    Sinks: []traceway.Sink{httpsink.New(cfg)},
//	})
//	defer logger.Destroy(context.Background())
//
//	logger.Error("payment_failed", "card declined", map[string]any{"order": id})
package traceway

import (
	"github.com/fyrsmithlabs/traceway/internal/event"
	"github.com/fyrsmithlabs/traceway/internal/pipeline"
	"github.com/fyrsmithlabs/traceway/internal/redact"
	"github.com/fyrsmithlabs/traceway/internal/sink"
)

type (
	// Level is an event severity.
	Level = event.Level

	// Event is one structured log record as delivered to sinks.
	Event = event.Event

	// User is the user snapshot stamped on events.
	User = event.User

	// Context holds the app, env and release fields stamped on events.
	Context = event.Context

	// Environment describes where the process runs.
	Environment = event.Environment

	// Breadcrumb is one entry of the breadcrumb trail.
	Breadcrumb = event.Breadcrumb

	// BreadcrumbType classifies a breadcrumb.
	BreadcrumbType = event.BreadcrumbType

	// Sink receives flushed batches.
	Sink = sink.Sink

	// SinkFunc adapts a function to Sink.
	SinkFunc = sink.Func

	// Result reports what happened to one log call.
	Result = pipeline.Result

	// DropReason explains why an event was not queued.
	DropReason = pipeline.DropReason

	// ValueMatcher flags string values that must be redacted.
	ValueMatcher = redact.ValueMatcher
)

const (
	LevelDebug = event.LevelDebug
	LevelInfo  = event.LevelInfo
	LevelWarn  = event.LevelWarn
	LevelError = event.LevelError
)

const (
	BreadcrumbUI     = event.BreadcrumbUI
	BreadcrumbNav    = event.BreadcrumbNav
	BreadcrumbHTTP   = event.BreadcrumbHTTP
	BreadcrumbLog    = event.BreadcrumbLog
	BreadcrumbCustom = event.BreadcrumbCustom
)

// ParseLevel parses a level name such as "warn" or "warning".
func ParseLevel(s string) (Level, error) {
	return event.ParseLevel(s)
}
