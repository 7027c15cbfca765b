// Package otelsink emits events as OpenTelemetry log records.
package otelsink

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fyrsmithlabs/traceway/internal/event"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
)

// ScopeName is the instrumentation scope records are emitted under.
const ScopeName = "github.com/fyrsmithlabs/traceway/sink"

// Sink emits one record per event. It never fails; export errors are
// handled by the provider's processors.
type Sink struct {
	logger log.Logger
}

// New emits through provider. A nil provider selects the global one.
func New(provider log.LoggerProvider) *Sink {
	if provider == nil {
		provider = global.GetLoggerProvider()
	}
	return &Sink{logger: provider.Logger(ScopeName)}
}

// Name implements sink.Named.
func (s *Sink) Name() string { return "otel" }

// Send emits the batch.
func (s *Sink) Send(ctx context.Context, batch []event.Event) error {
	for _, ev := range batch {
		s.logger.Emit(ctx, Record(ev))
	}
	return nil
}

// Record converts an event.
func Record(ev event.Event) log.Record {
	var r log.Record
	r.SetTimestamp(ev.Timestamp)
	r.SetObservedTimestamp(time.Now())
	r.SetSeverity(Severity(ev.Level))
	r.SetSeverityText(ev.Level.String())
	body := ev.Name
	if ev.Message != "" {
		body += ": " + ev.Message
	}
	r.SetBody(log.StringValue(body))

	attrs := []log.KeyValue{log.String("event.name", ev.Name)}
	for _, kv := range []struct{ k, v string }{
		{"traceway.trace_id", ev.TraceID},
		{"session.id", ev.SessionID},
		{"service.name", ev.App},
		{"deployment.environment", ev.Env},
		{"service.version", ev.Release},
		{"url.full", ev.URL},
		{"user.id", ev.User.ID()},
	} {
		if kv.v != "" {
			attrs = append(attrs, log.String(kv.k, kv.v))
		}
	}
	if len(ev.Data) > 0 {
		attrs = append(attrs, log.Map("data", keyValues(ev.Data)...))
	}
	if len(ev.Breadcrumbs) > 0 {
		attrs = append(attrs, log.Int("breadcrumbs", len(ev.Breadcrumbs)))
	}
	r.AddAttributes(attrs...)
	return r
}

// Severity maps an event level onto the OpenTelemetry severity scale.
func Severity(l event.Level) log.Severity {
	switch l {
	case event.LevelDebug:
		return log.SeverityDebug
	case event.LevelWarn:
		return log.SeverityWarn
	case event.LevelError:
		return log.SeverityError
	default:
		return log.SeverityInfo
	}
}

func keyValues(m map[string]any) []log.KeyValue {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	kvs := make([]log.KeyValue, 0, len(m))
	for _, k := range keys {
		kvs = append(kvs, log.KeyValue{Key: k, Value: value(m[k])})
	}
	return kvs
}

func value(v any) log.Value {
	switch x := v.(type) {
	case nil:
		return log.Value{}
	case string:
		return log.StringValue(x)
	case bool:
		return log.BoolValue(x)
	case int:
		return log.IntValue(x)
	case int64:
		return log.Int64Value(x)
	case float64:
		return log.Float64Value(x)
	case []byte:
		return log.BytesValue(x)
	case map[string]any:
		return log.MapValue(keyValues(x)...)
	case []any:
		vals := make([]log.Value, len(x))
		for i, e := range x {
			vals[i] = value(e)
		}
		return log.SliceValue(vals...)
	default:
		return log.StringValue(fmt.Sprint(x))
	}
}
