// Package console writes events to a zap logger, one entry per event.
package console

import (
	"context"
	"os"
	"strings"

	"github.com/fyrsmithlabs/traceway/internal/event"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Sink logs every event at its own level. It never fails.
type Sink struct {
	logger *zap.Logger
}

// New returns a console sink writing to logger. A nil logger selects a
// human-readable encoder on stdout that admits every level.
func New(logger *zap.Logger) *Sink {
	if logger == nil {
		logger = stdoutLogger()
	}
	return &Sink{logger: logger}
}

func stdoutLogger() *zap.Logger {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stdout), zapcore.DebugLevel)
	return zap.New(core)
}

// Name implements sink.Named.
func (s *Sink) Name() string { return "console" }

// Send writes each event as "[LEVEL] name: msg" followed by its data and
// correlation fields.
func (s *Sink) Send(_ context.Context, batch []event.Event) error {
	for _, ev := range batch {
		if ce := s.logger.Check(ev.Level.ZapLevel(), Message(ev)); ce != nil {
			ce.Write(Fields(ev)...)
		}
	}
	return nil
}

// Sync flushes the underlying logger.
func (s *Sink) Sync() error {
	return s.logger.Sync()
}

// Message renders the headline of an event.
func Message(ev event.Event) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(strings.ToUpper(ev.Level.String()))
	b.WriteString("] ")
	b.WriteString(ev.Name)
	if ev.Message != "" {
		b.WriteString(": ")
		b.WriteString(ev.Message)
	}
	return b.String()
}

// Fields returns the event data followed by the correlation fields. Data
// keys that collide with a correlation field are overwritten by it.
func Fields(ev event.Event) []zap.Field {
	fields := make([]zap.Field, 0, len(ev.Data)+6)
	for k, v := range ev.Data {
		switch k {
		case "timestamp", "url", "user", "sessionId", "traceId", "breadcrumbs":
			continue
		}
		fields = append(fields, zap.Any(k, v))
	}
	fields = append(fields,
		zap.Time("timestamp", ev.Timestamp),
		zap.String("url", ev.URL),
		zap.Any("user", ev.User),
		zap.String("sessionId", ev.SessionID),
		zap.String("traceId", ev.TraceID),
	)
	if len(ev.Breadcrumbs) > 0 {
		fields = append(fields, zap.Any("breadcrumbs", ev.Breadcrumbs))
	}
	return fields
}
