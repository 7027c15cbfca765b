package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

// TraceLevel sits below zap's Debug level.
const TraceLevel zapcore.Level = -2

// ParseLevel accepts "trace" in addition to zap's level names.
func ParseLevel(s string) (zapcore.Level, error) {
	if strings.EqualFold(strings.TrimSpace(s), "trace") {
		return TraceLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}

// LevelName renders TraceLevel as "trace" and defers to zap otherwise.
func LevelName(l zapcore.Level) string {
	if l == TraceLevel {
		return "trace"
	}
	return l.String()
}

func levelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(LevelName(l))
}
