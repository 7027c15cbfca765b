package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/log/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newBufferLogger(t *testing.T, mutate func(*Config)) (*Logger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	cfg := NewDefaultConfig()
	cfg.Output.Writer = buf
	cfg.Sampling.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}
	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)
	return logger, buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestNewLogger(t *testing.T) {
	logger, buf := newBufferLogger(t, nil)

	logger.Info(context.Background(), "batch delivered", zap.Int("events", 3))
	require.NoError(t, logger.Sync())

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "batch delivered", lines[0]["msg"])
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "traceway", lines[0]["service"])
	assert.EqualValues(t, 3, lines[0]["events"])
	assert.Contains(t, lines[0], "ts")
	assert.Contains(t, lines[0], "caller")
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad format", func(c *Config) { c.Format = "xml" }},
		{"no outputs", func(c *Config) { c.Output.Writer = nil; c.Output.OTEL = false }},
		{"zero tick", func(c *Config) { c.Sampling.Enabled = true; c.Sampling.Tick = 0 }},
		{"empty field key", func(c *Config) { c.Fields = map[string]string{"": "x"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			_, err := NewLogger(cfg, nil)
			assert.Error(t, err)
		})
	}
}

func TestNewLogger_OTELOnlyWithoutProvider(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.Writer = nil
	cfg.Output.OTEL = true

	_, err := NewLogger(cfg, nil)
	assert.ErrorContains(t, err, "at least one output")

	logger, err := NewLogger(cfg, noop.NewLoggerProvider())
	require.NoError(t, err)
	logger.Info(context.Background(), "bridged")
}

func TestLogger_LevelMethods(t *testing.T) {
	tl := NewTestLogger()
	ctx := context.Background()

	tests := []struct {
		name  string
		log   func()
		level zapcore.Level
	}{
		{"debug", func() { tl.Debug(ctx, "debug message") }, zapcore.DebugLevel},
		{"info", func() { tl.Info(ctx, "info message") }, zapcore.InfoLevel},
		{"warn", func() { tl.Warn(ctx, "warn message") }, zapcore.WarnLevel},
		{"error", func() { tl.Error(ctx, "error message") }, zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl.Reset()
			tt.log()
			tl.AssertLogged(t, tt.level, tt.name+" message")
		})
	}
}

func TestLogger_LevelThreshold(t *testing.T) {
	logger, buf := newBufferLogger(t, func(c *Config) { c.Level = zapcore.WarnLevel })
	ctx := context.Background()

	logger.Info(ctx, "dropped")
	logger.Warn(ctx, "kept")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "kept", lines[0]["msg"])
	assert.False(t, logger.Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Enabled(zapcore.ErrorLevel))
}

func TestLogger_TraceLevelName(t *testing.T) {
	logger, buf := newBufferLogger(t, func(c *Config) { c.Level = TraceLevel })
	logger.Underlying().Log(TraceLevel, "deep")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "trace", lines[0]["level"])
}

func TestLogger_WithAndNamed(t *testing.T) {
	tl := NewTestLogger()
	child := tl.Named("queue").With(zap.String("sink", "nats"))
	child.Info(context.Background(), "flushed")

	entries := tl.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "queue", entries[0].LoggerName)
	assert.Equal(t, "nats", entries[0].ContextMap()["sink"])
}

func TestLogger_Underlying(t *testing.T) {
	tl := NewTestLogger()
	tl.Underlying().Warn("raw zap")
	tl.AssertLogged(t, zapcore.WarnLevel, "raw zap")
}

func TestFromDiagnostics(t *testing.T) {
	cfg := FromDiagnostics(diagnostics("debug", "console", true))
	assert.Equal(t, zapcore.DebugLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)
	assert.True(t, cfg.Output.OTEL)
	assert.NotNil(t, cfg.Redactor)

	fallback := FromDiagnostics(diagnostics("loud", "", false))
	assert.Equal(t, zapcore.InfoLevel, fallback.Level)
	assert.Equal(t, "json", fallback.Format)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"trace", TraceLevel, false},
		{"TRACE", TraceLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{" Warn ", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"verbose", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, "trace", LevelName(TraceLevel))
	assert.Equal(t, "warn", LevelName(zapcore.WarnLevel))
}
