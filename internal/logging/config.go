package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fyrsmithlabs/traceway/internal/config"
	"github.com/fyrsmithlabs/traceway/internal/redact"
	"go.uber.org/zap/zapcore"
)

// Config holds logger configuration.
type Config struct {
	Level    zapcore.Level
	Format   string
	Output   OutputConfig
	Sampling SamplingConfig
	Caller   bool
	Fields   map[string]string

	// Redactor scrubs field keys and values before encoding. Nil disables
	// redaction.
	Redactor *redact.Redactor
}

// OutputConfig controls where logs are written.
type OutputConfig struct {
	// Writer receives encoded entries. Nil disables the local output.
	Writer io.Writer
	OTEL   bool
}

// SamplingConfig controls log volume below Error.
type SamplingConfig struct {
	Enabled    bool
	Tick       config.Duration
	Initial    int
	Thereafter int
}

// NewDefaultConfig returns JSON output on stderr with redaction and
// sampling enabled.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Output: OutputConfig{Writer: os.Stderr},
		Sampling: SamplingConfig{
			Enabled:    true,
			Tick:       config.Duration(time.Second),
			Initial:    100,
			Thereafter: 10,
		},
		Caller:   true,
		Fields:   map[string]string{"service": config.DefaultServiceName},
		Redactor: redact.Default(),
	}
}

// FromDiagnostics maps the diagnostics section of the traceway config onto
// a logger config. Unknown levels fall back to Info.
func FromDiagnostics(d config.DiagnosticsConfig) *Config {
	cfg := NewDefaultConfig()
	if lvl, err := ParseLevel(d.Level); err == nil {
		cfg.Level = lvl
	}
	if d.Format != "" {
		cfg.Format = d.Format
	}
	cfg.Output.OTEL = d.OTEL
	return cfg
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	if c.Output.Writer == nil && !c.Output.OTEL {
		return errors.New("at least one output must be enabled (writer or otel)")
	}
	if c.Sampling.Enabled {
		if c.Sampling.Tick.Duration() <= 0 {
			return errors.New("sampling tick must be > 0 when sampling enabled")
		}
		if c.Sampling.Initial < 0 || c.Sampling.Thereafter < 0 {
			return errors.New("sampling initial and thereafter must be >= 0")
		}
	}
	for k, v := range c.Fields {
		if k == "" {
			return errors.New("field key cannot be empty")
		}
		if v == "" {
			return fmt.Errorf("field %q has empty value", k)
		}
	}
	return nil
}
