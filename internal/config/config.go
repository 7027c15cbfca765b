// Package config loads traceway configuration.
//
// Values come from a YAML file and are overridden by TRACEWAY_-prefixed
// environment variables. Invalid values are not fatal: Normalize coerces
// them to defaults and reports which keys were changed.
package config

import (
	"math"
	"time"

	"github.com/fyrsmithlabs/traceway/internal/event"
)

// Config is the complete traceway configuration.
type Config struct {
	Pipeline    PipelineConfig    `koanf:"pipeline"`
	Queue       QueueConfig       `koanf:"queue"`
	Breadcrumbs BreadcrumbsConfig `koanf:"breadcrumbs"`
	Redaction   RedactionConfig   `koanf:"redaction"`
	Sinks       SinksConfig       `koanf:"sinks"`
	Collector   CollectorConfig   `koanf:"collector"`
	Diagnostics DiagnosticsConfig `koanf:"diagnostics"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
}

// PipelineConfig controls filtering, sampling and the event context.
type PipelineConfig struct {
	Level           string  `koanf:"level"`
	SampleRate      float64 `koanf:"sample_rate"`
	ErrorSampleRate float64 `koanf:"error_sample_rate"`
	App             string  `koanf:"app"`
	Env             string  `koanf:"env"`
	Release         string  `koanf:"release"`
}

// QueueConfig sizes the buffer and the flush schedule.
type QueueConfig struct {
	FlushInterval Duration `koanf:"flush_interval"`
	MaxBatchSize  int      `koanf:"max_batch_size"`
	MaxQueueSize  int      `koanf:"max_queue_size"`
	ErrorDebounce Duration `koanf:"error_debounce"`
}

// BreadcrumbsConfig sizes the breadcrumb trail.
type BreadcrumbsConfig struct {
	Max int `koanf:"max"`
}

// RedactionConfig selects redaction rules. Nil lists keep the built-in
// rules; an explicit empty list disables that dimension.
type RedactionConfig struct {
	Keys          []string `koanf:"keys"`
	Patterns      []string `koanf:"patterns"`
	RulesFile     string   `koanf:"rules_file"`
	DetectSecrets bool     `koanf:"detect_secrets"`
}

// SinksConfig enables delivery destinations.
type SinksConfig struct {
	Console ConsoleSinkConfig `koanf:"console"`
	HTTP    HTTPSinkConfig    `koanf:"http"`
	NATS    NATSSinkConfig    `koanf:"nats"`
	MQTT    MQTTSinkConfig    `koanf:"mqtt"`
	Influx  InfluxSinkConfig  `koanf:"influx"`
	OTel    OTelSinkConfig    `koanf:"otel"`
}

// ConsoleSinkConfig writes events to the diagnostics logger output.
type ConsoleSinkConfig struct {
	Enabled bool `koanf:"enabled"`
}

// HTTPSinkConfig posts JSON batches to a collector.
type HTTPSinkConfig struct {
	Enabled    bool     `koanf:"enabled"`
	URL        string   `koanf:"url"`
	Token      Secret   `koanf:"token"`
	Timeout    Duration `koanf:"timeout"`
	RateLimit  float64  `koanf:"rate_limit"`
	Burst      int      `koanf:"burst"`
	RetryDelay Duration `koanf:"retry_delay"`
}

// NATSSinkConfig publishes batches on a NATS subject.
type NATSSinkConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// MQTTSinkConfig publishes batches to an MQTT broker.
type MQTTSinkConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Broker   string `koanf:"broker"`
	Topic    string `koanf:"topic"`
	ClientID string `koanf:"client_id"`
	QoS      int    `koanf:"qos"`
	Username string `koanf:"username"`
	Password Secret `koanf:"password"`
}

// InfluxSinkConfig writes events as InfluxDB points.
type InfluxSinkConfig struct {
	Enabled     bool   `koanf:"enabled"`
	URL         string `koanf:"url"`
	Token       Secret `koanf:"token"`
	Org         string `koanf:"org"`
	Bucket      string `koanf:"bucket"`
	Measurement string `koanf:"measurement"`
}

// OTelSinkConfig emits events as OpenTelemetry log records.
type OTelSinkConfig struct {
	Enabled bool `koanf:"enabled"`
}

// CollectorConfig configures the ingest server.
type CollectorConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	MaxBodyBytes    int64    `koanf:"max_body_bytes"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	ForwardNATS     bool     `koanf:"forward_nats"`
	RecentEvents    int      `koanf:"recent_events"`
}

// DiagnosticsConfig configures traceway's own zap logger.
type DiagnosticsConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig configures OTLP export of traces and metrics.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// Defaults.
const (
	DefaultLevel           = "info"
	DefaultSampleRate      = 1.0
	DefaultFlushInterval   = 5 * time.Second
	DefaultMaxBatchSize    = 30
	DefaultMaxQueueSize    = 500
	DefaultErrorDebounce   = 200 * time.Millisecond
	DefaultMaxBreadcrumbs  = 50
	DefaultHTTPTimeout     = 5 * time.Second
	DefaultHTTPRateLimit   = 10.0
	DefaultHTTPBurst       = 5
	DefaultRetryDelay      = 200 * time.Millisecond
	DefaultNATSURL         = "nats://127.0.0.1:4222"
	DefaultSubjectPrefix   = "traceway.events"
	DefaultMQTTTopic       = "traceway/events"
	DefaultMQTTClientID    = "traceway"
	DefaultMeasurement     = "traceway_event"
	DefaultCollectorPort   = 8787
	DefaultMaxBodyBytes    = 1 << 20
	DefaultShutdownTimeout = 10 * time.Second
	DefaultRecentEvents    = 100
	DefaultServiceName     = "traceway"
	DefaultOTLPEndpoint    = "localhost:4317"
)

// Default returns a configuration with every default applied and only the
// console sink enabled.
func Default() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			Level:           DefaultLevel,
			SampleRate:      DefaultSampleRate,
			ErrorSampleRate: DefaultSampleRate,
		},
		Queue: QueueConfig{
			FlushInterval: Duration(DefaultFlushInterval),
			MaxBatchSize:  DefaultMaxBatchSize,
			MaxQueueSize:  DefaultMaxQueueSize,
			ErrorDebounce: Duration(DefaultErrorDebounce),
		},
		Breadcrumbs: BreadcrumbsConfig{Max: DefaultMaxBreadcrumbs},
		Sinks: SinksConfig{
			Console: ConsoleSinkConfig{Enabled: true},
			HTTP: HTTPSinkConfig{
				Timeout:    Duration(DefaultHTTPTimeout),
				RateLimit:  DefaultHTTPRateLimit,
				Burst:      DefaultHTTPBurst,
				RetryDelay: Duration(DefaultRetryDelay),
			},
			NATS:   NATSSinkConfig{URL: DefaultNATSURL, SubjectPrefix: DefaultSubjectPrefix},
			MQTT:   MQTTSinkConfig{Topic: DefaultMQTTTopic, ClientID: DefaultMQTTClientID, QoS: 1},
			Influx: InfluxSinkConfig{Measurement: DefaultMeasurement},
		},
		Collector: CollectorConfig{
			Host:            "0.0.0.0",
			Port:            DefaultCollectorPort,
			MaxBodyBytes:    DefaultMaxBodyBytes,
			ShutdownTimeout: Duration(DefaultShutdownTimeout),
			RecentEvents:    DefaultRecentEvents,
		},
		Diagnostics: DiagnosticsConfig{Level: DefaultLevel, Format: "json"},
		Telemetry: TelemetryConfig{
			Endpoint:    DefaultOTLPEndpoint,
			Protocol:    "grpc",
			Insecure:    true,
			ServiceName: DefaultServiceName,
			SampleRate:  1.0,
		},
	}
}

// Normalize coerces invalid values to their defaults in place and returns
// the keys that were changed.
func (c *Config) Normalize() []string {
	var coerced []string
	fix := func(key string, invalid bool, apply func()) {
		if invalid {
			apply()
			coerced = append(coerced, key)
		}
	}

	if _, err := event.ParseLevel(c.Pipeline.Level); err != nil {
		fix("pipeline.level", true, func() { c.Pipeline.Level = DefaultLevel })
	}
	fix("pipeline.sample_rate", !validRate(c.Pipeline.SampleRate), func() { c.Pipeline.SampleRate = DefaultSampleRate })
	fix("pipeline.error_sample_rate", !validRate(c.Pipeline.ErrorSampleRate), func() { c.Pipeline.ErrorSampleRate = DefaultSampleRate })

	fix("queue.flush_interval", c.Queue.FlushInterval <= 0, func() { c.Queue.FlushInterval = Duration(DefaultFlushInterval) })
	fix("queue.max_batch_size", c.Queue.MaxBatchSize <= 0, func() { c.Queue.MaxBatchSize = DefaultMaxBatchSize })
	fix("queue.max_queue_size", c.Queue.MaxQueueSize <= 0, func() { c.Queue.MaxQueueSize = DefaultMaxQueueSize })
	fix("queue.error_debounce", c.Queue.ErrorDebounce <= 0, func() { c.Queue.ErrorDebounce = Duration(DefaultErrorDebounce) })
	fix("breadcrumbs.max", c.Breadcrumbs.Max <= 0, func() { c.Breadcrumbs.Max = DefaultMaxBreadcrumbs })

	h := &c.Sinks.HTTP
	fix("sinks.http.timeout", h.Timeout <= 0, func() { h.Timeout = Duration(DefaultHTTPTimeout) })
	fix("sinks.http.rate_limit", h.RateLimit <= 0 || math.IsNaN(h.RateLimit), func() { h.RateLimit = DefaultHTTPRateLimit })
	fix("sinks.http.burst", h.Burst <= 0, func() { h.Burst = DefaultHTTPBurst })
	fix("sinks.http.retry_delay", h.RetryDelay <= 0, func() { h.RetryDelay = Duration(DefaultRetryDelay) })

	n := &c.Sinks.NATS
	fix("sinks.nats.url", n.URL == "", func() { n.URL = DefaultNATSURL })
	fix("sinks.nats.subject_prefix", n.SubjectPrefix == "", func() { n.SubjectPrefix = DefaultSubjectPrefix })

	m := &c.Sinks.MQTT
	fix("sinks.mqtt.topic", m.Topic == "", func() { m.Topic = DefaultMQTTTopic })
	fix("sinks.mqtt.client_id", m.ClientID == "", func() { m.ClientID = DefaultMQTTClientID })
	fix("sinks.mqtt.qos", m.QoS < 0 || m.QoS > 2, func() { m.QoS = 1 })

	fix("sinks.influx.measurement", c.Sinks.Influx.Measurement == "", func() { c.Sinks.Influx.Measurement = DefaultMeasurement })

	col := &c.Collector
	fix("collector.http_port", col.Port < 1 || col.Port > 65535, func() { col.Port = DefaultCollectorPort })
	fix("collector.max_body_bytes", col.MaxBodyBytes <= 0, func() { col.MaxBodyBytes = DefaultMaxBodyBytes })
	fix("collector.shutdown_timeout", col.ShutdownTimeout <= 0, func() { col.ShutdownTimeout = Duration(DefaultShutdownTimeout) })
	fix("collector.recent_events", col.RecentEvents <= 0, func() { col.RecentEvents = DefaultRecentEvents })

	if _, err := event.ParseLevel(c.Diagnostics.Level); err != nil {
		fix("diagnostics.level", true, func() { c.Diagnostics.Level = DefaultLevel })
	}
	fix("diagnostics.format", c.Diagnostics.Format != "json" && c.Diagnostics.Format != "console", func() { c.Diagnostics.Format = "json" })

	tel := &c.Telemetry
	fix("telemetry.protocol", tel.Protocol != "grpc" && tel.Protocol != "http", func() { tel.Protocol = "grpc" })
	fix("telemetry.endpoint", tel.Endpoint == "", func() { tel.Endpoint = DefaultOTLPEndpoint })
	fix("telemetry.service_name", tel.ServiceName == "", func() { tel.ServiceName = DefaultServiceName })
	fix("telemetry.sample_rate", !validRate(tel.SampleRate), func() { tel.SampleRate = 1.0 })

	return coerced
}

func validRate(r float64) bool {
	return !math.IsNaN(r) && r >= 0 && r <= 1
}

// Level returns the parsed pipeline level.
func (c *Config) Level() event.Level {
	level, _ := event.ParseLevel(c.Pipeline.Level)
	return level
}

// Context returns the configured app, env and release.
func (c *Config) Context() event.Context {
	return event.Context{App: c.Pipeline.App, Env: c.Pipeline.Env, Release: c.Pipeline.Release}
}
