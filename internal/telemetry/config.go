// Package telemetry exports traceway's own traces and metrics over OTLP.
package telemetry

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fyrsmithlabs/traceway/internal/config"
)

// Supported OTLP protocols.
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	Endpoint       string
	Protocol       string
	ServiceName    string
	ServiceVersion string
	Insecure       bool
	SampleRate     float64
	ExportInterval config.Duration
	ShutdownAfter  config.Duration
}

// NewDefaultConfig returns disabled telemetry pointed at a local collector.
func NewDefaultConfig() *Config {
	return &Config{
		Endpoint:       config.DefaultOTLPEndpoint,
		Protocol:       ProtocolGRPC,
		ServiceName:    config.DefaultServiceName,
		ServiceVersion: "dev",
		Insecure:       true,
		SampleRate:     1.0,
		ExportInterval: config.Duration(15 * time.Second),
		ShutdownAfter:  config.Duration(5 * time.Second),
	}
}

// FromConfig maps the telemetry section of the traceway config.
func FromConfig(t config.TelemetryConfig, version string) *Config {
	cfg := NewDefaultConfig()
	cfg.Enabled = t.Enabled
	cfg.Insecure = t.Insecure
	cfg.SampleRate = t.SampleRate
	if t.Endpoint != "" {
		cfg.Endpoint = t.Endpoint
	}
	if t.Protocol != "" {
		cfg.Protocol = t.Protocol
	}
	if t.ServiceName != "" {
		cfg.ServiceName = t.ServiceName
	}
	if version != "" {
		cfg.ServiceVersion = version
	}
	return cfg
}

// Validate checks configuration for errors. Disabled configs are always
// valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return errors.New("endpoint is required when telemetry is enabled")
	}
	if c.ServiceName == "" {
		return errors.New("service_name is required when telemetry is enabled")
	}
	if c.Protocol != ProtocolGRPC && c.Protocol != ProtocolHTTP {
		return fmt.Errorf("protocol must be %q or %q, got %q", ProtocolGRPC, ProtocolHTTP, c.Protocol)
	}
	if c.Insecure && !isLocalEndpoint(c.Endpoint) {
		return errors.New("insecure connections to remote endpoints are not allowed; set insecure=false or use a local endpoint")
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample_rate must be between 0 and 1, got %f", c.SampleRate)
	}
	if c.ExportInterval.Duration() <= 0 {
		return errors.New("export interval must be positive")
	}
	if c.ShutdownAfter.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	return nil
}

func isLocalEndpoint(endpoint string) bool {
	host := stripScheme(endpoint)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// stripScheme removes http:// or https://; the OTLP HTTP exporters want
// host:port.
func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimPrefix(endpoint, "http://")
}
