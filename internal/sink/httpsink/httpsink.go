// Package httpsink posts event batches to an HTTP collector.
package httpsink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fyrsmithlabs/traceway/internal/config"
	"github.com/fyrsmithlabs/traceway/internal/event"
	"github.com/fyrsmithlabs/traceway/internal/logging"
	"github.com/fyrsmithlabs/traceway/internal/sink"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrNoURL is returned by New when no endpoint is configured.
var ErrNoURL = errors.New("httpsink: url is required")

// ErrPartialDelivery reports that a retry delivered the error events of a
// failed batch but the rest of the batch was lost.
var ErrPartialDelivery = errors.New("httpsink: only error events delivered after retry")

// StatusError is returned when the collector answers with a non-2xx status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("httpsink: unexpected status %d %s", e.Code, http.StatusText(e.Code))
}

// Config configures the sink.
type Config struct {
	URL     string
	Token   config.Secret
	Headers map[string]string
	Timeout time.Duration

	// RateLimit is requests per second; zero or less disables limiting.
	RateLimit float64
	Burst     int

	// RetryDelay is how long to wait before resending the error events of
	// a failed batch. Retries happen at most once per Send.
	RetryDelay   time.Duration
	DisableRetry bool
}

// FromConfig maps the http sink section of the traceway config.
func FromConfig(c config.HTTPSinkConfig) Config {
	return Config{
		URL:        c.URL,
		Token:      c.Token,
		Timeout:    c.Timeout.Duration(),
		RateLimit:  c.RateLimit,
		Burst:      c.Burst,
		RetryDelay: c.RetryDelay.Duration(),
	}
}

// Option configures a Sink.
type Option func(*Sink)

// WithClient replaces the HTTP client.
func WithClient(c *http.Client) Option {
	return func(s *Sink) {
		if c != nil {
			s.client = c
		}
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sink) {
		if l != nil {
			s.logger = l.Named("sink.http")
		}
	}
}

// Sink posts JSON batches. Safe for concurrent use.
type Sink struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New validates cfg and builds a sink.
func New(cfg Config, opts ...Option) (*Sink, error) {
	if cfg.URL == "" {
		return nil, ErrNoURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.DefaultHTTPTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = config.DefaultRetryDelay
	}

	s := &Sink{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: zap.NewNop(),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(s)
	}

	s.logger.Debug("http sink configured",
		zap.String("url", endpoint(cfg.URL)),
		logging.Secret("token", cfg.Token),
		zap.Float64("rate_limit", cfg.RateLimit),
		zap.Duration("timeout", cfg.Timeout),
	)
	return s, nil
}

// endpoint renders raw with any userinfo password masked.
func endpoint(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	return u.Redacted()
}

// Name implements sink.Named.
func (s *Sink) Name() string { return "http" }

// Send posts the batch. When the post fails, the batch's error events are
// posted once more after RetryDelay.
func (s *Sink) Send(ctx context.Context, batch []event.Event) error {
	if len(batch) == 0 {
		return nil
	}
	err := s.post(ctx, batch)
	if err == nil || s.cfg.DisableRetry {
		return err
	}

	errs := errorEvents(batch)
	if len(errs) == 0 {
		return err
	}

	s.logger.Debug("retrying error events",
		zap.Int("events", len(errs)),
		zap.Duration("delay", s.cfg.RetryDelay),
		zap.Error(err),
	)

	timer := time.NewTimer(s.cfg.RetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	case <-timer.C:
	}

	if retryErr := s.post(ctx, errs); retryErr != nil {
		return errors.Join(err, fmt.Errorf("retry: %w", retryErr))
	}
	if len(errs) < len(batch) {
		return fmt.Errorf("%w (%d of %d events lost): %w", ErrPartialDelivery, len(batch)-len(errs), len(batch), err)
	}
	return nil
}

func (s *Sink) post(ctx context.Context, batch []event.Event) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("httpsink: rate limit: %w", err)
		}
	}

	body, err := sink.Encode(batch)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("httpsink: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}
	if s.cfg.Token.IsSet() {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token.Value())
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("httpsink: posting batch: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

func errorEvents(batch []event.Event) []event.Event {
	var out []event.Event
	for _, ev := range batch {
		if ev.Level == event.LevelError {
			out = append(out, ev)
		}
	}
	return out
}
