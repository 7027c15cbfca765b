// Package natssink publishes event batches on NATS subjects.
package natssink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/traceway/internal/config"
	"github.com/fyrsmithlabs/traceway/internal/event"
	"github.com/fyrsmithlabs/traceway/internal/sink"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ErrNoConn is returned by New when the connection is nil.
var ErrNoConn = errors.New("natssink: nil connection")

// flushTimeout bounds the server round trip when ctx has no deadline.
const flushTimeout = 5 * time.Second

// Subject returns the subject a batch is published on:
// "<prefix>.<highest level in batch>".
func Subject(prefix string, batch []event.Event) string {
	return prefix + "." + event.HighestLevel(batch).String()
}

// Wildcard returns the subject matching every level under prefix.
func Wildcard(prefix string) string {
	return prefix + ".*"
}

// Sink publishes JSON batches.
type Sink struct {
	nc     *nats.Conn
	prefix string
	owned  bool
	logger *zap.Logger
}

// New publishes on an existing connection. The caller keeps ownership of
// nc and Close leaves it open.
func New(nc *nats.Conn, prefix string, logger *zap.Logger) (*Sink, error) {
	if nc == nil {
		return nil, ErrNoConn
	}
	if prefix == "" {
		prefix = config.DefaultSubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{nc: nc, prefix: prefix, logger: logger.Named("sink.nats")}, nil
}

// Dial connects to url and returns a sink that owns the connection.
func Dial(c config.NATSSinkConfig, logger *zap.Logger) (*Sink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := logger.Named("sink.nats")
	nc, err := nats.Connect(c.URL,
		nats.Name("traceway"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			l.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", c.URL, err)
	}
	s, err := New(nc, c.SubjectPrefix, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// Name implements sink.Named.
func (s *Sink) Name() string { return "nats" }

// Send publishes the batch as one message.
func (s *Sink) Send(ctx context.Context, batch []event.Event) error {
	if len(batch) == 0 {
		return nil
	}
	data, err := sink.Encode(batch)
	if err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	subject := Subject(s.prefix, batch)
	if err := s.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("natssink: publishing to %s: %w", subject, err)
	}
	if err := s.nc.FlushWithContext(ctx); err != nil && !errors.Is(err, nats.ErrConnectionReconnecting) {
		return fmt.Errorf("natssink: flushing: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes an owned connection.
func (s *Sink) Close() error {
	if !s.owned {
		return nil
	}
	err := s.nc.Drain()
	if err != nil {
		s.nc.Close()
	}
	return err
}
