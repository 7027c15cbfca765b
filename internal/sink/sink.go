// Package sink defines the delivery contract between the event queue and
// the destinations events are shipped to.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fyrsmithlabs/traceway/internal/event"
)

// Sink delivers a batch of events. The batch slice is owned by the sink for
// the duration of the call; every sink receives its own copy.
type Sink interface {
	Send(ctx context.Context, batch []event.Event) error
}

// Func adapts a plain function to the Sink interface.
type Func func(ctx context.Context, batch []event.Event) error

// Send calls f.
func (f Func) Send(ctx context.Context, batch []event.Event) error {
	return f(ctx, batch)
}

// Named is implemented by sinks that report a stable name for logs and
// metrics labels.
type Named interface {
	Name() string
}

// NameOf returns the sink's name, falling back to its dynamic type.
func NameOf(s Sink) string {
	if n, ok := s.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}

// CloseAll closes every sink implementing io.Closer and joins the errors.
func CloseAll(sinks []Sink) error {
	var errs []error
	for _, s := range sinks {
		c, ok := s.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing sink %s: %w", NameOf(s), err))
		}
	}
	return errors.Join(errs...)
}

// Encode renders a batch as the JSON array shipped over the wire.
func Encode(batch []event.Event) ([]byte, error) {
	if batch == nil {
		batch = []event.Event{}
	}
	data, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("encoding batch: %w", err)
	}
	return data, nil
}

// Decode parses a JSON array of events.
func Decode(data []byte) ([]event.Event, error) {
	var batch []event.Event
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("decoding batch: %w", err)
	}
	return batch, nil
}
