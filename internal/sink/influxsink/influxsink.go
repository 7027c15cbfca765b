// Package influxsink writes events to InfluxDB v2 as points.
package influxsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/fyrsmithlabs/traceway/internal/config"
	"github.com/fyrsmithlabs/traceway/internal/event"
)

var (
	// ErrNoURL is returned by New when no server URL is configured.
	ErrNoURL = errors.New("influxsink: url is required")

	// ErrNoBucket is returned by New when org or bucket is missing.
	ErrNoBucket = errors.New("influxsink: org and bucket are required")
)

// Sink writes one point per event with the blocking write API so delivery
// errors surface from Send.
type Sink struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPIBlocking
	measurement string
}

// New connects the client. No request is made until the first Send.
func New(c config.InfluxSinkConfig) (*Sink, error) {
	if c.URL == "" {
		return nil, ErrNoURL
	}
	if c.Org == "" || c.Bucket == "" {
		return nil, ErrNoBucket
	}
	measurement := c.Measurement
	if measurement == "" {
		measurement = config.DefaultMeasurement
	}
	client := influxdb2.NewClientWithOptions(c.URL, c.Token.Value(), influxdb2.DefaultOptions())
	return &Sink{
		client:      client,
		writeAPI:    client.WriteAPIBlocking(c.Org, c.Bucket),
		measurement: measurement,
	}, nil
}

// Name implements sink.Named.
func (s *Sink) Name() string { return "influx" }

// Send writes the batch in one request.
func (s *Sink) Send(ctx context.Context, batch []event.Event) error {
	if len(batch) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(batch))
	for _, ev := range batch {
		p, err := Point(s.measurement, ev)
		if err != nil {
			return err
		}
		points = append(points, p)
	}
	if err := s.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("influxsink: writing %d points: %w", len(points), err)
	}
	return nil
}

// Point converts an event. Level, name, app and env become tags; the
// message, correlation IDs and JSON-encoded data become fields.
func Point(measurement string, ev event.Event) (*write.Point, error) {
	tags := map[string]string{
		"level": ev.Level.String(),
		"name":  ev.Name,
	}
	if ev.App != "" {
		tags["app"] = ev.App
	}
	if ev.Env != "" {
		tags["env"] = ev.Env
	}

	fields := map[string]interface{}{
		"msg":        ev.Message,
		"trace_id":   ev.TraceID,
		"session_id": ev.SessionID,
	}
	if len(ev.Data) > 0 {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return nil, fmt.Errorf("influxsink: encoding data: %w", err)
		}
		fields["data"] = string(data)
	}
	return influxdb2.NewPoint(measurement, tags, fields, ev.Timestamp), nil
}

// Close releases the client.
func (s *Sink) Close() error {
	s.client.Close()
	return nil
}
