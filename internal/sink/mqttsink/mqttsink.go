// Package mqttsink publishes event batches to an MQTT broker.
package mqttsink

import (
	"context"
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/fyrsmithlabs/traceway/internal/config"
	"github.com/fyrsmithlabs/traceway/internal/event"
	"github.com/fyrsmithlabs/traceway/internal/sink"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 250 // milliseconds
	defaultKeepAlive         = 60 * time.Second
)

var (
	// ErrNoBroker is returned by Dial when no broker URL is configured.
	ErrNoBroker = errors.New("mqttsink: broker is required")

	// ErrConnectionFailed wraps initial connection failures.
	ErrConnectionFailed = errors.New("mqttsink: connection failed")

	// ErrPublishTimeout is returned when the broker does not acknowledge a
	// publish in time.
	ErrPublishTimeout = errors.New("mqttsink: publish timed out")
)

// Publisher is the subset of pahomqtt.Client the sink uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Topic returns the topic a batch is published on:
// "<base>/<highest level in batch>".
func Topic(base string, batch []event.Event) string {
	return base + "/" + event.HighestLevel(batch).String()
}

// Sink publishes JSON batches.
type Sink struct {
	pub     Publisher
	topic   string
	qos     byte
	timeout time.Duration
}

// New publishes through pub.
func New(pub Publisher, topic string, qos byte) *Sink {
	if topic == "" {
		topic = config.DefaultMQTTTopic
	}
	if qos > 2 {
		qos = 1
	}
	return &Sink{pub: pub, topic: topic, qos: qos, timeout: defaultPublishTimeout}
}

// Dial connects to the configured broker.
func Dial(c config.MQTTSinkConfig) (*Sink, error) {
	if c.Broker == "" {
		return nil, ErrNoBroker
	}
	client := pahomqtt.NewClient(clientOptions(c))
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return New(client, c.Topic, byte(c.QoS)), nil
}

func clientOptions(c config.MQTTSinkConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(c.Broker)
	opts.SetClientID(c.ClientID)
	if c.Username != "" {
		opts.SetUsername(c.Username)
		opts.SetPassword(c.Password.Value())
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	return opts
}

// Name implements sink.Named.
func (s *Sink) Name() string { return "mqtt" }

// Send publishes the batch as one message and waits for the broker's
// acknowledgment.
func (s *Sink) Send(ctx context.Context, batch []event.Event) error {
	if len(batch) == 0 {
		return nil
	}
	data, err := sink.Encode(batch)
	if err != nil {
		return err
	}
	topic := Topic(s.topic, batch)
	token := s.pub.Publish(topic, s.qos, false, data)

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqttsink: publishing to %s: %w", topic, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("%w: %s", ErrPublishTimeout, topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqttsink: publishing to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker after pending publishes settle.
func (s *Sink) Close() error {
	s.pub.Disconnect(defaultDisconnectQuiesce)
	return nil
}
