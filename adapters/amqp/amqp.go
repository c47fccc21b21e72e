// Package amqp publishes evaluation events to a RabbitMQ exchange.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rulesift/rulesift/adapters"
	"github.com/rulesift/rulesift/runtime"
)

// Config holds AMQP sink configuration.
type Config struct {
	URL             string            `json:"url" yaml:"url"`
	Exchange        string            `json:"exchange" yaml:"exchange"`
	ExchangeType    string            `json:"exchange_type" yaml:"exchange_type"`
	ExchangeDeclare bool              `json:"exchange_declare" yaml:"exchange_declare"`
	RoutingKey      string            `json:"routing_key" yaml:"routing_key"`
	Persistent      bool              `json:"persistent" yaml:"persistent"`
	Headers         map[string]string `json:"headers" yaml:"headers"`
}

// publisher is satisfied by *amqp.Channel.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// publishTimeout bounds a single publish when the caller's context has no
// deadline.
const publishTimeout = 5 * time.Second

// Sink implements runtime.EventSink on an AMQP exchange.
type Sink struct {
	config  *Config
	conn    *amqp.Connection
	channel publisher
	mu      sync.Mutex
	closed  bool
}

var _ runtime.EventSink = (*Sink)(nil)

func validateConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("config is nil")
	}
	if config.URL == "" {
		return fmt.Errorf("url is required")
	}
	if config.Exchange == "" && config.RoutingKey == "" {
		// The default exchange routes by queue name.
		return fmt.Errorf("routing_key is required when publishing to the default exchange")
	}
	return nil
}

// NewSink dials the broker, opens a channel and declares the exchange when
// asked to.
func NewSink(config *Config) (*Sink, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.ExchangeType == "" {
		config.ExchangeType = amqp.ExchangeTopic
	}

	conn, err := amqp.Dial(config.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}

	if config.ExchangeDeclare && config.Exchange != "" {
		if err := channel.ExchangeDeclare(
			config.Exchange,
			config.ExchangeType,
			true,  // durable
			false, // auto-delete
			false, // internal
			false, // no-wait
			nil,
		); err != nil {
			channel.Close()
			conn.Close()
			return nil, fmt.Errorf("declare exchange %s: %w", config.Exchange, err)
		}
	}

	s := newSink(config, channel)
	s.conn = conn
	return s, nil
}

func newSink(config *Config, channel publisher) *Sink {
	return &Sink{config: config, channel: channel}
}

// SinkType labels the sink in metrics.
func (s *Sink) SinkType() string { return "amqp" }

// Publish sends event as a JSON message.
func (s *Sink) Publish(ctx context.Context, event runtime.EvaluationEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	headers := amqp.Table{}
	for k, v := range s.config.Headers {
		headers[k] = v
	}

	msg := amqp.Publishing{
		ContentType: "application/json",
		MessageId:   event.ID.String(),
		Timestamp:   event.At,
		Headers:     headers,
		Body:        body,
	}
	if s.config.Persistent {
		msg.DeliveryMode = amqp.Persistent
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, publishTimeout)
		defer cancel()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("amqp sink closed")
	}
	if err := s.channel.PublishWithContext(ctx, s.config.Exchange, s.config.RoutingKey, false, false, msg); err != nil {
		return fmt.Errorf("amqp publish to %q: %w", s.config.Exchange, err)
	}
	return nil
}

// Close closes the channel and the connection.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if err := s.channel.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Factory creates AMQP sinks.
type Factory struct{}

func decodeConfig(config adapters.SinkConfig) (*Config, error) {
	cfg := &Config{}
	if err := adapters.DecodeOptions(config.Options, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (f *Factory) Create(_ context.Context, config adapters.SinkConfig) (runtime.EventSink, error) {
	cfg, err := decodeConfig(config)
	if err != nil {
		return nil, err
	}
	return NewSink(cfg)
}

func (f *Factory) ValidateConfig(config adapters.SinkConfig) error {
	cfg, err := decodeConfig(config)
	if err != nil {
		return err
	}
	return validateConfig(cfg)
}

func init() {
	adapters.RegisterSinkType("amqp", &Factory{})
}
