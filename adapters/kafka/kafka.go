// Package kafka publishes evaluation events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rulesift/rulesift/adapters"
	"github.com/rulesift/rulesift/runtime"
)

// Config holds Kafka sink configuration.
type Config struct {
	Brokers      []string          `json:"brokers" yaml:"brokers"`
	Topic        string            `json:"topic" yaml:"topic"`
	BatchSize    int               `json:"batch_size" yaml:"batch_size"`
	BatchTimeout time.Duration     `json:"batch_timeout" yaml:"batch_timeout"`
	WriteTimeout time.Duration     `json:"write_timeout" yaml:"write_timeout"`
	RequiredAcks string            `json:"required_acks" yaml:"required_acks"` // "none", "one", "all"
	Headers      map[string]string `json:"headers" yaml:"headers"`
}

// messageWriter is satisfied by *kafka.Writer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink implements runtime.EventSink on a Kafka topic. Events are keyed by
// their id and encoded as JSON.
type Sink struct {
	config *Config
	writer messageWriter
}

var _ runtime.EventSink = (*Sink)(nil)

func validateConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("config is nil")
	}
	if len(config.Brokers) == 0 {
		return fmt.Errorf("brokers list is empty")
	}
	if config.Topic == "" {
		return fmt.Errorf("topic is required")
	}
	if _, err := parseAcks(config.RequiredAcks); err != nil {
		return err
	}
	return nil
}

func parseAcks(acks string) (kafka.RequiredAcks, error) {
	switch acks {
	case "", "one":
		return kafka.RequireOne, nil
	case "none":
		return kafka.RequireNone, nil
	case "all":
		return kafka.RequireAll, nil
	}
	return 0, fmt.Errorf("required_acks must be none, one or all, got %q", acks)
}

// NewSink creates a Kafka sink.
func NewSink(config *Config) (*Sink, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if config.BatchSize == 0 {
		config.BatchSize = 100
	}
	if config.BatchTimeout == 0 {
		config.BatchTimeout = 100 * time.Millisecond
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}
	acks, _ := parseAcks(config.RequiredAcks)

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    config.BatchSize,
		BatchTimeout: config.BatchTimeout,
		WriteTimeout: config.WriteTimeout,
		RequiredAcks: acks,
	}
	return newSink(config, writer), nil
}

func newSink(config *Config, writer messageWriter) *Sink {
	return &Sink{config: config, writer: writer}
}

// SinkType labels the sink in metrics.
func (s *Sink) SinkType() string { return "kafka" }

// Publish writes event to the topic.
func (s *Sink) Publish(ctx context.Context, event runtime.EvaluationEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	headers := []kafka.Header{{Key: "content-type", Value: []byte("application/json")}}
	for k, v := range s.config.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	msg := kafka.Message{
		Key:     []byte(event.ID.String()),
		Value:   value,
		Headers: headers,
		Time:    event.At,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write to %s: %w", s.config.Topic, err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (s *Sink) Close() error {
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	return nil
}

// Factory creates Kafka sinks.
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
	adapters.RegisterSinkType("kafka", &Factory{})
}
