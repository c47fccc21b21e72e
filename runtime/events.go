package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// EvaluationEvent describes one completed evaluation. It is published to
// the configured sinks after every successful scan.
type EvaluationEvent struct {
	ID          uuid.UUID       `json:"id"`
	Expression  json.RawMessage `json:"expression,omitempty"`
	RuleIDs     []int64         `json:"rule_ids,omitempty"`
	Matched     []int64         `json:"matched"`
	Scanned     int             `json:"scanned"`
	Diagnostics int             `json:"diagnostics"`
	Duration    time.Duration   `json:"duration_ns"`
	At          time.Time       `json:"at"`
}

// EventSink receives evaluation events.
type EventSink interface {
	Publish(ctx context.Context, event EvaluationEvent) error
	Close() error
}

// NamedSink is implemented by sinks that label themselves in metrics.
type NamedSink interface {
	SinkType() string
}

// MultiSink fans an event out to every sink in order.
type MultiSink []EventSink

// Publish sends event to every sink and joins their errors.
func (m MultiSink) Publish(ctx context.Context, event EvaluationEvent) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink and joins their errors.
func (m MultiSink) Close() error {
	var errs []error
	for _, sink := range m {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sinkName(sink EventSink) string {
	if named, ok := sink.(NamedSink); ok {
		return named.SinkType()
	}
	return "unknown"
}
