package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestGetLevel(t *testing.T) {
	tests := map[string]struct {
		input string
		want  slog.Level
		err   error
	}{
		"error":   {input: "error", want: slog.LevelError},
		"warn":    {input: "WARN", want: slog.LevelWarn},
		"warning": {input: "warning", want: slog.LevelWarn},
		"info":    {input: "info", want: slog.LevelInfo},
		"empty":   {input: "", want: slog.LevelInfo},
		"debug":   {input: "debug", want: slog.LevelDebug},
		"unknown": {input: "trace", err: ErrUnknownLogLevel},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := GetLevel(tc.input)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestGetFormat(t *testing.T) {
	got, err := GetFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, got)

	got, err = GetFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatText, got)

	_, err = GetFormat("xml")
	require.ErrorIs(t, err, ErrUnknownLogFormat)
}

func TestCreateHandlerWithStrings(t *testing.T) {
	var buf bytes.Buffer
	h, err := CreateHandlerWithStrings(&buf, "info", "json")
	require.NoError(t, err)

	logger := slog.New(h)
	logger.Debug("hidden")
	logger.Info("shown", "rule_id", 3)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.InDelta(t, 3, entry["rule_id"], 0)

	for _, format := range AllFormats {
		h, err := CreateHandlerWithStrings(&bytes.Buffer{}, "debug", format)
		require.NoError(t, err)
		assert.NotNil(t, h, format)
	}

	_, err = CreateHandlerWithStrings(&buf, "loud", "json")
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.ErrorIs(t, err, ErrUnknownLogLevel)
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	assert.Same(t, base, WithContext(context.Background(), base))

	stored := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	assert.Same(t, stored, WithContext(NewContext(context.Background(), stored), base))

	traceID, err := trace.TraceIDFromHex("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("0123456789abcdef")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))

	WithContext(ctx, base).Info("traced")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "01234567", entry["trace_id"])
}

func TestWithContextTagsStoredLogger(t *testing.T) {
	var buf bytes.Buffer
	stored := slog.New(slog.NewJSONHandler(&buf, nil)).With("request_id", "r1")

	traceID, err := trace.TraceIDFromHex("fedcba9876543210fedcba9876543210")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("fedcba9876543210")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(NewContext(context.Background(), stored),
		trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID}))

	WithContext(ctx, nil).Info("traced")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "r1", entry["request_id"])
	assert.Equal(t, "fedcba98", entry["trace_id"])
}
