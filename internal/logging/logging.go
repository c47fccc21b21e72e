// Package logging builds the slog handlers used across rulesift and carries
// request-scoped loggers through contexts.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/muesli/termenv"
	"go.opentelemetry.io/otel/trace"
)

// Format names a handler encoding.
type Format string

// Level names a minimum log level.
type Level string

const (
	FormatText   Format = "text"
	FormatJSON   Format = "json"
	FormatLogfmt Format = "logfmt"

	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrUnknownLogLevel  = errors.New("unknown log level")
	ErrUnknownLogFormat = errors.New("unknown log format")
)

var levels = map[Level]slog.Level{
	LevelDebug: slog.LevelDebug,
	LevelInfo:  slog.LevelInfo,
	LevelWarn:  slog.LevelWarn,
	"warning":  slog.LevelWarn,
	LevelError: slog.LevelError,
}

// AllLevels and AllFormats list the accepted names for help text.
var (
	AllLevels  = []string{string(LevelError), string(LevelWarn), string(LevelInfo), string(LevelDebug)}
	AllFormats = []string{string(FormatJSON), string(FormatLogfmt), string(FormatText)}
)

// GetLevel parses a level name. Empty means info.
func GetLevel(name string) (slog.Level, error) {
	if name == "" {
		return slog.LevelInfo, nil
	}
	if lvl, ok := levels[Level(strings.ToLower(name))]; ok {
		return lvl, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownLogLevel, name)
}

// GetFormat parses a format name. Empty means text.
func GetFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(name)); f {
	case "":
		return FormatText, nil
	case FormatText, FormatJSON, FormatLogfmt:
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownLogFormat, name)
}

// CreateHandlerWithStrings parses level and format and builds the handler.
func CreateHandlerWithStrings(w io.Writer, level, format string) (slog.Handler, error) {
	lvl, err := GetLevel(level)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	f, err := GetFormat(format)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return CreateHandler(w, lvl, f), nil
}

// CreateHandler builds a handler writing to w. Text output is rendered by
// charmbracelet/log; JSON entries carry their source location.
func CreateHandler(w io.Writer, level slog.Level, format Format) slog.Handler {
	switch format {
	case FormatJSON:
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level, AddSource: true})
	case FormatLogfmt:
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	default:
		logger := charmlog.NewWithOptions(w, charmlog.Options{
			Level:           charmlog.Level(level),
			ReportTimestamp: true,
			TimeFormat:      time.StampMilli,
		})
		logger.SetColorProfile(termenv.EnvColorProfile())
		return logger
	}
}

type loggerKey struct{}

// NewContext returns a copy of ctx carrying logger.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// WithContext returns the logger carried by ctx, falling back to base and
// then slog.Default, tagged with the short trace ID of the active span.
func WithContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	logger, ok := ctx.Value(loggerKey{}).(*slog.Logger)
	if !ok {
		logger = base
	}
	if logger == nil {
		logger = slog.Default()
	}

	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return logger
	}
	return logger.With(slog.String("trace_id", sc.TraceID().String()[:8]))
}
