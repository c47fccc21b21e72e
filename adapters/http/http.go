// Package http receives record snapshots pushed over an HTTP webhook.
package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rulesift/rulesift/adapters"
	"github.com/rulesift/rulesift/record"
	"github.com/rulesift/rulesift/runtime"
)

// Source implements runtime.RecordSource on the last snapshot posted to
// its webhook. Each accepted request replaces the whole batch.
type Source struct {
	config *Config
	logger *slog.Logger
	server *http.Server

	mu       sync.RWMutex
	records  []record.Record
	received time.Time
}

// Config holds webhook source configuration.
type Config struct {
	Addr string `json:"addr" yaml:"addr"`
	Path string `json:"path" yaml:"path"`
	// AuthMethod is none, bearer_token or api_key.
	AuthMethod string            `json:"auth_method" yaml:"auth_method"`
	AuthConfig map[string]string `json:"auth_config" yaml:"auth_config"`
	MaxBytes   int64             `json:"max_bytes" yaml:"max_bytes"`
}

var _ runtime.RecordSource = (*Source)(nil)

func validateConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("config is nil")
	}
	switch config.AuthMethod {
	case "", "none":
	case "bearer_token":
		if config.AuthConfig["token"] == "" {
			return fmt.Errorf("auth_config.token is required for bearer_token")
		}
	case "api_key":
		if config.AuthConfig["expected_token"] == "" {
			return fmt.Errorf("auth_config.expected_token is required for api_key")
		}
	default:
		return fmt.Errorf("unknown auth method %q", config.AuthMethod)
	}
	return nil
}

// NewSource creates a webhook source without starting a listener.
func NewSource(config *Config, logger *slog.Logger) (*Source, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Addr == "" {
		config.Addr = ":8080"
	}
	if config.Path == "" {
		config.Path = "/webhook"
	}
	if config.MaxBytes == 0 {
		config.MaxBytes = 32 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		config:  config,
		logger:  logger.With("source", "http", "path", config.Path),
		records: []record.Record{},
	}, nil
}

// Start listens on the configured address until Close.
func (s *Source) Start() error {
	lis, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle(s.config.Path, s.Handler())
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("webhook server error", "error", err)
		}
	}()
	s.logger.Info("webhook source started", "addr", lis.Addr().String())
	return nil
}

// Close stops the listener.
func (s *Source) Close() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown webhook server: %w", err)
	}
	return nil
}

// SourceType names the source in errors and logs.
func (s *Source) SourceType() string { return "http" }

// FetchRecords returns the last pushed batch, empty before the first push.
func (s *Source) FetchRecords(ctx context.Context) ([]record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]record.Record, len(s.records))
	copy(out, s.records)
	return out, nil
}

// Received reports when the current batch arrived, zero before the first
// push.
func (s *Source) Received() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.received
}

// Handler accepts POST and PUT with a JSON, YAML or Parquet body.
func (s *Source) Handler() http.Handler {
	return http.HandlerFunc(s.handleWebhook)
}

func (s *Source) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"detail": "method not allowed"})
		return
	}
	if !s.authenticateRequest(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "unauthorized"})
		return
	}

	format, err := formatFromContentType(r.Header.Get("Content-Type"))
	if err != nil {
		writeJSON(w, http.StatusUnsupportedMediaType, map[string]string{"detail": err.Error()})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"detail": "request body too large"})
		return
	}

	records, err := adapters.DecodeRecords(format, body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}

	now := time.Now().UTC()
	s.mu.Lock()
	s.records = records
	s.received = now
	s.mu.Unlock()

	s.logger.DebugContext(r.Context(), "records received", "count", len(records), "remote_addr", r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "received",
		"records":   len(records),
		"timestamp": now,
	})
}

func (s *Source) authenticateRequest(r *http.Request) bool {
	switch s.config.AuthMethod {
	case "none", "":
		return true
	case "bearer_token":
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		return ok && constantTimeEqual(token, s.config.AuthConfig["token"])
	case "api_key":
		header := s.config.AuthConfig["token_header"]
		if header == "" {
			header = "X-API-Key"
		}
		return constantTimeEqual(r.Header.Get(header), s.config.AuthConfig["expected_token"])
	default:
		return false
	}
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func formatFromContentType(contentType string) (adapters.Format, error) {
	if contentType == "" {
		return adapters.FormatJSON, nil
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("invalid content type %q", contentType)
	}
	switch mediaType {
	case "application/json":
		return adapters.FormatJSON, nil
	case "application/yaml", "application/x-yaml", "text/yaml":
		return adapters.FormatYAML, nil
	case "application/vnd.apache.parquet", "application/x-parquet":
		return adapters.FormatParquet, nil
	}
	return "", fmt.Errorf("unsupported content type %q", mediaType)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Factory creates webhook sources and starts their listener.
type Factory struct{}

func decodeConfig(config adapters.SourceConfig) (*Config, error) {
	cfg := &Config{}
	if err := adapters.DecodeOptions(config.Options, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (f *Factory) Create(_ context.Context, config adapters.SourceConfig) (runtime.RecordSource, error) {
	cfg, err := decodeConfig(config)
	if err != nil {
		return nil, err
	}
	src, err := NewSource(cfg, nil)
	if err != nil {
		return nil, err
	}
	if err := src.Start(); err != nil {
		return nil, err
	}
	return src, nil
}

func (f *Factory) ValidateConfig(config adapters.SourceConfig) error {
	cfg, err := decodeConfig(config)
	if err != nil {
		return err
	}
	return validateConfig(cfg)
}

func init() {
	adapters.RegisterSourceType("http", &Factory{})
}
