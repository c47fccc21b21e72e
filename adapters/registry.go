package adapters

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/rulesift/rulesift/runtime"
)

var (
	ErrUnknownSourceType = errors.New("unknown source type")
	ErrUnknownSinkType   = errors.New("unknown sink type")
)

// SourceConfig selects and configures a record source.
type SourceConfig struct {
	Type    string                 `json:"type" yaml:"type"`
	Options map[string]interface{} `json:"options" yaml:"options"`
	// BaseDir resolves relative paths, usually the config file directory.
	BaseDir string `json:"-" yaml:"-"`
}

// SinkConfig selects and configures an evaluation event sink.
type SinkConfig struct {
	Type    string                 `json:"type" yaml:"type"`
	Options map[string]interface{} `json:"options" yaml:"options"`
}

// SourceFactory constructs record sources of one type.
type SourceFactory interface {
	Create(ctx context.Context, config SourceConfig) (runtime.RecordSource, error)
	ValidateConfig(config SourceConfig) error
}

// SinkFactory constructs event sinks of one type.
type SinkFactory interface {
	Create(ctx context.Context, config SinkConfig) (runtime.EventSink, error)
	ValidateConfig(config SinkConfig) error
}

// Registry maps type names to factories.
type Registry struct {
	sources map[string]SourceFactory
	sinks   map[string]SinkFactory
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]SourceFactory),
		sinks:   make(map[string]SinkFactory),
	}
}

func (r *Registry) RegisterSourceType(sourceType string, factory SourceFactory) error {
	if sourceType == "" {
		return fmt.Errorf("source type cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("source factory cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[sourceType] = factory
	return nil
}

func (r *Registry) RegisterSinkType(sinkType string, factory SinkFactory) error {
	if sinkType == "" {
		return fmt.Errorf("sink type cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("sink factory cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[sinkType] = factory
	return nil
}

func (r *Registry) CreateSource(ctx context.Context, config SourceConfig) (runtime.RecordSource, error) {
	r.mu.RLock()
	factory := r.sources[config.Type]
	r.mu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSourceType, config.Type)
	}
	if err := factory.ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config for %s: %w", config.Type, err)
	}
	return factory.Create(ctx, config)
}

func (r *Registry) CreateSink(ctx context.Context, config SinkConfig) (runtime.EventSink, error) {
	r.mu.RLock()
	factory := r.sinks[config.Type]
	r.mu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSinkType, config.Type)
	}
	if err := factory.ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config for %s: %w", config.Type, err)
	}
	return factory.Create(ctx, config)
}

// SourceTypes returns the registered source types, sorted.
func (r *Registry) SourceTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.sources))
	for t := range r.sources {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// SinkTypes returns the registered sink types, sorted.
func (r *Registry) SinkTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.sinks))
	for t := range r.sinks {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

var defaultRegistry = NewRegistry()

// RegisterSourceType registers a source type globally.
func RegisterSourceType(sourceType string, factory SourceFactory) error {
	return defaultRegistry.RegisterSourceType(sourceType, factory)
}

// RegisterSinkType registers a sink type globally.
func RegisterSinkType(sinkType string, factory SinkFactory) error {
	return defaultRegistry.RegisterSinkType(sinkType, factory)
}

// CreateSource creates a source from configuration using the global registry.
func CreateSource(ctx context.Context, config SourceConfig) (runtime.RecordSource, error) {
	return defaultRegistry.CreateSource(ctx, config)
}

// CreateSink creates a sink from configuration using the global registry.
func CreateSink(ctx context.Context, config SinkConfig) (runtime.EventSink, error) {
	return defaultRegistry.CreateSink(ctx, config)
}

// SourceTypes returns the globally registered source types.
func SourceTypes() []string { return defaultRegistry.SourceTypes() }

// SinkTypes returns the globally registered sink types.
func SinkTypes() []string { return defaultRegistry.SinkTypes() }

// DecodeOptions copies a loosely typed options map into out, honouring its
// yaml tags.
func DecodeOptions(options map[string]interface{}, out interface{}) error {
	if len(options) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(options)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode options: %w", err)
	}
	return nil
}

// ResolvePath resolves path relative to baseDir.
func ResolvePath(baseDir, path string) string {
	if path == "" {
		return ""
	}
	if filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}
