// Package files reads record batches from local JSON, YAML or Parquet files
// and optionally reloads them when the file changes.
package files

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/rulesift/rulesift/adapters"
	"github.com/rulesift/rulesift/record"
	"github.com/rulesift/rulesift/runtime"
)

// Config holds file source configuration.
type Config struct {
	Path string `json:"path" yaml:"path"`
	// Format is inferred from the file extension when empty.
	Format      string `json:"format" yaml:"format"`
	Watch       bool   `json:"watch" yaml:"watch"`
	MaxFileSize int64  `json:"max_file_size" yaml:"max_file_size"`
}

// Source implements runtime.RecordSource on a single file.
//
// Without Watch the file is read on every fetch. With Watch the decoded
// batch is cached and dropped whenever fsnotify reports a change to the
// file, so the next fetch reads it again.
type Source struct {
	config *Config
	format adapters.Format
	logger *slog.Logger

	mu     sync.RWMutex
	cached []record.Record
	valid  bool
	gen    uint64 // bumped on every invalidation

	watcher   *fsnotify.Watcher
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

var _ runtime.RecordSource = (*Source)(nil)

// NewSource creates a file source. With Watch set it starts one watcher
// goroutine that runs until Close.
func NewSource(config *Config, logger *slog.Logger) (*Source, error) {
	if config == nil || config.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxFileSize == 0 {
		config.MaxFileSize = 64 * 1024 * 1024 // 64MB default
	}

	var (
		format adapters.Format
		err    error
	)
	if config.Format != "" {
		format, err = adapters.ParseFormat(config.Format)
	} else {
		format, err = adapters.FormatFromPath(config.Path)
	}
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(config.Path); err != nil {
		return nil, fmt.Errorf("path %s is not accessible: %w", config.Path, err)
	}

	s := &Source{
		config: config,
		format: format,
		logger: logger.With("source", "files", "path", config.Path),
		done:   make(chan struct{}),
	}

	if config.Watch {
		if err := s.startWatcher(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SourceType names the source in errors and logs.
func (s *Source) SourceType() string { return "files" }

// FetchRecords returns the current batch.
func (s *Source) FetchRecords(ctx context.Context) ([]record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.config.Watch {
		return s.load()
	}

	s.mu.RLock()
	if s.valid {
		defer s.mu.RUnlock()
		return slices.Clone(s.cached), nil
	}
	gen := s.gen
	s.mu.RUnlock()

	records, err := s.load()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.gen == gen {
		s.cached = records
		s.valid = true
	}
	s.mu.Unlock()

	return slices.Clone(records), nil
}

// Close stops the watcher. It is safe to call more than once.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.watcher != nil {
			s.closeErr = s.watcher.Close()
		}
		s.wg.Wait()
	})
	return s.closeErr
}

func (s *Source) load() ([]record.Record, error) {
	info, err := os.Stat(s.config.Path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", s.config.Path, err)
	}
	if info.Size() > s.config.MaxFileSize {
		return nil, fmt.Errorf("%s is %d bytes, limit is %d", s.config.Path, info.Size(), s.config.MaxFileSize)
	}

	data, err := os.ReadFile(s.config.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.config.Path, err)
	}
	records, err := adapters.DecodeRecords(s.format, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.config.Path, err)
	}
	s.logger.Debug("records loaded", "count", len(records))
	return records, nil
}

func (s *Source) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Watch the directory: editors replace files by rename, which drops a
	// watch placed on the file itself.
	if err := watcher.Add(filepath.Dir(s.config.Path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.config.Path, err)
	}
	s.watcher = watcher

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchFile()
	}()
	return nil
}

func (s *Source) watchFile() {
	target := filepath.Clean(s.config.Path)
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target || !shouldReload(event.Op) {
				continue
			}
			s.invalidate()
			s.logger.Debug("file changed, cache dropped", "op", event.Op.String())

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			if !errors.Is(err, fsnotify.ErrEventOverflow) {
				s.logger.Warn("file watcher error", "error", err)
				continue
			}
			s.invalidate()
		}
	}
}

func (s *Source) invalidate() {
	s.mu.Lock()
	s.valid = false
	s.cached = nil
	s.gen++
	s.mu.Unlock()
}

func shouldReload(op fsnotify.Op) bool {
	return op.Has(fsnotify.Write) || op.Has(fsnotify.Create) ||
		op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename)
}

// Factory for file sources.
type Factory struct{}

func decodeConfig(config adapters.SourceConfig) (*Config, error) {
	cfg := &Config{}
	if err := adapters.DecodeOptions(config.Options, cfg); err != nil {
		return nil, err
	}
	cfg.Path = adapters.ResolvePath(config.BaseDir, cfg.Path)
	return cfg, nil
}

func (f *Factory) Create(_ context.Context, config adapters.SourceConfig) (runtime.RecordSource, error) {
	cfg, err := decodeConfig(config)
	if err != nil {
		return nil, err
	}
	return NewSource(cfg, slog.Default())
}

func (f *Factory) ValidateConfig(config adapters.SourceConfig) error {
	cfg, err := decodeConfig(config)
	if err != nil {
		return err
	}
	if cfg.Path == "" {
		return fmt.Errorf("path is required")
	}
	if cfg.Format != "" {
		if _, err := adapters.ParseFormat(cfg.Format); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	adapters.RegisterSourceType("files", &Factory{})
}
