package adapters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rulesift/rulesift/record"
	"github.com/rulesift/rulesift/runtime"
)

// PollingSource serves the last batch read from an underlying source and
// refreshes it every interval in the background. A failed poll keeps the
// previous batch. Until a batch has been loaded, fetches go straight to the
// underlying source.
type PollingSource struct {
	source   runtime.RecordSource
	interval time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	records []record.Record
	loaded  bool
	lastErr error

	cancel context.CancelFunc
	done   chan struct{}
}

var _ runtime.RecordSource = (*PollingSource)(nil)

// NewPollingSource starts polling source every interval until Close.
func NewPollingSource(source runtime.RecordSource, interval time.Duration, logger *slog.Logger) (*PollingSource, error) {
	if source == nil {
		return nil, errors.New("source is nil")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", interval)
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &PollingSource{
		source:   source,
		interval: interval,
		logger:   logger,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go p.run(ctx)
	return p, nil
}

func (p *PollingSource) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *PollingSource) poll(ctx context.Context) {
	records, err := p.source.FetchRecords(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.mu.Lock()
		p.lastErr = err
		p.mu.Unlock()
		p.logger.Warn("poll failed, keeping previous records", "error", err)
		return
	}

	p.mu.Lock()
	p.records = records
	p.loaded = true
	p.lastErr = nil
	p.mu.Unlock()
	p.logger.Debug("records polled", "count", len(records))
}

// SourceType reports the wrapped source's type.
func (p *PollingSource) SourceType() string {
	if named, ok := p.source.(interface{ SourceType() string }); ok {
		return named.SourceType()
	}
	return fmt.Sprintf("%T", p.source)
}

// FetchRecords returns a copy of the cached batch. Before the first poll
// completes it reads the source directly and caches a successful result.
func (p *PollingSource) FetchRecords(ctx context.Context) ([]record.Record, error) {
	p.mu.RLock()
	if p.loaded {
		out := slices.Clone(p.records)
		p.mu.RUnlock()
		return out, nil
	}
	p.mu.RUnlock()

	records, err := p.source.FetchRecords(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if !p.loaded {
		p.records = records
		p.loaded = true
	}
	p.mu.Unlock()
	return slices.Clone(records), nil
}

// LastError returns the error of the most recent poll, nil after a success.
func (p *PollingSource) LastError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// Close stops polling and closes the underlying source when it is an
// io.Closer.
func (p *PollingSource) Close() error {
	p.cancel()
	<-p.done
	if c, ok := p.source.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
