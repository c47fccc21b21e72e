package runtime

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/rulesift/rulesift/record"
)

// MemoryStorage implements RecordSource and RuleStore in memory.
// Useful for testing and local development.
type MemoryStorage struct {
	records []record.Record
	rules   []StoredRule
	nextID  int64
	mu      sync.RWMutex
}

// NewMemoryStorage creates an in-memory store seeded with records.
func NewMemoryStorage(records []record.Record) *MemoryStorage {
	return &MemoryStorage{
		records: slices.Clone(records),
		rules:   make([]StoredRule, 0),
		nextID:  1,
	}
}

// SourceType names the storage in errors and logs.
func (m *MemoryStorage) SourceType() string { return "memory" }

// FetchRecords returns a copy of the current batch.
func (m *MemoryStorage) FetchRecords(ctx context.Context) ([]record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.records), nil
}

// SetRecords replaces the batch.
func (m *MemoryStorage) SetRecords(records []record.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = slices.Clone(records)
}

// AddRule stores text unless an identical rule exists.
func (m *MemoryStorage) AddRule(ctx context.Context, text string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	text = strings.TrimSpace(text)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.indexOfText(text) >= 0 {
		return false, nil
	}
	m.rules = append(m.rules, StoredRule{ID: m.nextID, Text: text})
	m.nextID++
	return true, nil
}

// ListRules returns rules in id order.
func (m *MemoryStorage) ListRules(ctx context.Context) ([]StoredRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.rules), nil
}

// UpdateRule replaces the text of an existing rule.
func (m *MemoryStorage) UpdateRule(ctx context.Context, id int64, text string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	text = strings.TrimSpace(text)

	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.indexOfID(id)
	if idx < 0 {
		return false, nil
	}
	if other := m.indexOfText(text); other >= 0 && other != idx {
		return false, ErrDuplicateRule
	}
	m.rules[idx].Text = text
	return true, nil
}

// GetRule looks up a rule by id.
func (m *MemoryStorage) GetRule(ctx context.Context, id int64) (StoredRule, bool, error) {
	if err := ctx.Err(); err != nil {
		return StoredRule{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := m.indexOfID(id)
	if idx < 0 {
		return StoredRule{}, false, nil
	}
	return m.rules[idx], true, nil
}

func (m *MemoryStorage) indexOfText(text string) int {
	return slices.IndexFunc(m.rules, func(r StoredRule) bool { return r.Text == text })
}

func (m *MemoryStorage) indexOfID(id int64) int {
	return slices.IndexFunc(m.rules, func(r StoredRule) bool { return r.ID == id })
}
