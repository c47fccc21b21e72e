package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/rulesift/rulesift/record"
)

var (
	// ErrInvalidRuleText is returned when rule text does not parse.
	ErrInvalidRuleText = errors.New("invalid rule text")
	// ErrDuplicateRule is returned when an update would give a rule the
	// text another rule already holds.
	ErrDuplicateRule = errors.New("another rule already has this text")
	// ErrRuleNotFound is returned when a stored rule id is referenced but
	// does not exist.
	ErrRuleNotFound = errors.New("rule not found")
)

// RecordSource supplies the batch of records a rule is evaluated against.
type RecordSource interface {
	FetchRecords(ctx context.Context) ([]record.Record, error)
}

// RuleStore persists rule text.
type RuleStore interface {
	// AddRule stores text and reports false with a nil error when an
	// identical rule already exists.
	AddRule(ctx context.Context, text string) (bool, error)
	ListRules(ctx context.Context) ([]StoredRule, error)
	// UpdateRule replaces the text of rule id and reports false with a nil
	// error when no such rule exists.
	UpdateRule(ctx context.Context, id int64, text string) (bool, error)
	GetRule(ctx context.Context, id int64) (StoredRule, bool, error)
}

// StoredRule is one row of the rules table.
type StoredRule struct {
	ID   int64  `json:"id"`
	Text string `json:"rule_text"`
}

// StoreFetchError means the records could not be obtained. It is the only
// error an evaluation returns once the expression has been accepted.
type StoreFetchError struct {
	Source string
	Err    error
}

func (e *StoreFetchError) Error() string {
	return fmt.Sprintf("fetch records from %s: %v", e.Source, e.Err)
}

func (e *StoreFetchError) Unwrap() error { return e.Err }

// sourceName describes src for errors and logs.
func sourceName(src RecordSource) string {
	if named, ok := src.(interface{ SourceType() string }); ok {
		return named.SourceType()
	}
	return fmt.Sprintf("%T", src)
}
