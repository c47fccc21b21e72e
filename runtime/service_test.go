package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rulesift/rulesift/ast"
	"github.com/rulesift/rulesift/record"
)

var testRecords = []record.Record{
	{ID: 1, Name: "Ana", Age: 30, Department: "Eng", Salary: 50000, Spend: 200, Experience: 3},
	{ID: 2, Name: "Bo", Age: 45, Department: "Sales", Salary: 70000, Spend: 900, Experience: 10},
	{ID: 3, Name: "Cy", Age: 52, Department: "Sales", Salary: 40000, Spend: 100, Experience: 20},
}

type failingSource struct{ err error }

func (f failingSource) FetchRecords(context.Context) ([]record.Record, error) { return nil, f.err }

func (failingSource) SourceType() string { return "broken" }

func newTestService(t *testing.T, opts ...Option) (*Service, *MemoryStorage) {
	t.Helper()
	store := NewMemoryStorage(testRecords)
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	opts = append([]Option{WithLogger(logger)}, opts...)
	return NewService(store, store, opts...), store
}

func TestEvaluateRule(t *testing.T) {
	svc, _ := newTestService(t)

	expr, err := ast.ParseJSON([]byte(`{"AND":[{"field":"age","operator":">","value":40},{"field":"department","operator":"=","value":"Sales"}]}`))
	require.NoError(t, err)

	res, err := svc.EvaluateRule(context.Background(), expr)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, res.IDs())
	assert.Equal(t, 3, res.Scanned)
	assert.Empty(t, res.Diagnostics)
}

func TestEvaluateRuleNoMatchesIsNotAnError(t *testing.T) {
	svc, _ := newTestService(t)

	res, err := svc.EvaluateRule(context.Background(), ast.Compare("age", ">", record.Number(100)))
	require.NoError(t, err)
	require.NotNil(t, res.Matches)
	assert.Empty(t, res.Matches)
}

func TestEvaluateRuleFetchFailure(t *testing.T) {
	cause := errors.New("connection refused")
	svc := NewService(failingSource{err: cause}, nil,
		WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))

	res, err := svc.EvaluateRule(context.Background(), ast.Conjunction{})
	require.Error(t, err)

	var fetchErr *StoreFetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, "broken", fetchErr.Source)
	require.ErrorIs(t, err, cause)
	assert.Nil(t, res.Matches, "no partial result on fetch failure")
}

func TestEvaluateRuleDiagnostics(t *testing.T) {
	svc, _ := newTestService(t)

	expr := ast.Or(
		ast.Compare("bogus_field", "=", record.Number(5)),
		ast.Compare("department", "=", record.String("Eng")),
	)
	res, err := svc.EvaluateRule(context.Background(), expr)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, res.IDs())
	assert.Len(t, res.Diagnostics, 3)
}

func TestEvaluateRuleStrict(t *testing.T) {
	svc, _ := newTestService(t, WithStrictValidation(true))
	assert.True(t, svc.Strict())

	_, err := svc.EvaluateRule(context.Background(), ast.Compare("bogus_field", "=", record.Number(5)))
	var valErr *ast.ValidationError
	require.ErrorAs(t, err, &valErr)

	res, err := svc.EvaluateRule(context.Background(), ast.Compare("age", ">=", record.Number(45)))
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, res.IDs())
}

func TestEvaluateStored(t *testing.T) {
	sink := &recordingSink{}
	svc, store := newTestService(t, WithSinks(sink))
	ctx := context.Background()

	_, err := store.AddRule(ctx, "(age > 50) AND (department = 'Sales')")
	require.NoError(t, err)
	_, err = store.AddRule(ctx, "department = 'Eng'")
	require.NoError(t, err)

	res, combined, err := svc.EvaluateStored(ctx, []int64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, res.IDs())
	assert.Equal(t, ast.NodeDisjunction, combined.Kind())

	res, combined, err = svc.EvaluateStored(ctx, []int64{2})
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, res.IDs())
	assert.Equal(t, ast.NodeComparison, combined.Kind())

	_, _, err = svc.EvaluateStored(ctx, []int64{2, 99})
	require.ErrorIs(t, err, ErrRuleNotFound)

	_, _, err = svc.EvaluateStored(ctx, nil)
	require.ErrorIs(t, err, ErrNoRulesSelected)

	events := sink.published()
	require.Len(t, events, 2)
	assert.Equal(t, []int64{1, 2}, events[0].RuleIDs)
	assert.Equal(t, []int64{1, 3}, events[0].Matched)
}

func TestServiceRuleOperations(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	added, err := svc.AddRule(ctx, "(age > 30) AND (department = 'Sales')")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = svc.AddRule(ctx, "(age > 30) AND (department = 'Sales')")
	require.NoError(t, err)
	assert.False(t, added)

	_, err = svc.AddRule(ctx, "(age > ")
	require.ErrorIs(t, err, ErrInvalidRuleText)

	rules, err := svc.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)

	updated, err := svc.UpdateRule(ctx, rules[0].ID, "age < 30")
	require.NoError(t, err)
	assert.True(t, updated)

	updated, err = svc.UpdateRule(ctx, 77, "age < 30")
	require.NoError(t, err)
	assert.False(t, updated)

	_, err = svc.UpdateRule(ctx, rules[0].ID, "age <")
	require.ErrorIs(t, err, ErrInvalidRuleText)
}

func TestServiceStrictRuleText(t *testing.T) {
	svc, _ := newTestService(t, WithStrictValidation(true))

	_, err := svc.AddRule(context.Background(), "height > 3")
	require.ErrorIs(t, err, ErrInvalidRuleText)
}

func TestServiceWithoutRuleStore(t *testing.T) {
	svc := NewService(NewMemoryStorage(nil), nil)
	ctx := context.Background()

	_, err := svc.AddRule(ctx, "age > 1")
	require.ErrorIs(t, err, ErrNoRuleStore)
	_, err = svc.ListRules(ctx)
	require.ErrorIs(t, err, ErrNoRuleStore)
	_, _, err = svc.EvaluateStored(ctx, []int64{1})
	require.ErrorIs(t, err, ErrNoRuleStore)
}

func TestServicePublishesEvents(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ok := &recordingSink{}
	failing := &recordingSink{err: errors.New("broker down")}
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	svc, _ := newTestService(t,
		WithSinks(failing, ok),
		WithMetrics(metrics),
		withClock(func() time.Time { return at }),
	)

	expr := ast.Compare("department", "=", record.String("Sales"))
	_, err = svc.EvaluateRule(context.Background(), expr)
	require.NoError(t, err, "sink failures are not evaluation failures")

	events := ok.published()
	require.Len(t, events, 1)
	event := events[0]
	assert.NotEqual(t, uuid.Nil, event.ID)
	assert.Equal(t, []int64{2, 3}, event.Matched)
	assert.Equal(t, 3, event.Scanned)
	assert.Equal(t, at, event.At)

	roundTrip, err := ast.ParseJSON(event.Expression)
	require.NoError(t, err)
	assert.Equal(t, expr, roundTrip)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(event.Expression, &decoded))
	assert.Equal(t, "department", decoded["field"])

	assert.InDelta(t, 1, testutil.ToFloat64(metrics.sinkErrors.WithLabelValues("recording")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.evaluations.WithLabelValues("ok")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(metrics.recordsScanned), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(metrics.recordsMatched), 0)
}

func TestNilMetrics(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	assert.NotPanics(t, func() {
		m.recordFailure("rejected")
		m.recordRuleOperation("add", "ok")
		m.recordSinkError("kafka")
	})
}
