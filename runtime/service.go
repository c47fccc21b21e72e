// Package runtime wires the evaluator to record sources, rule stores and
// event sinks.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rulesift/rulesift/ast"
	"github.com/rulesift/rulesift/eval"
	"github.com/rulesift/rulesift/internal/logging"
)

const tracerName = "github.com/rulesift/rulesift/runtime"

var (
	// ErrNoRuleStore is returned by rule operations when the service has no
	// rule store.
	ErrNoRuleStore = errors.New("no rule store configured")
	// ErrNoRulesSelected is returned when stored evaluation is asked for
	// zero rules.
	ErrNoRulesSelected = errors.New("no rules selected")
)

// Service evaluates rule expressions against the records of a source and
// manages stored rule text.
type Service struct {
	records RecordSource
	rules   RuleStore
	sinks   []EventSink
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
	strict  bool
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithSinks adds evaluation event sinks.
func WithSinks(sinks ...EventSink) Option {
	return func(s *Service) { s.sinks = append(s.sinks, sinks...) }
}

// WithStrictValidation rejects expressions with unknown fields, unsupported
// operators, mismatched values or malformed nodes before any record is
// scanned.
func WithStrictValidation(strict bool) Option {
	return func(s *Service) { s.strict = strict }
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service. rules may be nil when only ad hoc
// evaluation is needed.
func NewService(records RecordSource, rules RuleStore, opts ...Option) *Service {
	s := &Service{
		records: records,
		rules:   rules,
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Strict reports whether strict validation is enabled.
func (s *Service) Strict() bool { return s.strict }

// EvaluateRule returns every record of the source that satisfies expr, in
// source order. The only error after validation is a *StoreFetchError;
// problems inside expr become diagnostics on the result.
func (s *Service) EvaluateRule(ctx context.Context, expr ast.Expr) (eval.Result, error) {
	return s.evaluate(ctx, expr, nil)
}

// EvaluateStored evaluates the stored rules with the given ids combined
// with OR.
func (s *Service) EvaluateStored(ctx context.Context, ids []int64) (eval.Result, ast.Expr, error) {
	if s.rules == nil {
		return eval.Result{}, nil, ErrNoRuleStore
	}
	if len(ids) == 0 {
		return eval.Result{}, nil, ErrNoRulesSelected
	}

	exprs := make([]ast.Expr, 0, len(ids))
	for _, id := range ids {
		rule, ok, err := s.rules.GetRule(ctx, id)
		if err != nil {
			return eval.Result{}, nil, fmt.Errorf("load rule %d: %w", id, err)
		}
		if !ok {
			return eval.Result{}, nil, fmt.Errorf("%w: %d", ErrRuleNotFound, id)
		}
		expr, err := ast.ParseText(rule.Text)
		if err != nil {
			return eval.Result{}, nil, fmt.Errorf("%w: rule %d: %w", ErrInvalidRuleText, id, err)
		}
		exprs = append(exprs, expr)
	}

	combined := exprs[0]
	if len(exprs) > 1 {
		combined = ast.Or(exprs...)
	}

	res, err := s.evaluate(ctx, combined, ids)
	return res, combined, err
}

func (s *Service) evaluate(ctx context.Context, expr ast.Expr, ruleIDs []int64) (eval.Result, error) {
	ctx, span := s.tracer.Start(ctx, "rulesift.evaluate")
	defer span.End()

	logger := logging.WithContext(ctx, s.logger)
	start := s.now()

	if s.strict {
		if err := ast.Validate(expr); err != nil {
			s.metrics.recordFailure("rejected")
			span.SetStatus(codes.Error, "expression rejected")
			span.RecordError(err)
			logger.InfoContext(ctx, "expression rejected", "error", err)
			return eval.Result{}, err
		}
	}

	records, err := s.records.FetchRecords(ctx)
	if err != nil {
		fetchErr := &StoreFetchError{Source: sourceName(s.records), Err: err}
		s.metrics.recordFailure("fetch_error")
		span.SetStatus(codes.Error, "fetch records")
		span.RecordError(fetchErr)
		logger.ErrorContext(ctx, "failed to fetch records", "source", fetchErr.Source, "error", err)
		return eval.Result{}, fetchErr
	}

	res := eval.Collect(records, expr)
	elapsed := s.now().Sub(start)

	span.SetAttributes(
		attribute.Int("rulesift.records.scanned", res.Scanned),
		attribute.Int("rulesift.records.matched", len(res.Matches)),
		attribute.Int("rulesift.diagnostics", len(res.Diagnostics)),
	)
	s.metrics.recordEvaluation(res, elapsed)
	s.logDiagnostics(ctx, logger, res.Diagnostics)

	logger.DebugContext(ctx, "rule evaluated",
		"scanned", res.Scanned,
		"matched", len(res.Matches),
		"diagnostics", len(res.Diagnostics),
		"duration", elapsed,
	)

	s.publish(ctx, logger, expr, ruleIDs, res, elapsed)

	return res, nil
}

// logDiagnostics reports each diagnostic at debug level and a summary at
// warn level, so a rule naming a missing field does not log once per record
// at warn.
func (s *Service) logDiagnostics(ctx context.Context, logger *slog.Logger, diags []eval.Diagnostic) {
	if len(diags) == 0 {
		return
	}
	for _, d := range diags {
		logger.DebugContext(ctx, "evaluation diagnostic",
			"record_id", d.RecordID,
			"kind", d.Kind,
			"field", d.Field,
			"message", d.Message,
		)
	}
	first := diags[0]
	logger.WarnContext(ctx, "rule evaluated with diagnostics",
		"count", len(diags),
		"kind", first.Kind,
		"field", first.Field,
		"message", first.Message,
	)
}

func (s *Service) publish(ctx context.Context, logger *slog.Logger, expr ast.Expr, ruleIDs []int64, res eval.Result, elapsed time.Duration) {
	if len(s.sinks) == 0 {
		return
	}

	event := EvaluationEvent{
		ID:          uuid.New(),
		RuleIDs:     ruleIDs,
		Matched:     res.IDs(),
		Scanned:     res.Scanned,
		Diagnostics: len(res.Diagnostics),
		Duration:    elapsed,
		At:          s.now().UTC(),
	}
	if raw, err := json.Marshal(expr); err == nil {
		event.Expression = raw
	}

	for _, sink := range s.sinks {
		if err := sink.Publish(ctx, event); err != nil {
			s.metrics.recordSinkError(sinkName(sink))
			logger.WarnContext(ctx, "failed to publish evaluation event",
				"sink", sinkName(sink),
				"event_id", event.ID,
				"error", err,
			)
		}
	}
}

// AddRule validates and stores rule text. It reports false with a nil error
// when an identical rule already exists.
func (s *Service) AddRule(ctx context.Context, text string) (bool, error) {
	if s.rules == nil {
		return false, ErrNoRuleStore
	}
	text = strings.TrimSpace(text)
	if err := s.checkRuleText(text); err != nil {
		s.metrics.recordRuleOperation("add", "invalid")
		return false, err
	}

	added, err := s.rules.AddRule(ctx, text)
	switch {
	case err != nil:
		s.metrics.recordRuleOperation("add", "error")
		return false, fmt.Errorf("add rule: %w", err)
	case !added:
		s.metrics.recordRuleOperation("add", "exists")
	default:
		s.metrics.recordRuleOperation("add", "ok")
		logging.WithContext(ctx, s.logger).InfoContext(ctx, "rule added", "rule", text)
	}
	return added, nil
}

// ListRules returns every stored rule.
func (s *Service) ListRules(ctx context.Context) ([]StoredRule, error) {
	if s.rules == nil {
		return nil, ErrNoRuleStore
	}
	rules, err := s.rules.ListRules(ctx)
	if err != nil {
		s.metrics.recordRuleOperation("list", "error")
		return nil, fmt.Errorf("list rules: %w", err)
	}
	s.metrics.recordRuleOperation("list", "ok")
	return rules, nil
}

// UpdateRule validates text and replaces rule id with it. It reports false
// with a nil error when no such rule exists.
func (s *Service) UpdateRule(ctx context.Context, id int64, text string) (bool, error) {
	if s.rules == nil {
		return false, ErrNoRuleStore
	}
	text = strings.TrimSpace(text)
	if err := s.checkRuleText(text); err != nil {
		s.metrics.recordRuleOperation("update", "invalid")
		return false, err
	}

	updated, err := s.rules.UpdateRule(ctx, id, text)
	switch {
	case err != nil:
		s.metrics.recordRuleOperation("update", "error")
		return false, fmt.Errorf("update rule %d: %w", id, err)
	case !updated:
		s.metrics.recordRuleOperation("update", "not_found")
	default:
		s.metrics.recordRuleOperation("update", "ok")
		logging.WithContext(ctx, s.logger).InfoContext(ctx, "rule updated", "rule_id", id, "rule", text)
	}
	return updated, nil
}

func (s *Service) checkRuleText(text string) error {
	expr, err := ast.ParseText(text)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRuleText, err)
	}
	if s.strict {
		if err := ast.Validate(expr); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRuleText, err)
		}
	}
	return nil
}
