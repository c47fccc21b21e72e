package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rulesift/rulesift/ast"
	"github.com/rulesift/rulesift/eval"
	"github.com/rulesift/rulesift/internal/logging"
	"github.com/rulesift/rulesift/record"
	"github.com/rulesift/rulesift/runtime"
)

const maxBodyBytes = 1 << 20

// pinger is implemented by stores that can report connectivity.
type pinger interface {
	Ping(ctx context.Context) error
}

type readinessCheck struct {
	name string
	ping pinger
}

type serverOptions struct {
	corsOrigins      []string
	emptyResultError bool
	throttle         *throttle
	gatherer         prometheus.Gatherer // nil disables /metrics
	checks           []readinessCheck
	accessLog        io.Writer // nil disables access logging
}

type server struct {
	service *runtime.Service
	logger  *slog.Logger
	opts    serverOptions
}

func newServer(service *runtime.Service, logger *slog.Logger, opts serverOptions) *server {
	if logger == nil {
		logger = slog.Default()
	}
	if len(opts.corsOrigins) == 0 {
		opts.corsOrigins = []string{"*"}
	}
	return &server{service: service, logger: logger, opts: opts}
}

func (s *server) handler() http.Handler {
	api := func(h http.HandlerFunc) http.Handler { return s.opts.throttle.Middleware(h) }

	mux := http.NewServeMux()
	mux.Handle("GET /{$}", api(s.handleRoot))
	mux.Handle("POST /add-rules", api(s.handleAddRule))
	mux.Handle("GET /rules", api(s.handleListRules))
	mux.Handle("PATCH /rules/{id}", api(s.handleUpdateRule))
	mux.Handle("POST /evaluate", api(s.handleEvaluate))
	mux.Handle("POST /rules/evaluate", api(s.handleEvaluateStored))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	if s.opts.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.gatherer, promhttp.HandlerOpts{}))
	}

	var h http.Handler = s.requestLogger(mux)
	h = handlers.CORS(
		handlers.AllowedOrigins(s.opts.corsOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)(h)
	if s.opts.accessLog != nil {
		h = handlers.CombinedLoggingHandler(s.opts.accessLog, h)
	}
	return h
}

const requestIDHeader = "X-Request-ID"

// requestLogger stores a logger tagged with the request ID, method and path
// in the request context. A client-supplied X-Request-ID is kept.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		logger := s.logger.With("request_id", id, "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(logging.NewContext(r.Context(), logger)))
	})
}

func (s *server) log(r *http.Request) *slog.Logger {
	return logging.WithContext(r.Context(), s.logger)
}

type ruleTextRequest struct {
	RuleText *string `json:"rule_text"`
}

type evaluateRequest struct {
	Rules json.RawMessage `json:"rules"`
}

type evaluateStoredRequest struct {
	IDs []int64 `json:"ids"`
}

type evaluateResponse struct {
	Message     string            `json:"message"`
	ValidUsers  []record.Record   `json:"valid_users"`
	Diagnostics []eval.Diagnostic `json:"diagnostics"`
	Scanned     int               `json:"scanned"`
	Expression  ast.Expr          `json:"expression,omitempty"`
}

func (s *server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Hello, World!"})
}

func (s *server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	text, ok := decodeRuleText(w, r)
	if !ok {
		return
	}

	added, err := s.service.AddRule(r.Context(), text)
	switch {
	case errors.Is(err, runtime.ErrInvalidRuleText):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.log(r).ErrorContext(r.Context(), "add rule", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Unable to add rule to the database.")
	case !added:
		writeJSONError(w, http.StatusConflict, "Rule already exists in the database.")
	default:
		writeJSON(w, http.StatusCreated, map[string]string{"message": "Rule added successfully!"})
	}
}

func (s *server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.service.ListRules(r.Context())
	if err != nil {
		s.log(r).ErrorContext(r.Context(), "list rules", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Unable to fetch rules from the database.")
		return
	}
	if rules == nil {
		rules = []runtime.StoredRule{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": rules})
}

func (s *server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid rule id %q", r.PathValue("id")))
		return
	}
	text, ok := decodeRuleText(w, r)
	if !ok {
		return
	}

	updated, err := s.service.UpdateRule(r.Context(), id, text)
	switch {
	case errors.Is(err, runtime.ErrInvalidRuleText):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, runtime.ErrDuplicateRule):
		writeJSONError(w, http.StatusConflict, "Rule already exists in the database.")
	case err != nil:
		s.log(r).ErrorContext(r.Context(), "update rule", "rule_id", id, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Rule update failed.")
	case !updated:
		writeJSONError(w, http.StatusNotFound, "Rule not found or update failed.")
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message": "Rule updated successfully!",
			"rule_id": id,
		})
	}
}

func (s *server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Rules) == 0 {
		writeJSONError(w, http.StatusBadRequest, `"rules" is required`)
		return
	}

	expr, err := ast.ParseJSON(req.Rules)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.service.EvaluateRule(r.Context(), expr)
	if err != nil {
		s.writeEvaluationError(w, r, err)
		return
	}
	s.writeEvaluation(w, res, nil)
}

func (s *server) handleEvaluateStored(w http.ResponseWriter, r *http.Request) {
	var req evaluateStoredRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, expr, err := s.service.EvaluateStored(r.Context(), req.IDs)
	if err != nil {
		s.writeEvaluationError(w, r, err)
		return
	}
	s.writeEvaluation(w, res, expr)
}

func (s *server) writeEvaluation(w http.ResponseWriter, res eval.Result, expr ast.Expr) {
	if len(res.Matches) == 0 && s.opts.emptyResultError {
		writeJSONError(w, http.StatusInternalServerError, "No valid users found")
		return
	}
	writeJSON(w, http.StatusOK, evaluateResponse{
		Message:     "Rule evaluated successfully",
		ValidUsers:  res.Matches,
		Diagnostics: res.Diagnostics,
		Scanned:     res.Scanned,
		Expression:  expr,
	})
}

func (s *server) writeEvaluationError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		fetchErr *runtime.StoreFetchError
		valErr   *ast.ValidationError
	)
	switch {
	case errors.As(err, &fetchErr):
		writeJSONError(w, http.StatusInternalServerError, "Evaluation failed: "+err.Error())
	case errors.As(err, &valErr),
		errors.Is(err, runtime.ErrInvalidRuleText),
		errors.Is(err, runtime.ErrNoRulesSelected):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, runtime.ErrRuleNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	default:
		s.log(r).ErrorContext(r.Context(), "evaluate", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Evaluation failed: "+err.Error())
	}
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for _, check := range s.opts.checks {
		if err := check.ping.Ping(ctx); err != nil {
			failed[check.name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unavailable",
			"checks": failed,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func decodeRuleText(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req ruleTextRequest
	if !decodeBody(w, r, &req) {
		return "", false
	}
	if req.RuleText == nil || strings.TrimSpace(*req.RuleText) == "" {
		writeJSONError(w, http.StatusBadRequest, `"rule_text" is required`)
		return "", false
	}
	return *req.RuleText, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeJSONError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"detail": message})
}
