// Package httpapi implements the optional HTTP surface of spec.md §6:
// health, aggregated metrics, rule listing, and ad-hoc event evaluation.
// Grounded in the teacher's ambient stack (zerolog request logging,
// %w-wrapped sanitized errors) but net/http-only: no example repo in the
// pack ships an HTTP router or framework, so the standard library's
// http.ServeMux is the only grounded choice here (see DESIGN.md).
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/encoding/json"

	"github.com/boogy/sigma-stream/pkg/event"
	"github.com/boogy/sigma-stream/pkg/metrics"
	"github.com/boogy/sigma-stream/pkg/ruleset"
)

// MaxEventBodyBytes is the hard cap on a POST /evaluate body, per spec.md §6.
const MaxEventBodyBytes = 1 << 20 // 1 MiB

// Version is overridden at build time (e.g. -ldflags) to report a real
// release tag from GET /health.
var Version = "dev"

// RuleSource is the narrow view of a compiled rule set the API needs.
type RuleSource interface {
	Evaluate(evt *event.Event) ruleset.Result
	List() []ruleset.Summary
	Len() int
}

// Server exposes the spec.md §6 HTTP surface over a RuleSource.
type Server struct {
	addr      string
	apiKey    string
	rules     RuleSource
	registry  *metrics.Registry
	startedAt time.Time
	httpSrv   *http.Server
}

// New builds a Server. An empty apiKey disables the X-API-Key requirement
// (matching spec.md §6: "requests ... require X-API-Key when an API key is
// configured").
func New(addr string, apiKey string, rules RuleSource, registry *metrics.Registry) *Server {
	if registry == nil {
		registry = metrics.NewRegistry()
	}
	s := &Server{
		addr:      addr,
		apiKey:    apiKey,
		rules:     rules,
		registry:  registry,
		startedAt: time.Now(),
	}
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.authenticated(http.HandlerFunc(s.handleMetrics)))
	mux.Handle("/rules", s.authenticated(http.HandlerFunc(s.handleRules)))
	mux.Handle("/evaluate", s.authenticated(http.HandlerFunc(s.handleEvaluate)))
	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Ctx(r.Context()).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("httpapi: request handled")
	})
}

// authenticated enforces X-API-Key when an API key is configured. /health
// is mounted outside this wrapper and is always open, per spec.md §6.
func (s *Server) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && r.Header.Get("X-API-Key") != s.apiKey {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run starts the HTTP server and blocks until ctx is cancelled, at which
// point it shuts down gracefully within a bounded deadline.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.addr).Msg("httpapi: listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("httpapi: graceful shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Version:       Version,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Snapshot())
}

type rulesResponse struct {
	Rules []ruleset.Summary `json:"rules"`
	Total int               `json:"total"`
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	list := s.rules.List()
	writeJSON(w, http.StatusOK, rulesResponse{Rules: list, Total: len(list)})
}

type evaluateRuleResult struct {
	RuleID           string  `json:"rule_id"`
	RuleTitle        string  `json:"rule_title"`
	Matched          bool    `json:"matched"`
	EvaluationTimeMs float64 `json:"evaluation_time_ms"`
}

type evaluateResponse struct {
	Matched              bool                 `json:"matched"`
	Rules                []evaluateRuleResult `json:"rules"`
	TotalRulesEvaluated  int                  `json:"total_rules_evaluated"`
	EvaluationTimeMs     float64              `json:"evaluation_time_ms"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxEventBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "event body exceeds 1 MiB")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "event body must not be empty")
		return
	}

	evt, err := event.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event payload")
		return
	}

	start := time.Now()
	result := s.rules.Evaluate(evt)
	elapsed := time.Since(start)

	s.registry.AddEventsConsumed(1)
	s.registry.AddRulesEvaluated(int64(result.RulesEvaluated))

	resp := evaluateResponse{
		TotalRulesEvaluated: result.RulesEvaluated,
		EvaluationTimeMs:    float64(elapsed.Microseconds()) / 1000.0,
		Rules:               make([]evaluateRuleResult, 0, len(result.Matches)),
	}
	matchCount := int64(0)
	for _, m := range result.Matches {
		if m.Matched {
			resp.Matched = true
			matchCount++
		}
		resp.Rules = append(resp.Rules, evaluateRuleResult{
			RuleID:           m.RuleID,
			RuleTitle:        m.RuleTitle,
			Matched:          m.Matched,
			EvaluationTimeMs: float64(m.EvaluationTime.Microseconds()) / 1000.0,
		})
	}
	s.registry.AddRuleMatches(matchCount)

	writeJSON(w, http.StatusOK, resp)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError sanitizes internal details into a generic status code and a
// short reason string, per spec.md §7's HTTP-boundary error policy.
func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, errorResponse{Error: reason})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("httpapi: failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
