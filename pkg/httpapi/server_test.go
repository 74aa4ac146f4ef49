package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/boogy/sigma-stream/pkg/event"
	"github.com/boogy/sigma-stream/pkg/metrics"
	"github.com/boogy/sigma-stream/pkg/ruleset"
	"github.com/boogy/sigma-stream/pkg/tree"
)

type fakeRuleSource struct {
	summaries []ruleset.Summary
	result    ruleset.Result
}

func (f *fakeRuleSource) Evaluate(evt *event.Event) ruleset.Result { return f.result }
func (f *fakeRuleSource) List() []ruleset.Summary                  { return f.summaries }
func (f *fakeRuleSource) Len() int                                 { return len(f.summaries) }

func TestHealthEndpoint_NoAuthRequired(t *testing.T) {
	srv := New(":0", "secret", &fakeRuleSource{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestAuthenticatedEndpoints_RejectMissingAPIKey(t *testing.T) {
	srv := New(":0", "secret", &fakeRuleSource{}, nil)

	for _, path := range []string{"/metrics", "/rules", "/evaluate"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		srv.routes().ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestAuthenticatedEndpoints_AcceptValidAPIKey(t *testing.T) {
	srv := New(":0", "secret", &fakeRuleSource{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/rules", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestEvaluateEndpoint_EmptyBodyIsBadRequest(t *testing.T) {
	srv := New(":0", "", &fakeRuleSource{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/evaluate", bytes.NewReader(nil))
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvaluateEndpoint_OversizedBodyIs413(t *testing.T) {
	srv := New(":0", "", &fakeRuleSource{}, nil)

	oversized := bytes.Repeat([]byte("a"), MaxEventBodyBytes+1)
	req := httptest.NewRequest(http.MethodPost, "/evaluate", bytes.NewReader(oversized))
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestEvaluateEndpoint_MatchedResponse(t *testing.T) {
	fake := &fakeRuleSource{
		result: ruleset.Result{
			RulesEvaluated: 1,
			EvaluationTime: 5 * time.Millisecond,
			Matches: []ruleset.Match{
				{
					RuleID:         "rule-1",
					RuleTitle:      "Test Rule",
					Matched:        true,
					Result:         tree.Matched(),
					EvaluationTime: time.Millisecond,
				},
			},
		},
	}
	srv := New(":0", "", fake, metrics.NewRegistry())

	req := httptest.NewRequest(http.MethodPost, "/evaluate", bytes.NewReader([]byte(`{"EventID":1}`)))
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"matched":true`)
	require.Contains(t, rec.Body.String(), `"rule_id":"rule-1"`)
}

func TestEvaluateEndpoint_WrongMethod(t *testing.T) {
	srv := New(":0", "", &fakeRuleSource{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/evaluate", nil)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
