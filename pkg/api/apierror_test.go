package api_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Mindburn-Labs/regnexus/pkg/api"
	"github.com/Mindburn-Labs/regnexus/pkg/catalog"
	"github.com/Mindburn-Labs/regnexus/pkg/oracle"
	"github.com/Mindburn-Labs/regnexus/pkg/patch"
	"github.com/Mindburn-Labs/regnexus/pkg/retroaudit"
)

func TestWriteError_ContentType(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteError(w, http.StatusBadRequest, "Bad Request", "field is missing")

	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected Content-Type 'application/problem+json', got %q", ct)
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}

	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if problem.Status != 400 {
		t.Errorf("expected problem.status=400, got %d", problem.Status)
	}
	if problem.Title != "Bad Request" {
		t.Errorf("expected title 'Bad Request', got %q", problem.Title)
	}
	if problem.Detail != "field is missing" {
		t.Errorf("expected detail 'field is missing', got %q", problem.Detail)
	}
}

func TestWriteInternal_SanitizesError(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteInternal(w, errors.New("pq: connection refused to host=10.0.0.1"))

	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	// Must NOT contain internal error details
	if problem.Detail == "pq: connection refused to host=10.0.0.1" {
		t.Error("internal error details leaked to client")
	}
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", w.Code)
	}
}

func TestWriteTooManyRequests_RetryAfterHeader(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteTooManyRequests(w, 30)

	if ra := w.Header().Get("Retry-After"); ra != "30" {
		t.Errorf("expected Retry-After '30', got %q", ra)
	}
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", w.Code)
	}
}

func TestWriteUnauthorized_DefaultDetail(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteUnauthorized(w, "")

	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if problem.Detail != "Authentication required" {
		t.Errorf("expected default detail, got %q", problem.Detail)
	}
}

func TestWriteErrorR_EnrichesWithRequestContext(t *testing.T) {
	req := httptest.NewRequest("GET", "/v1/audit", nil)
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-ID", "req-123")

	api.WriteErrorR(w, req, http.StatusBadRequest, "Bad Request", "bad input")

	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if problem.Instance != "/v1/audit" {
		t.Fatalf("expected instance %q, got %q", "/v1/audit", problem.Instance)
	}
	if problem.TraceID != "req-123" {
		t.Fatalf("expected trace_id %q, got %q", "req-123", problem.TraceID)
	}
}

func TestWriteDomainError_Mapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		title  string
	}{
		{"unknown rule", fmt.Errorf("harmonize: %w", &catalog.UnknownRuleError{RuleID: "ccpa"}), http.StatusNotFound, "Unknown Rule"},
		{"unknown patch", &patch.PatchApplicationError{PatchID: "p", Reason: "not found", Err: patch.ErrUnknownPatch}, http.StatusNotFound, "Unknown Patch"},
		{"bad transition", &patch.PatchApplicationError{PatchID: "p", Reason: "cannot apply patch in status applied"}, http.StatusConflict, "Patch Application Failed"},
		{"bad signal", fmt.Errorf("%w: confidence 2", oracle.ErrInvalidSignal), http.StatusBadRequest, "Bad Request"},
		{"bad range", fmt.Errorf("%w: start after end", retroaudit.ErrInvalidTimeRange), http.StatusBadRequest, "Bad Request"},
		{"other", errors.New("disk full"), http.StatusInternalServerError, "Internal Server Error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			api.WriteDomainError(w, httptest.NewRequest(http.MethodPost, "/v1/x", nil), tc.err)

			assert.Equal(t, tc.status, w.Code)
			var problem api.ProblemDetail
			if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
				t.Fatalf("failed to decode: %v", err)
			}
			assert.Equal(t, tc.title, problem.Title)
			assert.NotContains(t, problem.Detail, "disk full")
		})
	}
}
