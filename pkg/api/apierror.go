// Package api serves the reconciliation operations over HTTP. Errors are
// RFC 7807 problem details.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/regnexus/pkg/catalog"
	"github.com/Mindburn-Labs/regnexus/pkg/oracle"
	"github.com/Mindburn-Labs/regnexus/pkg/patch"
	"github.com/Mindburn-Labs/regnexus/pkg/retroaudit"
)

const problemTypeBase = "https://regnexus.mindburn.org/errors/"

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// TraceID is the request id assigned by the request-id middleware.
	TraceID string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   fmt.Sprintf("%s%d", problemTypeBase, status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteErrorR is WriteError enriched with the request path and id.
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:     fmt.Sprintf("%s%d", problemTypeBase, status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	})
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500. err is logged, never sent to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// WriteDomainError maps engine errors onto problem details: unknown rules
// and patches are 404, patch lifecycle violations 409, invalid input 400.
// Anything else is an internal error.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var unknown *catalog.UnknownRuleError
	var pae *patch.PatchApplicationError
	switch {
	case errors.As(err, &unknown):
		WriteErrorR(w, r, http.StatusNotFound, "Unknown Rule", unknown.Error())
	case errors.Is(err, patch.ErrUnknownPatch):
		WriteErrorR(w, r, http.StatusNotFound, "Unknown Patch", err.Error())
	case errors.As(err, &pae):
		WriteErrorR(w, r, http.StatusConflict, "Patch Application Failed", pae.Error())
	case errors.Is(err, oracle.ErrInvalidSignal), errors.Is(err, retroaudit.ErrInvalidTimeRange):
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
	default:
		WriteInternal(w, err)
	}
}
