package api

import (
	_ "embed"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/regnexus/pkg/drift"
	"github.com/Mindburn-Labs/regnexus/pkg/harmonize"
	"github.com/Mindburn-Labs/regnexus/pkg/observability"
	"github.com/Mindburn-Labs/regnexus/pkg/oracle"
	"github.com/Mindburn-Labs/regnexus/pkg/patch"
	"github.com/Mindburn-Labs/regnexus/pkg/retroaudit"
)

//go:embed openapi.yaml
var openAPISpec []byte

const (
	maxBody      = 1 << 20
	maxAuditBody = 32 << 20
)

// Server routes HTTP requests to an oracle.
type Server struct {
	oracle     *oracle.Oracle
	obs        *observability.Provider
	mux        *http.ServeMux
	middleware []func(http.Handler) http.Handler
	routes     []string
	logger     *slog.Logger

	trendWindow int
}

type ServerOption func(*Server)

// WithProvider instruments every route with a span and RED metrics.
func WithProvider(p *observability.Provider) ServerOption {
	return func(s *Server) { s.obs = p }
}

// WithTrendWindow sets the window used when a trend request omits one.
func WithTrendWindow(n int) ServerOption {
	return func(s *Server) {
		if n >= 2 {
			s.trendWindow = n
		}
	}
}

// WithMiddleware wraps the router; the first middleware is outermost.
func WithMiddleware(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(s *Server) { s.middleware = append(s.middleware, mw...) }
}

func NewServer(o *oracle.Oracle, opts ...ServerOption) *Server {
	s := &Server{
		oracle: o,
		mux:    http.NewServeMux(),
		logger: slog.Default().With("component", "api"),

		trendWindow: drift.DefaultTrendWindow,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.handle("POST /v1/monitor", s.handleMonitor)
	s.handle("POST /v1/harmonize", s.handleHarmonize)
	s.handle("POST /v1/audit", s.handleAudit)
	s.handle("POST /v1/patches/{id}/apply", s.handleApplyPatch)
	s.handle("GET /v1/patches", s.handleListPatches)
	s.handle("POST /v1/amendments/predict", s.handlePredict)
	s.handle("GET /v1/trend/{rule_id}", s.handleTrend)
	s.handle("GET /v1/stats", s.handleStats)
	s.handle("GET /health", s.handleHealth)
	s.handle("GET /openapi.yaml", s.handleOpenAPI)
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", "no route for "+r.Method+" "+r.URL.Path)
	})
	return s
}

// Handler returns the router wrapped in the configured middleware.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	for i := len(s.middleware) - 1; i >= 0; i-- {
		h = s.middleware[i](h)
	}
	return h
}

// Routes lists the registered method-qualified patterns.
func (s *Server) Routes() []string {
	return append([]string(nil), s.routes...)
}

func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, s.instrument(pattern, h))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

var errServerStatus = errors.New("server error response")

func (s *Server) instrument(pattern string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, done := s.obs.TrackOperation(r.Context(), "http "+pattern)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r.WithContext(ctx))
		if rec.status >= 500 {
			done(errServerStatus)
			return
		}
		done(nil)
	})
}

func decode(w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "Invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// MonitorRequest carries observed outcome distributions per rule id.
type MonitorRequest struct {
	Distributions map[string]drift.Distribution `json:"distributions"`
}

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	var req MonitorRequest
	if !decode(w, r, maxBody, &req) {
		return
	}
	if len(req.Distributions) == 0 {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "distributions must not be empty")
		return
	}
	res, err := s.oracle.Monitor(r.Context(), req.Distributions)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if len(res.Errors) > 0 {
		s.logger.WarnContext(r.Context(), "monitor cycle had rule errors", "errors", len(res.Errors), "rules", len(req.Distributions))
	}
	writeJSON(w, http.StatusOK, res)
}

// HarmonizeRequest names the rules to harmonize. Without law_ids every
// rule applicable to the context is used.
type HarmonizeRequest struct {
	LawIDs  []string                   `json:"law_ids"`
	Context harmonize.OperationContext `json:"context"`
}

func (s *Server) handleHarmonize(w http.ResponseWriter, r *http.Request) {
	var req HarmonizeRequest
	if !decode(w, r, maxBody, &req) {
		return
	}
	res, err := s.oracle.Harmonize(r.Context(), req.LawIDs, req.Context)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// AuditRequest carries historical records and an optional window.
type AuditRequest struct {
	Records   []retroaudit.OperationRecord `json:"records"`
	TimeRange *retroaudit.TimeRange        `json:"time_range,omitempty"`
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	var req AuditRequest
	if !decode(w, r, maxAuditBody, &req) {
		return
	}
	res, err := s.oracle.Audit(r.Context(), req.Records, req.TimeRange)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleApplyPatch(w http.ResponseWriter, r *http.Request) {
	p, err := s.oracle.ApplyPatch(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListPatches(w http.ResponseWriter, r *http.Request) {
	status := patch.Status(r.URL.Query().Get("status"))
	switch status {
	case "", patch.StatusGenerated, patch.StatusApplied, patch.StatusFailed:
	default:
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "unknown status "+strconv.Quote(string(status)))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"patches": s.oracle.Patches(status)})
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var sig oracle.AmendmentSignal
	if !decode(w, r, maxBody, &sig) {
		return
	}
	pred, err := s.oracle.PredictAmendment(sig)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pred)
}

func (s *Server) handleTrend(w http.ResponseWriter, r *http.Request) {
	ruleID := r.PathValue("rule_id")
	window := s.trendWindow
	if v := r.URL.Query().Get("window"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 2 {
			WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "window must be an integer of at least 2")
			return
		}
		window = n
	}
	trend, err := s.oracle.Trend(r.Context(), ruleID, window)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rule_id": ruleID, "trend": trend, "window": window})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	sum, err := s.oracle.Summary(r.Context())
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status string `json:"status"`
	*oracle.Summary
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sum, err := s.oracle.Summary(r.Context())
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Summary: sum})
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(openAPISpec)
}
