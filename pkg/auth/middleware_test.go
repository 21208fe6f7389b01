package auth_test

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/regnexus/pkg/auth"
)

var testSecret = []byte("regnexus-test-secret-0123456789abcdef")

// createTestToken signs claims for the given subject with secret.
func createTestToken(t *testing.T, secret []byte, method jwt.SigningMethod, sub string, roles []string, expiry time.Time) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(expiry),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "regnexus-test",
		},
		Roles: roles,
	}
	token, err := jwt.NewWithClaims(method, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func serve(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func mustNotCall(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called")
	})
}

func TestMiddleware_ValidJWT(t *testing.T) {
	middleware := auth.NewMiddleware(auth.NewJWTValidator(testSecret))

	var captured auth.Principal
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := auth.GetPrincipal(r.Context())
		if err != nil {
			t.Errorf("expected principal in context: %v", err)
		}
		captured = p
		w.WriteHeader(http.StatusOK)
	}))

	token := createTestToken(t, testSecret, jwt.SigningMethodHS256, "svc-ingest", []string{"operator"}, time.Now().Add(time.Hour))
	w := serve(t, handler, http.MethodGet, "/v1/stats", token)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if captured == nil {
		t.Fatal("principal was not set in context")
	}
	if captured.GetID() != "svc-ingest" {
		t.Errorf("expected subject 'svc-ingest', got %q", captured.GetID())
	}
	if !captured.HasRole("operator") || captured.HasRole("admin") {
		t.Errorf("unexpected roles %v", captured.GetRoles())
	}
}

func TestMiddleware_ExpiredJWT(t *testing.T) {
	handler := auth.NewMiddleware(auth.NewJWTValidator(testSecret))(mustNotCall(t))
	token := createTestToken(t, testSecret, jwt.SigningMethodHS256, "svc", nil, time.Now().Add(-time.Hour))

	if w := serve(t, handler, http.MethodGet, "/v1/stats", token); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_LeewayAcceptsSkew(t *testing.T) {
	v := auth.NewJWTValidator(testSecret, auth.WithLeeway(time.Minute))
	token := createTestToken(t, testSecret, jwt.SigningMethodHS256, "svc", nil, time.Now().Add(-10*time.Second))

	if _, err := v.Validate(token); err != nil {
		t.Errorf("expected token within leeway to validate: %v", err)
	}
}

func TestMiddleware_MissingHeader(t *testing.T) {
	handler := auth.NewMiddleware(auth.NewJWTValidator(testSecret))(mustNotCall(t))

	if w := serve(t, handler, http.MethodGet, "/v1/stats", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_MalformedHeader(t *testing.T) {
	handler := auth.NewMiddleware(auth.NewJWTValidator(testSecret))(mustNotCall(t))

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected problem+json, got %q", ct)
	}
}

func TestMiddleware_InvalidSignature(t *testing.T) {
	handler := auth.NewMiddleware(auth.NewJWTValidator(testSecret))(mustNotCall(t))
	token := createTestToken(t, []byte("some-other-secret"), jwt.SigningMethodHS256, "svc", nil, time.Now().Add(time.Hour))

	if w := serve(t, handler, http.MethodGet, "/v1/stats", token); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_RejectsOtherAlgorithms(t *testing.T) {
	handler := auth.NewMiddleware(auth.NewJWTValidator(testSecret))(mustNotCall(t))
	token := createTestToken(t, testSecret, jwt.SigningMethodHS512, "svc", nil, time.Now().Add(time.Hour))

	if w := serve(t, handler, http.MethodGet, "/v1/stats", token); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for HS512 token, got %d", w.Code)
	}
}

func TestMiddleware_IssuerMismatch(t *testing.T) {
	v := auth.NewJWTValidator(testSecret, auth.WithIssuer("regnexus-prod"))
	token := createTestToken(t, testSecret, jwt.SigningMethodHS256, "svc", nil, time.Now().Add(time.Hour))

	if _, err := v.Validate(token); err == nil {
		t.Error("expected issuer mismatch to fail validation")
	}
}

func TestMiddleware_PublicPathsBypass(t *testing.T) {
	middleware := auth.NewMiddleware(auth.NewJWTValidator(testSecret))

	for _, path := range []string{"/health", "/openapi.yaml"} {
		called := false
		handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			w.WriteHeader(http.StatusOK)
		}))
		w := serve(t, handler, http.MethodGet, path, "")
		if !called || w.Code != http.StatusOK {
			t.Errorf("%s: expected public access, got %d", path, w.Code)
		}
	}
}

func TestMiddleware_NilValidator_FailClosed(t *testing.T) {
	if auth.NewJWTValidator(nil) != nil {
		t.Fatal("expected nil validator for empty secret")
	}
	handler := auth.NewMiddleware(nil)(mustNotCall(t))

	if w := serve(t, handler, http.MethodGet, "/v1/stats", "some-token"); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_MissingSubjectClaim(t *testing.T) {
	handler := auth.NewMiddleware(auth.NewJWTValidator(testSecret))(mustNotCall(t))
	token := createTestToken(t, testSecret, jwt.SigningMethodHS256, "", nil, time.Now().Add(time.Hour))

	if w := serve(t, handler, http.MethodGet, "/v1/stats", token); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestRequireRole(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := auth.NewMiddleware(auth.NewJWTValidator(testSecret))(auth.RequireRole(auth.RoleOperator)(ok))

	viewer := createTestToken(t, testSecret, jwt.SigningMethodHS256, "dash", []string{auth.RoleViewer}, time.Now().Add(time.Hour))
	operator := createTestToken(t, testSecret, jwt.SigningMethodHS256, "ops", []string{auth.RoleOperator}, time.Now().Add(time.Hour))
	admin := createTestToken(t, testSecret, jwt.SigningMethodHS256, "root", []string{auth.RoleAdmin}, time.Now().Add(time.Hour))

	cases := []struct {
		method, token string
		want          int
	}{
		{http.MethodGet, viewer, http.StatusOK},
		{http.MethodPost, viewer, http.StatusForbidden},
		{http.MethodPost, operator, http.StatusOK},
		{http.MethodPost, admin, http.StatusOK},
	}
	for _, tc := range cases {
		if w := serve(t, handler, tc.method, "/v1/monitor", tc.token); w.Code != tc.want {
			t.Errorf("%s: expected %d, got %d", tc.method, tc.want, w.Code)
		}
	}
}

func TestRequireRole_InertWithoutAuth(t *testing.T) {
	handler := auth.RequireRole(auth.RoleOperator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	if w := serve(t, handler, http.MethodPost, "/v1/monitor", ""); w.Code != http.StatusOK {
		t.Errorf("expected 200 without principal, got %d", w.Code)
	}
}

func TestGetRequestID_ExtractsFromContext(t *testing.T) {
	var got string
	handler := auth.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = auth.GetRequestID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	w := serve(t, handler, http.MethodGet, "/v1/stats", "")
	if got == "" {
		t.Fatal("expected non-empty request id from context")
	}
	if w.Header().Get("X-Request-ID") != got {
		t.Fatal("expected X-Request-ID header to match context id")
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set("X-Request-ID", "client-42")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if got != "client-42" {
		t.Errorf("expected client request id to be reused, got %q", got)
	}
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	handler := auth.RequestIDMiddleware(auth.AccessLog(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set("X-Request-ID", "req-7")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	for _, want := range []string{`"status":418`, `"request_id":"req-7"`, `"path":"/v1/stats"`, `"component":"http"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log line missing %s: %s", want, out)
		}
	}
}

func TestCORSMiddleware(t *testing.T) {
	handler := auth.CORSMiddleware([]string{"https://console.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/v1/monitor", nil)
	req.Header.Set("Origin", "https://console.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204 for preflight, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://console.example.com" {
		t.Errorf("expected allowed origin, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("expected no allow-origin for foreign origin, got %q", got)
	}
}
