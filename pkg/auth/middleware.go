// Package auth provides bearer-token authentication and request plumbing
// middleware for the HTTP API.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/regnexus/pkg/api"
)

// Claims are the JWT claims expected by the API.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// JWTValidator validates HS256 tokens signed with a shared secret.
type JWTValidator struct {
	secret []byte
	issuer string
	leeway time.Duration
}

type ValidatorOption func(*JWTValidator)

// WithIssuer requires the iss claim to equal issuer.
func WithIssuer(issuer string) ValidatorOption {
	return func(v *JWTValidator) { v.issuer = issuer }
}

// WithLeeway tolerates clock skew on exp and nbf.
func WithLeeway(d time.Duration) ValidatorOption {
	return func(v *JWTValidator) { v.leeway = d }
}

// NewJWTValidator returns nil for an empty secret, which makes the
// middleware reject every protected request.
func NewJWTValidator(secret []byte, opts ...ValidatorOption) *JWTValidator {
	if len(secret) == 0 {
		return nil
	}
	v := &JWTValidator{secret: secret}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate parses and validates a JWT token string.
func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, errors.New("validator uninitialized")
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, parserOpts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// publicPaths are endpoints that do not require authentication.
var publicPaths = []string{
	"/health",
	"/openapi.yaml",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// NewMiddleware creates JWT auth middleware.
// If validator is nil, all non-public requests are rejected (fail closed).
func NewMiddleware(validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				api.WriteUnauthorized(w, "Missing Authorization header")
				return
			}

			scheme, tokenStr, ok := strings.Cut(authHeader, " ")
			if !ok || scheme != "Bearer" || tokenStr == "" {
				api.WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			if validator == nil {
				api.WriteUnauthorized(w, "Authentication not configured")
				return
			}

			claims, err := validator.Validate(tokenStr)
			if err != nil {
				api.WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			if claims.Subject == "" {
				api.WriteUnauthorized(w, "Token subject is required")
				return
			}

			ctx := WithPrincipal(r.Context(), &BasePrincipal{ID: claims.Subject, Roles: claims.Roles})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects POST requests from principals without role. Reads
// only need a valid token. Requests without a principal pass through so
// the middleware is inert when authentication is disabled.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := GetPrincipal(r.Context())
			if err != nil || r.Method != http.MethodPost || p.HasRole(role) {
				next.ServeHTTP(w, r)
				return
			}
			api.WriteErrorR(w, r, http.StatusForbidden, "Forbidden",
				fmt.Sprintf("principal %s lacks role %s", p.GetID(), role))
		})
	}
}
