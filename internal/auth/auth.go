// Package auth resolves the caller of an authenticated route from an HS256
// bearer token. The token's sub claim identifies the owner of agents and
// history.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned when a request carries no usable token.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

// Verifier turns a raw token into an owner ID.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// VerifierFunc adapts a function to [Verifier].
type VerifierFunc func(ctx context.Context, token string) (string, error)

// Verify implements [Verifier].
func (f VerifierFunc) Verify(ctx context.Context, token string) (string, error) { return f(ctx, token) }

// JWTVerifier validates HMAC-SHA256 signed tokens.
type JWTVerifier struct {
	secret []byte
	issuer string
}

var _ Verifier = (*JWTVerifier)(nil)

// NewJWTVerifier returns a verifier for tokens signed with secret. When
// issuer is non-empty the iss claim must match it.
func NewJWTVerifier(secret, issuer string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("auth: jwt secret must not be empty")
	}
	return &JWTVerifier{secret: []byte(secret), issuer: issuer}, nil
}

// Verify implements [Verifier]. The sub claim may be a string or a number.
func (v *JWTVerifier) Verify(_ context.Context, token string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	switch sub := claims["sub"].(type) {
	case string:
		if sub != "" {
			return sub, nil
		}
	case float64:
		return strconv.FormatFloat(sub, 'f', -1, 64), nil
	}
	return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
}

type ctxKey struct{}

// WithOwner returns a copy of ctx carrying owner.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ctxKey{}, owner)
}

// OwnerFrom returns the authenticated owner stored in ctx.
func OwnerFrom(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ctxKey{}).(string)
	return owner, ok && owner != ""
}

// ParseBearer extracts the token from an "Authorization: Bearer" header.
func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if len(authz) < len(prefix) || !strings.EqualFold(authz[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(authz[len(prefix):])
	return token, token != ""
}

// Option configures [Middleware].
type Option func(*middlewareConfig)

type middlewareConfig struct {
	queryParam string
}

// WithQueryToken also accepts the token from the named query parameter.
// Browsers cannot set headers on WebSocket upgrades.
func WithQueryToken(param string) Option {
	return func(c *middlewareConfig) { c.queryParam = param }
}

// Middleware rejects requests without a valid token with 401 and stores the
// owner in the request context otherwise.
func Middleware(v Verifier, opts ...Option) func(http.Handler) http.Handler {
	var cfg middlewareConfig
	for _, o := range opts {
		o(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := ParseBearer(r)
			if !ok && cfg.queryParam != "" {
				token = r.URL.Query().Get(cfg.queryParam)
				ok = token != ""
			}
			if !ok {
				unauthorized(w, "missing bearer token")
				return
			}
			owner, err := v.Verify(r.Context(), token)
			if err != nil {
				unauthorized(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"type": "authentication", "message": msg},
	})
}
