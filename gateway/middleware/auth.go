package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"escrowledger/native/escrow"
)

type AuthConfig struct {
	Enabled        bool
	HMACSecret     string
	Issuer         string
	Audience       string
	ScopeClaim     string
	OptionalPaths  []string
	AllowAnonymous bool
	ClockSkew      time.Duration
}

type contextKey string

const (
	ContextKeyIdentity contextKey = "gateway.identity"
	ContextKeyScopes   contextKey = "gateway.scopes"
)

// IdentityFromContext returns the caller identity established by the
// authenticator.
func IdentityFromContext(ctx context.Context) (escrow.Identity, bool) {
	id, ok := ctx.Value(ContextKeyIdentity).(escrow.Identity)
	return id, ok && id != ""
}

// WithIdentity attaches id to ctx. The gateway runs without authentication
// only in tests and local development; handlers then rely on this helper.
func WithIdentity(ctx context.Context, id escrow.Identity) context.Context {
	return context.WithValue(ctx, ContextKeyIdentity, id)
}

// Authenticator verifies HMAC-signed bearer tokens. The sub claim names the
// caller and must be a valid account identity.
type Authenticator struct {
	cfg    AuthConfig
	logger *slog.Logger
	secret []byte
}

func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = "scope"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{
		cfg:    cfg,
		logger: logger,
		secret: []byte(strings.TrimSpace(cfg.HMACSecret)),
	}
}

func (a *Authenticator) Middleware(requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			raw := extractBearer(r.Header.Get("Authorization"))
			if raw == "" {
				if a.cfg.AllowAnonymous && a.isOptional(r.URL.Path) {
					next.ServeHTTP(w, r)
					return
				}
				deny(w, http.StatusUnauthorized, kindUnauthenticated, "missing bearer token")
				return
			}
			claims, err := a.parseToken(raw)
			if err != nil {
				a.logger.Warn("auth: token rejected", slog.String("error", err.Error()))
				deny(w, http.StatusUnauthorized, kindUnauthenticated, "invalid token")
				return
			}
			subject, _ := claims.GetSubject()
			identity, err := escrow.ParseIdentity(subject)
			if err != nil || identity.IsZero() {
				deny(w, http.StatusUnauthorized, kindUnauthenticated, "token subject is not a valid identity")
				return
			}
			scopes := scopesFrom(claims[a.cfg.ScopeClaim])
			if missing := missingScope(scopes, requiredScopes); missing != "" {
				deny(w, http.StatusForbidden, "unauthorized", "missing scope "+missing)
				return
			}
			ctx := WithIdentity(r.Context(), identity)
			ctx = context.WithValue(ctx, ContextKeyScopes, scopes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Authenticator) isOptional(path string) bool {
	for _, prefix := range a.cfg.OptionalPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// parseToken verifies signature, expiry, issuer and audience. Only HMAC
// signatures are accepted.
func (a *Authenticator) parseToken(raw string) (jwt.MapClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(a.cfg.ClockSkew),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...); err != nil {
		return nil, err
	}
	return claims, nil
}

// scopesFrom accepts either a space separated string or a JSON array.
func scopesFrom(raw interface{}) []string {
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func missingScope(granted, required []string) string {
	for _, want := range required {
		if !slices.Contains(granted, want) {
			return want
		}
	}
	return ""
}

func extractBearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
