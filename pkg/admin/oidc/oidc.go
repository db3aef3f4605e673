// Package oidc verifies Bearer tokens on the admin API and enforces
// role-based access on its endpoints.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
)

// Config defines token verification settings for the admin API. Either
// Issuer (discovery) or JWKSURL (direct key set) must be set.
type Config struct {
	Issuer   string `yaml:"issuer"`
	ClientID string `yaml:"clientId"`
	Audience string `yaml:"audience"`
	JWKSURL  string `yaml:"jwksUrl"`
}

// Enabled reports whether the configuration carries enough to verify tokens.
func (c Config) Enabled() bool {
	return c.Issuer != "" || c.JWKSURL != ""
}

// Verifier validates Bearer tokens against the configured provider.
type Verifier struct {
	verifier *gooidc.IDTokenVerifier
}

// NewVerifier builds a verifier, using issuer discovery when available.
func NewVerifier(ctx context.Context, cfg Config) (*Verifier, error) {
	aud := cfg.Audience
	if aud == "" {
		aud = cfg.ClientID
	}
	switch {
	case cfg.Issuer != "":
		provider, err := gooidc.NewProvider(ctx, cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("oidc: provider discovery failed: %w", err)
		}
		return &Verifier{verifier: provider.Verifier(&gooidc.Config{ClientID: aud})}, nil
	case cfg.JWKSURL != "":
		ks := gooidc.NewRemoteKeySet(ctx, cfg.JWKSURL)
		return &Verifier{verifier: gooidc.NewVerifier(cfg.Issuer, ks, &gooidc.Config{ClientID: aud})}, nil
	default:
		return nil, errors.New("oidc: either issuer or jwksUrl must be provided")
	}
}

// Subject holds verified identity fields extracted from the token.
type Subject struct {
	Subject   string
	Issuer    string
	ExpiresAt time.Time
	Roles     []string
}

// Verify parses and validates a raw Bearer token.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (*Subject, error) {
	if v == nil || v.verifier == nil {
		return nil, errors.New("oidc: verifier not initialized")
	}
	idt, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("oidc: token verification failed: %w", err)
	}
	var claims struct {
		Exp         int64    `json:"exp"`
		Sub         string   `json:"sub"`
		Iss         string   `json:"iss"`
		Roles       []string `json:"roles"`
		Scope       string   `json:"scope"`
		RealmAccess struct {
			Roles []string `json:"roles"`
		} `json:"realm_access"`
	}
	if err := idt.Claims(&claims); err != nil {
		return nil, fmt.Errorf("oidc: parse claims: %w", err)
	}
	roles := make([]string, 0, len(claims.Roles)+len(claims.RealmAccess.Roles))
	seen := map[string]struct{}{}
	add := func(r string) {
		r = strings.TrimSpace(r)
		if r == "" {
			return
		}
		if _, dup := seen[r]; dup {
			return
		}
		seen[r] = struct{}{}
		roles = append(roles, r)
	}
	for _, r := range claims.Roles {
		add(r)
	}
	for _, r := range claims.RealmAccess.Roles {
		add(r)
	}
	// Some providers only grant scopes; treat them as roles for policy checks.
	for _, sc := range strings.Fields(claims.Scope) {
		add(sc)
	}
	return &Subject{
		Subject:   claims.Sub,
		Issuer:    claims.Iss,
		ExpiresAt: time.Unix(claims.Exp, 0).UTC(),
		Roles:     roles,
	}, nil
}

// TokenVerifier allows plugging a custom verifier in tests.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*Subject, error)
}

type contextKey struct{}

// WithSubject attaches a verified subject to the context.
func WithSubject(ctx context.Context, s *Subject) context.Context {
	if s == nil {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, s)
}

// SubjectFromContext retrieves the subject set by Middleware.
func SubjectFromContext(ctx context.Context) (*Subject, bool) {
	s, ok := ctx.Value(contextKey{}).(*Subject)
	return s, ok
}

// Middleware enforces Bearer authentication. On success the subject travels
// in the request context for the RBAC layer.
func Middleware(v TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authz := r.Header.Get("Authorization")
			if !strings.HasPrefix(authz, "Bearer ") {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			subj, err := v.Verify(r.Context(), strings.TrimSpace(strings.TrimPrefix(authz, "Bearer ")))
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subj)))
		})
	}
}

// Policy maps a request to the roles that may perform it. Nil or empty means
// no requirement.
type Policy func(*http.Request) []string

// RBAC enforces the policy against the subject attached by Middleware.
func RBAC(policy Policy) func(http.Handler) http.Handler {
	if policy == nil {
		policy = func(*http.Request) []string { return nil }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			required := policy(r)
			if len(required) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			subj, ok := SubjectFromContext(r.Context())
			if !ok || !hasAny(subj, required) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func hasAny(s *Subject, required []string) bool {
	for _, req := range required {
		for _, r := range s.Roles {
			if r == req {
				return true
			}
		}
	}
	return false
}

// DefaultPolicy requires "admin.read" for GET endpoints and "admin.write"
// for everything else under /admin/.
func DefaultPolicy() Policy {
	return func(r *http.Request) []string {
		if !strings.HasPrefix(r.URL.Path, "/admin/") {
			return nil
		}
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			return []string{"admin.read", "admin.write"}
		}
		return []string{"admin.write"}
	}
}
