// Package auth is the OAuth 2.1 resource-server middleware for the HTTP
// transport: bearer-token extraction, introspection with caching, scope
// enforcement, and the RFC 9728 protected-resource metadata document.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/scout-hq/scout/config"
	"github.com/scout-hq/scout/log"
)

// exemptPaths never require a bearer token.
var exemptPaths = map[string]bool{
	"/health":                               true,
	"/metrics":                              true,
	"/.well-known/oauth-protected-resource": true,
}

// demoTokenPattern is accepted only without an introspection endpoint and
// outside production, to unblock development setups.
var demoTokenPattern = regexp.MustCompile(`^demo-[A-Za-z0-9]{8,}$`)

type claimsKey struct{}

// Claims is the validated token information carried on the request context.
type Claims struct {
	Subject   string
	ClientID  string
	Scopes    []string
	ExpiresAt time.Time
}

// HasScope reports whether the token carries the given scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// FromContext returns the claims attached by the middleware.
func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

// Middleware validates bearer tokens on every non-exempt request.
type Middleware struct {
	cfg        config.OAuthSettings
	production bool
	cache      *tokenCache
	client     *http.Client
	lg         zerolog.Logger
}

// New builds the middleware from configuration.
func New(cfg config.OAuthSettings, production bool) *Middleware {
	return &Middleware{
		cfg:        cfg,
		production: production,
		cache:      newTokenCache(),
		client:     &http.Client{Timeout: 10 * time.Second},
		lg:         log.WithComponent("auth"),
	}
}

// Wrap enforces bearer authentication around next. Disabled middleware and
// exempt paths pass straight through.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.cfg.Enabled || r.Method == http.MethodOptions || exemptPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		raw := r.Header.Get("Authorization")
		if raw == "" {
			m.challenge(w, "", "")
			return
		}
		token, ok := strings.CutPrefix(raw, "Bearer ")
		if !ok || token == "" {
			m.challenge(w, "invalid_request", "authorization header is not a bearer token")
			return
		}

		claims, err := m.validate(r.Context(), token)
		if err != nil {
			m.lg.Debug().Err(err).Msg("token rejected")
			m.challenge(w, "invalid_token", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

// RequireScope gates a handler on one scope, answering 403 with the
// insufficient_scope challenge when the token lacks it.
func (m *Middleware) RequireScope(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		claims, ok := FromContext(r.Context())
		if !ok || !claims.HasScope(scope) {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(
				`Bearer realm=%q, error="insufficient_scope", scope=%q`, m.cfg.Realm, scope))
			writeAuthError(w, http.StatusForbidden, "insufficient_scope",
				fmt.Sprintf("scope %q is required", scope))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// validate resolves a token to claims via cache, introspection, or the
// development fallback.
func (m *Middleware) validate(ctx context.Context, token string) (*Claims, error) {
	if claims, ok := m.cache.get(token); ok {
		return claims, nil
	}

	if m.cfg.IntrospectionEndpoint == "" {
		if m.production {
			return nil, fmt.Errorf("no introspection endpoint configured")
		}
		if demoTokenPattern.MatchString(token) {
			claims := &Claims{
				Subject:   "demo",
				Scopes:    m.cfg.SupportedScopes,
				ExpiresAt: time.Now().Add(m.cfg.TokenCacheTTL),
			}
			m.cache.put(token, claims, m.cfg.TokenCacheTTL)
			return claims, nil
		}
		return nil, fmt.Errorf("token does not match the development pattern")
	}

	claims, err := m.introspect(ctx, token)
	if err != nil {
		return nil, err
	}
	ttl := m.cfg.TokenCacheTTL
	if !claims.ExpiresAt.IsZero() {
		if remaining := time.Until(claims.ExpiresAt); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl > 0 {
		m.cache.put(token, claims, ttl)
	}
	return claims, nil
}

// introspect calls the RFC 7662 endpoint.
func (m *Middleware) introspect(ctx context.Context, token string) (*Claims, error) {
	form := url.Values{}
	form.Set("token", token)
	form.Set("token_type_hint", "access_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.cfg.IntrospectionEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if m.cfg.ClientID != "" {
		req.SetBasicAuth(m.cfg.ClientID, m.cfg.ClientSecret)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling introspection endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("introspection endpoint answered %d", resp.StatusCode)
	}

	var result struct {
		Active   bool   `json:"active"`
		Scope    string `json:"scope"`
		Sub      string `json:"sub"`
		ClientID string `json:"client_id"`
		Exp      int64  `json:"exp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding introspection response: %w", err)
	}
	if !result.Active {
		return nil, fmt.Errorf("token is not active")
	}

	claims := &Claims{
		Subject:  result.Sub,
		ClientID: result.ClientID,
		Scopes:   strings.Fields(result.Scope),
	}
	if result.Exp > 0 {
		claims.ExpiresAt = time.Unix(result.Exp, 0)
	}
	return claims, nil
}

// challenge answers 401 with the WWW-Authenticate header. The error
// attribute is omitted when no token was presented at all, per RFC 6750.
func (m *Middleware) challenge(w http.ResponseWriter, errCode, detail string) {
	value := fmt.Sprintf("Bearer realm=%q", m.cfg.Realm)
	if errCode != "" {
		value += fmt.Sprintf(", error=%q", errCode)
	}
	w.Header().Set("WWW-Authenticate", value)
	if errCode == "" {
		errCode = "invalid_token"
		detail = "bearer token required"
	}
	writeAuthError(w, http.StatusUnauthorized, errCode, detail)
}

func writeAuthError(w http.ResponseWriter, status int, code, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": detail,
	})
}
