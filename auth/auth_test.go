package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scout-hq/scout/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func testSettings() config.OAuthSettings {
	return config.OAuthSettings{
		Enabled:         true,
		Realm:           "scout",
		TokenCacheTTL:   5 * time.Minute,
		SupportedScopes: []string{"discovery:read", "discovery:write"},
	}
}

func TestExemptPathsPass(t *testing.T) {
	m := New(testSettings(), false)
	srv := httptest.NewServer(m.Wrap(okHandler()))
	defer srv.Close()

	for _, path := range []string{"/health", "/metrics", "/.well-known/oauth-protected-resource"} {
		t.Run(path, func(t *testing.T) {
			resp, err := srv.Client().Get(srv.URL + path)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("status = %d, want 200 without token", resp.StatusCode)
			}
		})
	}
}

func TestMissingTokenChallenged(t *testing.T) {
	m := New(testSettings(), false)
	srv := httptest.NewServer(m.Wrap(okHandler()))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	challenge := resp.Header.Get("WWW-Authenticate")
	if !strings.HasPrefix(challenge, `Bearer realm="scout"`) {
		t.Errorf("WWW-Authenticate = %q", challenge)
	}
}

func TestMalformedAuthorizationHeader(t *testing.T) {
	m := New(testSettings(), false)
	srv := httptest.NewServer(m.Wrap(okHandler()))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if got := resp.Header.Get("WWW-Authenticate"); !strings.Contains(got, `error="invalid_request"`) {
		t.Errorf("WWW-Authenticate = %q, want invalid_request", got)
	}
}

func TestDemoTokenInDevelopment(t *testing.T) {
	m := New(testSettings(), false)
	srv := httptest.NewServer(m.Wrap(okHandler()))
	defer srv.Close()

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"valid demo token", "demo-abcd1234", http.StatusOK},
		{"too short", "demo-abc", http.StatusUnauthorized},
		{"wrong prefix", "prod-abcd1234", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, srv.URL+"/", nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			resp, err := srv.Client().Do(req)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}
}

func TestDemoTokenRefusedInProduction(t *testing.T) {
	m := New(testSettings(), true)
	srv := httptest.NewServer(m.Wrap(okHandler()))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/", nil)
	req.Header.Set("Authorization", "Bearer demo-abcd1234")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 in production", resp.StatusCode)
	}
}

func TestIntrospectionAndCache(t *testing.T) {
	var calls atomic.Int32
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("introspection Content-Type = %q", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parsing form: %v", err)
		}
		if r.PostForm.Get("token_type_hint") != "access_token" {
			t.Errorf("token_type_hint = %q", r.PostForm.Get("token_type_hint"))
		}
		user, pass, _ := r.BasicAuth()
		if user != "scout-client" || pass != "hunter2" {
			t.Errorf("basic auth = %q:%q", user, pass)
		}
		active := r.PostForm.Get("token") == "good-token"
		json.NewEncoder(w).Encode(map[string]any{
			"active": active,
			"scope":  "discovery:read",
			"sub":    "alice",
			"exp":    time.Now().Add(time.Hour).Unix(),
		})
	}))
	defer idp.Close()

	cfg := testSettings()
	cfg.IntrospectionEndpoint = idp.URL
	cfg.ClientID = "scout-client"
	cfg.ClientSecret = "hunter2"
	m := New(cfg, true)
	srv := httptest.NewServer(m.Wrap(okHandler()))
	defer srv.Close()

	do := func(token string) int {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if got := do("good-token"); got != http.StatusOK {
		t.Fatalf("active token status = %d, want 200", got)
	}
	if got := do("good-token"); got != http.StatusOK {
		t.Fatalf("cached token status = %d, want 200", got)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("introspection calls = %d, want 1 (second hit cached)", n)
	}
	if got := do("revoked-token"); got != http.StatusUnauthorized {
		t.Errorf("inactive token status = %d, want 401", got)
	}
}

func TestRequireScope(t *testing.T) {
	m := New(testSettings(), false)
	protected := m.Wrap(m.RequireScope("discovery:write", okHandler()))
	srv := httptest.NewServer(protected)
	defer srv.Close()

	// The demo token carries every supported scope, so strip one by
	// using a narrower middleware config.
	narrow := testSettings()
	narrow.SupportedScopes = []string{"discovery:read"}
	m2 := New(narrow, false)
	srv2 := httptest.NewServer(m2.Wrap(m2.RequireScope("discovery:write", okHandler())))
	defer srv2.Close()

	req, _ := http.NewRequest(http.MethodGet, srv2.URL+"/", nil)
	req.Header.Set("Authorization", "Bearer demo-abcd1234")
	resp, err := srv2.Client().Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if got := resp.Header.Get("WWW-Authenticate"); !strings.Contains(got, `error="insufficient_scope"`) {
		t.Errorf("WWW-Authenticate = %q", got)
	}

	req2, _ := http.NewRequest(http.MethodGet, srv.URL+"/", nil)
	req2.Header.Set("Authorization", "Bearer demo-abcd1234")
	resp2, err := srv.Client().Do(req2)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("status with scope = %d, want 200", resp2.StatusCode)
	}
}

func TestMetadataDocument(t *testing.T) {
	cfg := testSettings()
	cfg.ResourceServerURI = "https://scout.example.com"
	cfg.AuthorizationServer = "https://idp.example.com"
	srv := httptest.NewServer(MetadataHandler(cfg, "http://localhost:3000"))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Cache-Control"); got != "max-age=3600" {
		t.Errorf("Cache-Control = %q, want max-age=3600", got)
	}
	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if doc["resource"] != "https://scout.example.com" {
		t.Errorf("resource = %v", doc["resource"])
	}
	servers, _ := doc["authorization_servers"].([]any)
	if len(servers) != 1 || servers[0] != "https://idp.example.com" {
		t.Errorf("authorization_servers = %v", doc["authorization_servers"])
	}
}
