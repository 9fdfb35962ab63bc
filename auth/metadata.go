package auth

import (
	"encoding/json"
	"net/http"

	"github.com/scout-hq/scout/config"
)

// metadataMaxAge is the cache lifetime of the protected-resource document.
const metadataMaxAge = "max-age=3600"

// metadata is the OAuth 2.0 Protected Resource Metadata document (RFC 9728).
type metadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
}

// MetadataHandler serves /.well-known/oauth-protected-resource.
func MetadataHandler(cfg config.OAuthSettings, serverURL string) http.Handler {
	doc := metadata{
		Resource:               cfg.ResourceServerURI,
		ScopesSupported:        cfg.SupportedScopes,
		BearerMethodsSupported: []string{"header"},
	}
	if doc.Resource == "" {
		doc.Resource = serverURL
	}
	if cfg.AuthorizationServer != "" {
		doc.AuthorizationServers = []string{cfg.AuthorizationServer}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", metadataMaxAge)
		json.NewEncoder(w).Encode(doc)
	})
}
