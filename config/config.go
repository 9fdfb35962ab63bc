// Package config loads server configuration from an optional YAML file
// layered under environment variables. Environment values win over file
// values; defaults fill whatever is left.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TransportMode selects which transports the server runs.
type TransportMode string

const (
	TransportStdio TransportMode = "stdio"
	TransportHTTP  TransportMode = "http"
	TransportBoth  TransportMode = "both"
	TransportAMQP  TransportMode = "amqp"
)

// Config holds the full server configuration.
type Config struct {
	Server ServerSettings `yaml:"server"`
	Memory MemorySettings `yaml:"memory"`
	OAuth  OAuthSettings  `yaml:"oauth"`
	AMQP   AMQPSettings   `yaml:"amqp"`
	Plugin PluginSettings `yaml:"plugin"`
	Log    LogSettings    `yaml:"log"`
	Limits LimitSettings  `yaml:"limits"`
}

// ServerSettings controls identity, transports and data locations.
type ServerSettings struct {
	URL         string        `yaml:"url"`         // base URL advertised to clients
	Transport   TransportMode `yaml:"transport"`   // stdio | http | both | amqp
	ListenAddr  string        `yaml:"listen_addr"` // HTTP listen address
	DataDir     string        `yaml:"data_dir"`
	PluginsRoot string        `yaml:"plugins_root"`
	ModuleRoots []string      `yaml:"module_roots"`
	Environment string        `yaml:"environment"` // development | production
	CredsKey    string        `yaml:"-"`           // base64 master key, env only
}

// MemorySettings controls CMDB persistence.
type MemorySettings struct {
	AutoSave         bool          `yaml:"auto_save"`
	AutoSaveInterval time.Duration `yaml:"auto_save_interval"`
}

// OAuthSettings configures the resource-server middleware.
type OAuthSettings struct {
	Enabled               bool          `yaml:"enabled"`
	ResourceServerURI     string        `yaml:"resource_server_uri"`
	Realm                 string        `yaml:"realm"`
	AuthorizationServer   string        `yaml:"authorization_server"`
	IntrospectionEndpoint string        `yaml:"introspection_endpoint"`
	ClientID              string        `yaml:"client_id"`
	ClientSecret          string        `yaml:"client_secret"`
	TokenCacheTTL         time.Duration `yaml:"token_cache_ttl"`
	SupportedScopes       []string      `yaml:"supported_scopes"`
}

// AMQPSettings configures the AMQP transport.
type AMQPSettings struct {
	URL                  string `yaml:"url"`
	Exchange             string `yaml:"exchange"`
	QueuePrefix          string `yaml:"queue_prefix"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
}

// PluginSettings configures the plugin manager policy.
type PluginSettings struct {
	RequireSignature bool     `yaml:"require_signature"`
	PublicKeys       []string `yaml:"public_keys"` // paths to PEM files
}

// LogSettings configures logging.
type LogSettings struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// LimitSettings configures per-session ingest rate limiting.
type LimitSettings struct {
	SessionRPS   float64 `yaml:"session_rps"`
	SessionBurst int     `yaml:"session_burst"`
}

// Default returns a configuration with every field at its default.
func Default() *Config {
	return &Config{
		Server: ServerSettings{
			URL:         "http://localhost:3000",
			Transport:   TransportStdio,
			ListenAddr:  ":3000",
			DataDir:     "data",
			PluginsRoot: "plugins",
			Environment: "development",
		},
		Memory: MemorySettings{
			AutoSave:         true,
			AutoSaveInterval: 60 * time.Second,
		},
		OAuth: OAuthSettings{
			Realm:         "scout",
			TokenCacheTTL: 5 * time.Minute,
		},
		AMQP: AMQPSettings{
			Exchange:             "mcp.topic",
			QueuePrefix:          "mcp",
			MaxReconnectAttempts: 10,
		},
		Log: LogSettings{Level: "info"},
		Limits: LimitSettings{
			SessionRPS:   50,
			SessionBurst: 100,
		},
	}
}

// Load reads the YAML file at path over defaults, then applies environment
// variables. A missing file is not an error; an empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("reading %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MCP_SERVER_URL"); v != "" {
		c.Server.URL = v
	}
	if v := os.Getenv("TRANSPORT_MODE"); v != "" {
		c.Server.Transport = TransportMode(v)
	}
	if v := os.Getenv("MCP_CREDS_KEY"); v != "" {
		c.Server.CredsKey = v
	}
	if v := os.Getenv("MEMORY_AUTO_SAVE"); v != "" {
		c.Memory.AutoSave = v != "false"
	}
	if v := os.Getenv("MEMORY_AUTO_SAVE_INTERVAL"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.Memory.AutoSaveInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("OAUTH_ENABLED"); v != "" {
		c.OAuth.Enabled = v == "true"
	}
	if v := os.Getenv("OAUTH_RESOURCE_SERVER_URI"); v != "" {
		c.OAuth.ResourceServerURI = v
	}
	if v := os.Getenv("OAUTH_REALM"); v != "" {
		c.OAuth.Realm = v
	}
	if v := os.Getenv("OAUTH_AUTHORIZATION_SERVER"); v != "" {
		c.OAuth.AuthorizationServer = v
	}
	if v := os.Getenv("OAUTH_INTROSPECTION_ENDPOINT"); v != "" {
		c.OAuth.IntrospectionEndpoint = v
	}
	if v := os.Getenv("OAUTH_CLIENT_ID"); v != "" {
		c.OAuth.ClientID = v
	}
	if v := os.Getenv("OAUTH_CLIENT_SECRET"); v != "" {
		c.OAuth.ClientSecret = v
	}
	if v := os.Getenv("OAUTH_TOKEN_CACHE_TTL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.OAuth.TokenCacheTTL = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("OAUTH_SUPPORTED_SCOPES"); v != "" {
		c.OAuth.SupportedScopes = splitScopes(v)
	}
}

func (c *Config) validate() error {
	switch c.Server.Transport {
	case TransportStdio, TransportHTTP, TransportBoth, TransportAMQP:
	default:
		return fmt.Errorf("invalid transport mode %q", c.Server.Transport)
	}
	if c.Server.Transport == TransportAMQP && c.AMQP.URL == "" {
		return errors.New("transport mode amqp requires amqp.url")
	}
	return nil
}

// Production reports whether the process runs in production mode.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Server.Environment, "production")
}

func splitScopes(s string) []string {
	var out []string
	for _, f := range strings.Fields(strings.ReplaceAll(s, ",", " ")) {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
