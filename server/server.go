// Package server is the dispatcher behind every transport: it routes
// classified JSON-RPC messages to method handlers, owns the session hub
// for server-initiated notifications, and wires the registry, discovery
// engine, plugin manager, vault, and CMDB together.
package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/scout-hq/scout/cmdb"
	"github.com/scout-hq/scout/config"
	"github.com/scout-hq/scout/discovery"
	"github.com/scout-hq/scout/log"
	"github.com/scout-hq/scout/metrics"
	"github.com/scout-hq/scout/plugin"
	"github.com/scout-hq/scout/protocol"
	"github.com/scout-hq/scout/registry"
	"github.com/scout-hq/scout/vault"
	"github.com/scout-hq/scout/watch"
)

// Name is the server implementation name advertised on initialize.
const Name = "scout"

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Options carries the collaborators a Server needs. Registry is
// required; the rest may be nil, which disables the methods that
// depend on them.
type Options struct {
	Config   *config.Config
	Registry *registry.Registry
	CMDB     *cmdb.CMDB
	Vault    *vault.Vault
	Plugins  *plugin.Manager
	Engine   *discovery.Engine
	Watcher  *watch.Watcher
	Version  string
}

// Server dispatches requests and fans registry change notifications
// out to subscribed sessions.
type Server struct {
	cfg     *config.Config
	reg     *registry.Registry
	store   *cmdb.CMDB
	vault   *vault.Vault
	plugins *plugin.Manager
	engine  *discovery.Engine
	watcher *watch.Watcher
	version string
	methods map[string]handler
	lg      zerolog.Logger

	sessMu   sync.RWMutex
	sessions map[string]func(*protocol.Message) error

	pendMu  sync.Mutex
	pending map[string]context.CancelFunc
}

// New builds a server and subscribes it to registry change events.
func New(opts Options) *Server {
	version := opts.Version
	if version == "" {
		version = Version
	}
	s := &Server{
		cfg:      opts.Config,
		reg:      opts.Registry,
		store:    opts.CMDB,
		vault:    opts.Vault,
		plugins:  opts.Plugins,
		engine:   opts.Engine,
		watcher:  opts.Watcher,
		version:  version,
		lg:       log.WithComponent("server"),
		sessions: make(map[string]func(*protocol.Message) error),
		pending:  make(map[string]context.CancelFunc),
	}
	s.methods = s.methodTable()
	s.reg.Subscribe("dispatcher", s.fanout)
	return s
}

// Bootstrap runs module discovery and plugin scanning exactly once.
// Concurrent callers block until the first run finishes.
func (s *Server) Bootstrap(ctx context.Context) error {
	return s.reg.Bootstrap(ctx, func() error {
		if s.engine != nil {
			report := s.engine.Run(ctx)
			if len(report.Failed) > 0 {
				for name, err := range report.Failed {
					s.lg.Warn().Err(err).Str("module", name).Msg("module failed during bootstrap")
				}
			}
		}
		if s.plugins != nil {
			found := s.plugins.Discover()
			s.lg.Info().Int("plugins", len(found)).Msg("plugin scan complete")
		}
		return nil
	})
}

// Close detaches the server from the registry. Collaborators are owned
// by the caller and closed there.
func (s *Server) Close() {
	s.reg.Unsubscribe("dispatcher")
}

// Subscribe attaches a session's outbound delivery function.
func (s *Server) Subscribe(sessionID string, send func(*protocol.Message) error) {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	s.sessions[sessionID] = send
}

// Unsubscribe detaches a session and cancels its in-flight requests.
func (s *Server) Unsubscribe(sessionID string) {
	s.sessMu.Lock()
	delete(s.sessions, sessionID)
	s.sessMu.Unlock()

	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	prefix := sessionID + "\x00"
	for key, cancel := range s.pending {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			cancel()
			delete(s.pending, key)
		}
	}
}

// fanout converts a registry change into the matching list_changed
// notification and delivers it to every session. Delivery is
// best-effort; a failing session is logged and skipped.
func (s *Server) fanout(kind registry.Kind) {
	var method string
	switch kind {
	case registry.KindTools:
		method = protocol.NotifyToolsChanged
	case registry.KindResources:
		method = protocol.NotifyResourcesChanged
	case registry.KindPrompts:
		method = protocol.NotifyPromptsChanged
	default:
		return
	}
	n, err := protocol.NewNotification(method, nil)
	if err != nil {
		return
	}
	metrics.RecordNotification(string(kind))

	s.sessMu.RLock()
	defer s.sessMu.RUnlock()
	for id, send := range s.sessions {
		if err := send(n); err != nil {
			s.lg.Debug().Err(err).Str("session", id).Msg("notification delivery failed")
		}
	}
}

func pendingKey(sessionID string, id []byte) string {
	return sessionID + "\x00" + string(id)
}

func (s *Server) trackPending(sessionID string, id []byte, cancel context.CancelFunc) {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	s.pending[pendingKey(sessionID, id)] = cancel
}

func (s *Server) releasePending(sessionID string, id []byte) {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	delete(s.pending, pendingKey(sessionID, id))
}

// cancelPending cancels the in-flight request identified by the
// notifications/cancelled payload. Unknown ids are ignored: the
// request may have completed in the meantime.
func (s *Server) cancelPending(sessionID string, id []byte, reason string) {
	s.pendMu.Lock()
	cancel, ok := s.pending[pendingKey(sessionID, id)]
	s.pendMu.Unlock()
	if !ok {
		return
	}
	s.lg.Info().Str("session", sessionID).Str("id", string(id)).Str("reason", reason).Msg("request cancelled")
	cancel()
}

func (s *Server) instructions() string {
	return fmt.Sprintf("%s exposes network and infrastructure discovery tools. "+
		"Call tools/list for the catalogue; results are plain text.", Name)
}
