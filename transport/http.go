package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/scout-hq/scout/log"
	"github.com/scout-hq/scout/metrics"
	"github.com/scout-hq/scout/protocol"
)

// SessionHeader carries the session id on HTTP requests and responses.
const SessionHeader = "Mcp-Session-Id"

// DefaultIdleTimeout expires sessions that stop talking.
const DefaultIdleTimeout = 30 * time.Minute

// httpMaxBody caps one POSTed message at 16 MiB.
const httpMaxBody = 16 << 20

type httpSession struct {
	id       string
	created  time.Time
	lastSeen time.Time
	events   chan *protocol.Message
}

// HTTPOptions configures the HTTP transport.
type HTTPOptions struct {
	Addr        string
	ServerName  string
	Version     string
	IdleTimeout time.Duration
	Limiter     *SessionLimiter
	// Middleware wraps the full route set; the OAuth middleware carries
	// its own exemption list for health, metadata, and metrics.
	Middleware func(http.Handler) http.Handler
	// Metadata serves the RFC 9728 protected-resource document. Optional.
	Metadata http.Handler
}

// HTTP serves request/response over POST with SSE framing plus a
// per-session event stream for server-initiated notifications.
type HTTP struct {
	d    Dispatcher
	opts HTTPOptions

	mu       sync.Mutex
	sessions map[string]*httpSession

	srv     *http.Server
	started time.Time
	lg      zerolog.Logger
}

// NewHTTP builds the HTTP transport.
func NewHTTP(d Dispatcher, opts HTTPOptions) *HTTP {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.Limiter == nil {
		opts.Limiter = NewSessionLimiter(0, 0)
	}
	return &HTTP{
		d:        d,
		opts:     opts,
		sessions: make(map[string]*httpSession),
		lg:       log.WithComponent("http"),
	}
}

// SessionID identifies the transport instance; HTTP sessions have their own
// per-client ids.
func (h *HTTP) SessionID() string { return "http" }

// Handler returns the complete route set wrapped in the configured
// middleware.
func (h *HTTP) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", h.handleRoot)
	mux.HandleFunc("/health", h.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	if h.opts.Metadata != nil {
		mux.Handle("/.well-known/oauth-protected-resource", h.opts.Metadata)
	}
	if h.opts.Middleware != nil {
		return h.opts.Middleware(mux)
	}
	return mux
}

// Start serves until ctx is cancelled.
func (h *HTTP) Start(ctx context.Context) error {
	h.started = time.Now()
	h.srv = &http.Server{
		Addr:              h.opts.Addr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweeper := time.NewTicker(time.Minute)
	defer sweeper.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sweeper.C:
				h.expireIdle()
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- h.srv.ListenAndServe() }()
	h.lg.Info().Str("addr", h.opts.Addr).Msg("http transport listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Send enqueues a notification to every live session, best effort.
func (h *HTTP) Send(m *protocol.Message) error {
	m.StripRouting()
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.sessions {
		select {
		case s.events <- m:
		default:
			h.lg.Warn().Str("session", s.id).Msg("event channel full, dropping notification")
		}
	}
	return nil
}

// Close drops every session.
func (h *HTTP) Close() error {
	h.mu.Lock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	for _, id := range ids {
		h.dropSession(id)
	}
	if h.srv != nil {
		return h.srv.Close()
	}
	return nil
}

func (h *HTTP) handleRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		w.Header().Set("Allow", "GET, POST, DELETE, OPTIONS")
		w.WriteHeader(http.StatusNoContent)
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleEvents(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *HTTP) handlePost(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		http.Error(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, httpMaxBody))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	m, perr := parseInbound(body, h.lg)
	if perr != nil {
		h.writeMessage(w, r, perr, "")
		return
	}
	if m == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	sessionID := r.Header.Get(SessionHeader)
	newSession := false
	if m.Method == protocol.MethodInitialize {
		sessionID = h.createSession()
		newSession = true
	} else {
		if sessionID == "" {
			h.writeMessage(w, r, protocol.NewErrorResponse(m.ID,
				protocol.NewError(protocol.CodeInvalidRequest, "invalid request", "missing "+SessionHeader+" header")), "")
			return
		}
		if !h.touchSession(sessionID) {
			h.writeMessage(w, r, protocol.NewErrorResponse(m.ID,
				protocol.NewError(protocol.CodeInvalidRequest, "invalid request", "unknown or expired session")), "")
			return
		}
	}

	if !h.opts.Limiter.Allow(sessionID) {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	m.SessionID = sessionID
	resp := h.d.Dispatch(WithName(r.Context(), "http"), m)
	if resp == nil {
		if newSession {
			w.Header().Set(SessionHeader, sessionID)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}
	echo := ""
	if newSession {
		echo = sessionID
	}
	h.writeMessage(w, r, resp, echo)
}

// writeMessage answers either as a one-event SSE stream or as plain JSON,
// depending on what the client accepts.
func (h *HTTP) writeMessage(w http.ResponseWriter, r *http.Request, m *protocol.Message, echoSession string) {
	m.StripRouting()
	data, err := m.Encode()
	if err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
		return
	}
	if echoSession != "" {
		w.Header().Set(SessionHeader, echoSession)
	}
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// handleEvents attaches the client to its session's notification stream.
func (h *HTTP) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		http.Error(w, "event stream requires Accept: text/event-stream", http.StatusNotAcceptable)
		return
	}
	sessionID := r.Header.Get(SessionHeader)
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	if ok {
		s.lastSeen = time.Now()
	}
	h.mu.Unlock()
	if !ok {
		http.Error(w, "unknown or expired session", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
			h.touchSession(sessionID)
		case m, ok := <-s.events:
			if !ok {
				return
			}
			data, err := m.Encode()
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (h *HTTP) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		http.Error(w, "missing "+SessionHeader+" header", http.StatusBadRequest)
		return
	}
	h.dropSession(sessionID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	sessions := len(h.sessions)
	h.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"server":   h.opts.ServerName,
		"version":  h.opts.Version,
		"uptime_s": int(time.Since(h.started).Seconds()),
		"sessions": sessions,
	})
}

func (h *HTTP) createSession() string {
	s := &httpSession{
		id:       uuid.NewString(),
		created:  time.Now(),
		lastSeen: time.Now(),
		events:   make(chan *protocol.Message, 32),
	}
	h.mu.Lock()
	h.sessions[s.id] = s
	n := len(h.sessions)
	h.mu.Unlock()

	h.d.Subscribe(s.id, func(m *protocol.Message) error {
		select {
		case s.events <- m:
			return nil
		default:
			return errors.New("event channel full")
		}
	})
	metrics.ActiveSessions.WithLabelValues("http").Set(float64(n))
	h.lg.Debug().Str("session", s.id).Msg("session created")
	return s.id
}

func (h *HTTP) touchSession(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	if !ok {
		return false
	}
	s.lastSeen = time.Now()
	return true
}

func (h *HTTP) dropSession(id string) {
	h.mu.Lock()
	s, ok := h.sessions[id]
	if ok {
		delete(h.sessions, id)
	}
	n := len(h.sessions)
	h.mu.Unlock()
	if !ok {
		return
	}
	h.d.Unsubscribe(id)
	h.opts.Limiter.Forget(id)
	close(s.events)
	metrics.ActiveSessions.WithLabelValues("http").Set(float64(n))
	h.lg.Debug().Str("session", id).Msg("session dropped")
}

func (h *HTTP) expireIdle() {
	cutoff := time.Now().Add(-h.opts.IdleTimeout)
	h.mu.Lock()
	var stale []string
	for id, s := range h.sessions {
		if s.lastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	h.mu.Unlock()
	for _, id := range stale {
		h.lg.Info().Str("session", id).Msg("session expired")
		h.dropSession(id)
	}
}
