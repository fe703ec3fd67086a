// Package gateway serves the HTTP control surface: tool listing and direct
// calls, policy administration, run history, admission stats and chat runs
// over JSON, SSE and WebSocket.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/mcpbridge/internal/admission"
	"github.com/haasonsaas/mcpbridge/internal/agent"
	"github.com/haasonsaas/mcpbridge/internal/guardrails"
	"github.com/haasonsaas/mcpbridge/internal/observability"
	"github.com/haasonsaas/mcpbridge/internal/sessions"
)

// Config wires the server to the rest of the bridge. Dispatcher, Store and
// Recorder are required. Loop may be nil when no model is configured; chat
// endpoints then answer 503.
type Config struct {
	Addr string

	Loop       *agent.AgenticLoop
	Dispatcher *agent.Dispatcher
	Store      *guardrails.Store
	Engine     *guardrails.Engine
	Recorder   sessions.Recorder
	Admission  *admission.Controller

	Metrics *observability.Metrics
	// Gatherer backs /metrics. Nil uses the default gatherer.
	Gatherer prometheus.Gatherer

	// AllowedOrigins lists browser origins permitted by CORS. "*" allows any.
	AllowedOrigins []string
	ReadTimeout    time.Duration
	Logger         *slog.Logger
}

// Server is the HTTP control surface.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	handler http.Handler

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
	started  time.Time
}

// NewServer validates cfg and builds the route table.
func NewServer(cfg Config) (*Server, error) {
	switch {
	case cfg.Dispatcher == nil:
		return nil, errors.New("gateway: dispatcher is required")
	case cfg.Store == nil:
		return nil, errors.New("gateway: policy store is required")
	case cfg.Recorder == nil:
		return nil, errors.New("gateway: recorder is required")
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		started: time.Now(),
	}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /api/tools", s.handleTools)
	mux.HandleFunc("POST /api/call", s.handleCall)

	mux.HandleFunc("GET /api/guardrails", s.handleGetPolicy)
	mux.HandleFunc("POST /api/guardrails", s.handleMergePolicy)
	mux.HandleFunc("PUT /api/guardrails", s.handleReplacePolicy)
	mux.HandleFunc("GET /api/guardrails/schema", s.handlePolicySchema)

	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/admission", s.handleAdmission)

	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/chat/stream", s.handleChatStream)
	mux.HandleFunc("GET /api/chat/ws", s.handleChatWS)

	return s.withCORS(s.withMetrics(mux))
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on cfg.Addr and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.http != nil {
		return errors.New("gateway: already started")
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
	}
	s.http = srv
	s.listener = listener

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, waiting for in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.http = nil
	s.listener = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
		return err
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}
