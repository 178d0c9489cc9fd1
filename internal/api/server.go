// Package api implements the HTTP API: device control, tool invocation,
// chat over JSON, SSE and WebSocket, health and metrics.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/summitlabs/legion/internal/agent"
	"github.com/summitlabs/legion/internal/buildinfo"
	"github.com/summitlabs/legion/internal/connwatch"
	"github.com/summitlabs/legion/internal/control"
	"github.com/summitlabs/legion/internal/llm"
	"github.com/summitlabs/legion/internal/memory"
	"github.com/summitlabs/legion/internal/metrics"
	"github.com/summitlabs/legion/internal/tools"
	"github.com/summitlabs/legion/internal/web"
)

// streamWriteWindow is how long a stream may go without a write before
// the server gives up on the client. It is extended after every event.
const streamWriteWindow = 120 * time.Second

// Runner executes one agent turn. *agent.Loop implements it.
type Runner interface {
	Run(ctx context.Context, req *agent.Request, callback llm.StreamCallback) (*agent.Response, error)
}

// Config holds the server's address and collaborators.
type Config struct {
	Address string
	Port    int
	// PublicURL is encoded into /join.png. Empty derives it from the
	// request's Host header.
	PublicURL string

	Agent    Runner
	Memory   *memory.Store
	Registry *tools.Registry
	Panel    *control.Panel
	Metrics  *metrics.Metrics
	// Health reports dependency status on /health. May be nil.
	Health *connwatch.Manager
	Logger *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address   string
	port      int
	publicURL string
	agent     Runner
	memory    *memory.Store
	registry  *tools.Registry
	panel     *control.Panel
	metrics   *metrics.Metrics
	health    *connwatch.Manager
	logger    *slog.Logger
	server    *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:   cfg.Address,
		port:      cfg.Port,
		publicURL: cfg.PublicURL,
		agent:     cfg.Agent,
		memory:    cfg.Memory,
		registry:  cfg.Registry,
		panel:     cfg.Panel,
		metrics:   cfg.Metrics,
		health:    cfg.Health,
		logger:    logger.With("component", "api"),
	}
}

// Handler returns the routed handler with request logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health and introspection
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.Handle("GET /metrics", s.metrics.Handler())

	// Tools
	mux.HandleFunc("GET /v1/tools", s.handleToolList)
	mux.HandleFunc("POST /v1/tools/{name}", s.handleToolCall)

	// Manual control
	mux.HandleFunc("POST /v1/feeder/feed", s.handleTimedFeed)
	mux.HandleFunc("POST /v1/feeder/{action}", s.handleFeeder)
	mux.HandleFunc("GET /v1/helmet/presets", s.handleHelmetPresets)
	mux.HandleFunc("POST /v1/helmet/{preset}", s.handleHelmet)
	mux.HandleFunc("POST /v1/protocol", s.handleProtocol)
	mux.HandleFunc("GET /v1/telemetry", s.handleTelemetry)

	// Chat
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("POST /v1/chat/stream", s.handleChatStream)
	mux.HandleFunc("GET /v1/chat/ws", s.handleChatWS)
	mux.HandleFunc("GET /v1/conversations", s.handleConversationList)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleConversationGet)
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.handleConversationDelete)

	// Audience
	mux.HandleFunc("GET /join.png", s.handleJoinQR)
	web.RegisterRoutes(mux)

	return s.withLogging(mux)
}

// Start serves HTTP until ctx is cancelled or the server fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.address, strconv.Itoa(s.port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Streams extend their own deadline per event.
		WriteTimeout: streamWriteWindow,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)

	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach SetWriteDeadline on the
// underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack supports the WebSocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}

// writeJSON encodes v as JSON to w with the given status, logging any
// errors at debug level. Errors here typically mean the client went away.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

// ErrorBody is the JSON shape of every API error.
type ErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	var body ErrorBody
	body.Error.Message = message
	body.Error.Code = code
	s.writeJSON(w, code, body)
}

// handleHealth answers 200 whenever the process is up and reports each
// watched dependency.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if !s.health.Healthy() {
		status = "degraded"
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"services": s.health.Status(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, buildinfo.Info())
}

func (s *Server) joinURL(r *http.Request) string {
	if s.publicURL != "" {
		return s.publicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/", scheme, r.Host)
}
