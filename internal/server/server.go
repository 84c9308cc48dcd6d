package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/caselaw-ai/shepard/internal/ratelimit"
)

// Server is the HTTP front of the citation service.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Config holds the server dependencies and settings. Limiter and MCPServer
// are optional.
type Config struct {
	Handlers *Handlers
	Limiter  ratelimit.Limiter
	MCP      *mcpserver.MCPServer
	Logger   *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
}

// New builds the route table and middleware chain.
func New(cfg Config) *Server {
	h := cfg.Handlers

	rl := ratelimit.Middleware(cfg.Limiter, apiKeyLimitKey, cfg.Logger)
	keyed := func(next http.Handler) http.Handler { return rl(h.requireAPIKey(next)) }
	admin := h.requireAdmin

	mux := http.NewServeMux()

	// Query surfaces (API key + rate limit).
	mux.Handle("POST /query", keyed(http.HandlerFunc(h.HandleQuery)))
	mux.Handle("POST /chat", keyed(http.HandlerFunc(h.HandleChat)))
	mux.Handle("POST /chat/stream", keyed(http.HandlerFunc(h.HandleChatStream)))
	mux.Handle("GET /search", keyed(http.HandlerFunc(h.HandleSearch)))

	// Source viewer links (API key, no rate limit; the UI follows these per
	// rendered source).
	mux.Handle("GET /pdf/{opinion_id}", h.requireAPIKey(http.HandlerFunc(h.HandlePDF)))

	// Token exchange (API key, rate limited).
	mux.Handle("POST /auth/token", keyed(http.HandlerFunc(h.HandleAuthToken)))

	// Admin surfaces (short-lived bearer token).
	mux.Handle("GET /replay-packet/{run_id}", admin(http.HandlerFunc(h.HandleReplayPacket)))
	mux.Handle("POST /admin/retention", admin(http.HandlerFunc(h.HandleRetention)))
	mux.Handle("GET /admin/evals", admin(http.HandlerFunc(h.HandleEvalsReport)))

	// MCP StreamableHTTP transport (API key).
	if cfg.MCP != nil {
		mux.Handle("/mcp", h.requireAPIKey(mcpserver.NewStreamableHTTPServer(cfg.MCP)))
	}

	// Health (open).
	mux.HandleFunc("GET /healthz", h.HandleHealthz)

	// Outermost executes first: request ID, logging, body cap, recovery.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = bodyLimitMiddleware(cfg.MaxRequestBodyBytes, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// apiKeyLimitKey buckets rate limiting by presented API key; unauthenticated
// requests fall through to the auth rejection instead of the limiter.
func apiKeyLimitKey(r *http.Request) string {
	return r.Header.Get("X-API-Key")
}

// Handler returns the root handler for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
