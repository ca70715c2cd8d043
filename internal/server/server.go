package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/dualcommit/internal/auth"
	"github.com/ashita-ai/dualcommit/internal/ratelimit"
	"github.com/ashita-ai/dualcommit/internal/service/governance"
)

// Server is the gate's HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, MCPServer, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Service    *governance.Service
	JWTMgr     *auth.JWTManager
	Principals auth.Principals
	Logger     *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64

	OpenAPISpec []byte // Embedded OpenAPI YAML.

	// Middlewares wrap the whole chain, first registered outermost.
	Middlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Service:             cfg.Service,
		JWTMgr:              cfg.JWTMgr,
		Principals:          cfg.Principals,
		Logger:              cfg.Logger,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	apiRL := ratelimit.Middleware(cfg.Limiter, principalKeyFunc, reqIDFunc, cfg.Logger)
	authRL := ratelimit.Middleware(cfg.Limiter, ipKeyFunc, reqIDFunc, cfg.Logger)
	api := func(fn http.HandlerFunc) http.Handler { return apiRL(fn) }

	mux := http.NewServeMux()

	// Auth endpoint (no token required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// State modifications. Ratification is checked against the caller's
	// authority in the service layer.
	mux.Handle("POST /v1/requests", api(h.HandleSubmit))
	mux.Handle("GET /v1/requests/pending", api(h.HandlePendingRequests))
	mux.Handle("GET /v1/requests/{request_id}", api(h.HandleGetRequest))
	mux.Handle("POST /v1/requests/{request_id}/approve", api(h.HandleApproveRequest))
	mux.Handle("POST /v1/requests/{request_id}/reject", api(h.HandleRejectRequest))

	// State store reads.
	mux.Handle("GET /v1/state", api(h.HandleState))
	mux.Handle("GET /v1/state/value", api(h.HandleValue))
	mux.Handle("GET /v1/state/verify", api(h.HandleVerify))
	mux.Handle("GET /v1/events", api(h.HandleEvents))

	// Precedent lookup.
	mux.Handle("POST /v1/precedent/check", api(h.HandlePrecedentCheck))

	// Commit ledger review surface.
	mux.Handle("POST /api/governance/propose", api(h.HandlePropose))
	mux.Handle("POST /api/governance/approve", api(h.HandleApproveProposal))
	mux.Handle("POST /api/governance/reject", api(h.HandleRejectProposal))
	mux.Handle("GET /api/governance/list/{status}", api(h.HandleListProposals))
	mux.Handle("GET /api/governance/pending", api(h.HandlePendingProposals))
	mux.Handle("GET /api/governance/history", api(h.HandleHistory))
	mux.Handle("GET /api/governance/diff/{commit_id}", api(h.HandleDiff))

	// MCP StreamableHTTP transport (auth required).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// OpenAPI spec and health (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// principalKeyFunc rate limits authenticated callers by principal.
func principalKeyFunc(r *http.Request) string {
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		return "principal:" + claims.PrincipalID()
	}
	return ipKeyFunc(r)
}

func ipKeyFunc(r *http.Request) string {
	return "ip:" + ratelimit.IPKeyFunc(r)
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
