package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/intentive/reflex/internal/auth"
	"github.com/intentive/reflex/internal/collab"
	"github.com/intentive/reflex/internal/model"
	"github.com/intentive/reflex/internal/ratelimit"
)

// Server is the Reflex HTTP server.
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
// Optional fields (nil-safe): Cache, Limiter, Broker.
type ServerConfig struct {
	// Required dependencies.
	Store     Store
	JWTMgr    *auth.JWTManager
	Ingestor  EventIngestor
	Executor  RunExecutor
	Compiler  collab.Compiler
	ExprCheck func(string) error
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	Cache   CacheHealth
	Limiter *ratelimit.Limiter
	Broker  *Broker

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Cache:               cfg.Cache,
		JWTMgr:              cfg.JWTMgr,
		Ingestor:            cfg.Ingestor,
		Executor:            cfg.Executor,
		Compiler:            cfg.Compiler,
		ExprCheck:           cfg.ExprCheck,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Rate limit rules. Webhooks and auth are keyed by IP because neither
	// carries JWT claims; everything else by authenticated user.
	webhookRL := ratelimit.MiddlewareWithRequestID(cfg.Limiter, ratelimit.Rule{
		Prefix: "webhook", Limit: 600, Window: time.Minute,
	}, ratelimit.IPKeyFunc, reqIDFunc)
	queryRL := ratelimit.MiddlewareWithRequestID(cfg.Limiter, ratelimit.Rule{
		Prefix: "query", Limit: 300, Window: time.Minute,
	}, userKeyFunc, reqIDFunc)
	writeRL := ratelimit.MiddlewareWithRequestID(cfg.Limiter, ratelimit.Rule{
		Prefix: "write", Limit: 60, Window: time.Minute,
	}, userKeyFunc, reqIDFunc)
	authRL := ratelimit.MiddlewareWithRequestID(cfg.Limiter, ratelimit.Rule{
		Prefix: "auth", Limit: 20, Window: time.Minute,
	}, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Auth endpoint (no JWT required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Webhook ingestion (HMAC-authenticated, rate limited by IP).
	mux.Handle("POST /v1/webhooks/{provider}", webhookRL(http.HandlerFunc(h.HandleWebhook)))

	// Rule authoring (author+, write rate limit).
	authorOnly := requireRole(model.RoleAuthor)
	mux.Handle("POST /v1/units", writeRL(authorOnly(http.HandlerFunc(h.HandleCreateUnit))))
	mux.Handle("PATCH /v1/units/{unit_id}/status", writeRL(authorOnly(http.HandlerFunc(h.HandleUpdateUnitStatus))))

	// Inspection (reader+, query rate limit).
	readerOnly := requireRole(model.RoleReader)
	mux.Handle("GET /v1/units", queryRL(readerOnly(http.HandlerFunc(h.HandleListUnits))))
	mux.Handle("GET /v1/units/{unit_id}", queryRL(readerOnly(http.HandlerFunc(h.HandleGetUnit))))
	mux.Handle("GET /v1/runs", queryRL(readerOnly(http.HandlerFunc(h.HandleListRuns))))
	mux.Handle("GET /v1/runs/{run_id}", queryRL(readerOnly(http.HandlerFunc(h.HandleGetRun))))

	// Manual rerun (author+, write rate limit).
	mux.Handle("POST /v1/runs/{run_id}/rerun", writeRL(authorOnly(http.HandlerFunc(h.HandleRerunRun))))

	// Live run updates (reader+, no rate limit on the long-lived connection).
	mux.Handle("GET /v1/subscribe", readerOnly(http.HandlerFunc(h.HandleSubscribe)))

	// Connection management (author+).
	mux.Handle("PUT /v1/connections", writeRL(authorOnly(http.HandlerFunc(h.HandleUpsertConnection))))
	mux.Handle("GET /v1/connections", queryRL(readerOnly(http.HandlerFunc(h.HandleListConnections))))

	// User management (admin only, no rate limit).
	adminOnly := requireRole(model.RoleAdmin)
	mux.Handle("POST /v1/users", adminOnly(http.HandlerFunc(h.HandleCreateUser)))
	mux.Handle("GET /v1/users", adminOnly(http.HandlerFunc(h.HandleListUsers)))

	// Health (no auth, no rate limit).
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

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// userKeyFunc extracts the user ID from the request context for rate
// limiting. Returns empty string for admins (exempt from rate limits).
func userKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	if model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return ""
	}
	return claims.Subject
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
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
