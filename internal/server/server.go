package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/arclight-dev/arclight/internal/auth"
	"github.com/arclight-dev/arclight/internal/ctxutil"
	"github.com/arclight-dev/arclight/internal/gateway"
	"github.com/arclight-dev/arclight/internal/ingest"
	"github.com/arclight-dev/arclight/internal/orchestrator"
	"github.com/arclight-dev/arclight/internal/provider"
	"github.com/arclight-dev/arclight/internal/ratelimit"
	"github.com/arclight-dev/arclight/internal/storage"
)

// Server is the Arclight HTTP server.
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

// Config holds all dependencies and configuration for creating a Server.
// Limiter is optional (nil = rate limiting disabled).
type Config struct {
	DB         *storage.DB
	JWTMgr     *auth.JWTManager
	OrchSvc    *orchestrator.Service
	GatewaySvc *gateway.Service
	IngestSvc  *ingest.Service
	Providers  *provider.Registry
	Limiter    ratelimit.Limiter
	Logger     *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// OpenAPISpec is the embedded OpenAPI YAML (optional).
	OpenAPISpec []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		OrchSvc:             cfg.OrchSvc,
		GatewaySvc:          cfg.GatewaySvc,
		IngestSvc:           cfg.IngestSvc,
		Providers:           cfg.Providers,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Rate limit rules. Invoke and telemetry are the hot paths; auth is
	// limited by IP because it runs before any tenant identity exists.
	invokeRL := ratelimit.Middleware(cfg.Limiter, ratelimit.Rule{
		Prefix: "invoke", Limit: 600, Window: time.Minute,
	}, tenantKeyFunc, reqIDFunc)
	controlRL := ratelimit.Middleware(cfg.Limiter, ratelimit.Rule{
		Prefix: "control", Limit: 120, Window: time.Minute,
	}, tenantKeyFunc, reqIDFunc)
	telemetryRL := ratelimit.Middleware(cfg.Limiter, ratelimit.Rule{
		Prefix: "telemetry", Limit: 1200, Window: time.Minute,
	}, ratelimit.IPKeyFunc, reqIDFunc)
	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.Rule{
		Prefix: "auth", Limit: 20, Window: time.Minute,
	}, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Token exchange (no JWT required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Agent management.
	mux.Handle("POST /v1/agents", controlRL(http.HandlerFunc(h.HandleCreateAgent)))
	mux.Handle("GET /v1/agents", controlRL(http.HandlerFunc(h.HandleListAgents)))
	mux.Handle("GET /v1/agents/{agent_id}", controlRL(http.HandlerFunc(h.HandleGetAgent)))
	mux.Handle("PATCH /v1/agents/{agent_id}", controlRL(http.HandlerFunc(h.HandleUpdateAgent)))
	mux.Handle("DELETE /v1/agents/{agent_id}", controlRL(http.HandlerFunc(h.HandleDeleteAgent)))
	mux.Handle("POST /v1/agents/{agent_id}/disable", controlRL(http.HandlerFunc(h.HandleDisableAgent)))
	mux.Handle("POST /v1/agents/{agent_id}/enable", controlRL(http.HandlerFunc(h.HandleEnableAgent)))

	// Deployment orchestration.
	mux.Handle("POST /v1/agents/{agent_id}/deploy", controlRL(http.HandlerFunc(h.HandleDeploy)))
	mux.Handle("GET /v1/agents/{agent_id}/deployments", controlRL(http.HandlerFunc(h.HandleListDeployments)))
	mux.Handle("POST /v1/agents/{agent_id}/deployments/{deployment_id}/activate",
		controlRL(http.HandlerFunc(h.HandleActivateDeployment)))

	// Invocation gateway.
	mux.Handle("POST /v1/invoke/{agent_id}", invokeRL(http.HandlerFunc(h.HandleInvoke)))
	mux.Handle("POST /v1/invoke/{agent_id}/stream", invokeRL(http.HandlerFunc(h.HandleInvokeStream)))

	// Telemetry ingest (no JWT; per-deployment HMAC, rate limited by IP).
	mux.Handle("POST /v1/telemetry/report", telemetryRL(http.HandlerFunc(h.HandleTelemetryReport)))

	// Usage and metrics.
	mux.Handle("GET /v1/usage/current", controlRL(http.HandlerFunc(h.HandleUsage)))
	mux.Handle("GET /v1/metrics/recent", controlRL(http.HandlerFunc(h.HandleMetricsRecent)))

	// OpenAPI spec (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, cfg.DB, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
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

// tenantKeyFunc extracts the tenant ID from the request context for rate
// limiting. Returns empty string for unauthenticated requests, which skip
// tenant-keyed limits (the auth middleware already rejected them or the
// route carries its own IP-keyed limit).
func tenantKeyFunc(r *http.Request) string {
	if tenant, ok := ctxutil.TenantFromContext(r.Context()); ok {
		return tenant.ID.String()
	}
	return ""
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
