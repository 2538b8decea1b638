// Package httpapi implements the HTTP and websocket chat gateway.
//
// Security:
//   - Bearer JWT (HS256) or API key authentication on every /v1 request
//   - Request body size limits (default 1 MB)
//   - Per-principal rate limiting via token bucket
//   - Backend error text never reaches the caller
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/datagate/internal/chat"
	"github.com/jkaninda/datagate/internal/domain"
	"github.com/jkaninda/datagate/internal/gateway"
	"github.com/jkaninda/datagate/internal/intent"
	"github.com/jkaninda/datagate/internal/memory"
	"github.com/jkaninda/datagate/internal/observability"
	"github.com/jkaninda/datagate/internal/ratelimit"
	"github.com/jkaninda/datagate/internal/security"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

var surfaceRe = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// ChatService is the pipeline the gateway fronts.
type ChatService interface {
	Handle(ctx context.Context, principal domain.Principal, surface string, req chat.Request) (*chat.Response, error)
	Stats(ctx context.Context, principal domain.Principal, surface string) (memory.Stats, error)
	Clear(ctx context.Context, principal domain.Principal, surface string) error
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	MaxRequestSize int64 // Maximum request body in bytes. 0 = 1 MB default.

	// Schema is served at GET /v1/schema.
	SchemaVersion string
	Schema        string

	// WebSocket enables the websocket chat surface when non-nil.
	WebSocket *WebSocketConfig

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	chat    ChatService
	auth    *Authenticator
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP API gateway. rl may be nil to disable rate limiting.
func NewGateway(cfg Config, svc ChatService, auth *Authenticator, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		chat:    svc,
		auth:    auth,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "datagate",
			Version: "v1",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

func (g *Gateway) routes() {
	// Authenticated /v1 group, instrumented when observability is on.
	mw := okapi.Middleware(g.auth.Middleware)
	if g.config.Metrics != nil || g.config.Tracer != nil {
		mw = chain(observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer), g.auth.Middleware)
	}
	g.group = g.okapi.Group("/v1", mw)

	g.group.Post("/chat/{surface}", g.handleChat,
		okapi.DocSummary("Send one chat turn"),
		okapi.DocTags("Chat"),
		okapi.DocPathParam("surface", "string", "Chat surface, e.g. dashboard"),
		okapi.DocRequestBody(chat.Request{}),
		okapi.DocResponse(chat.Response{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
		okapi.DocResponse(http.StatusGatewayTimeout, ErrorBody{}),
	)
	g.group.Get("/sessions/{surface}/stats", g.handleStats,
		okapi.DocSummary("Conversation statistics for the caller on a surface"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("surface", "string", "Chat surface"),
		okapi.DocResponse(memory.Stats{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Delete("/sessions/{surface}", g.handleClear,
		okapi.DocSummary("Clear the caller's conversation on a surface"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("surface", "string", "Chat surface"),
		okapi.DocResponse(StatusResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Get("/schema", g.handleSchema,
		okapi.DocSummary("Data schema description given to the model"),
		okapi.DocTags("Schema"),
		okapi.DocResponse(SchemaResponse{}),
	)

	if ws := g.config.WebSocket; ws != nil {
		g.okapi.HandleStd("GET", ws.path(), g.WebSocketHandler().ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

func chain(outer, inner okapi.Middleware) okapi.Middleware {
	return func(next okapi.HandlerFunc) okapi.HandlerFunc {
		return outer(inner(next))
	}
}

// --- Handlers ---

// StatusResponse is a minimal acknowledgement body.
type StatusResponse struct {
	Status string `json:"status"`
}

// SchemaResponse is the JSON response for GET /v1/schema.
type SchemaResponse struct {
	Version     string `json:"version"`
	Description string `json:"description"`
}

func (g *Gateway) handleChat(c *okapi.Context) error {
	principal := principalFrom(c)
	surface := c.Param("surface")
	if !surfaceRe.MatchString(surface) {
		return c.AbortBadRequest("invalid surface")
	}

	if g.limited(principal.ID) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	r := c.Request()
	r.Body = http.MaxBytesReader(nil, r.Body, g.config.MaxRequestSize)

	var req chat.Request
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	resp, err := g.chat.Handle(c.Context(), principal, surface, req)
	if err != nil {
		code, msg := errorStatus(err)
		if code >= http.StatusInternalServerError {
			g.logger.Error("chat turn failed",
				slog.String("user_id", principal.ID),
				slog.String("surface", surface),
				slog.String("error", err.Error()),
			)
		}
		return c.JSON(code, ErrorBody{Error: msg})
	}
	return c.OK(resp)
}

func (g *Gateway) handleStats(c *okapi.Context) error {
	surface := c.Param("surface")
	if !surfaceRe.MatchString(surface) {
		return c.AbortBadRequest("invalid surface")
	}
	stats, err := g.chat.Stats(c.Context(), principalFrom(c), surface)
	if err != nil {
		code, msg := errorStatus(err)
		return c.JSON(code, ErrorBody{Error: msg})
	}
	return c.OK(stats)
}

func (g *Gateway) handleClear(c *okapi.Context) error {
	surface := c.Param("surface")
	if !surfaceRe.MatchString(surface) {
		return c.AbortBadRequest("invalid surface")
	}
	if err := g.chat.Clear(c.Context(), principalFrom(c), surface); err != nil {
		code, msg := errorStatus(err)
		return c.JSON(code, ErrorBody{Error: msg})
	}
	return c.OK(StatusResponse{Status: "cleared"})
}

func (g *Gateway) handleSchema(c *okapi.Context) error {
	return c.OK(SchemaResponse{Version: g.config.SchemaVersion, Description: g.config.Schema})
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&StatusResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&StatusResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// limited consumes a token for principalID and reports whether the request
// must be rejected.
func (g *Gateway) limited(principalID string) bool {
	if g.limiter == nil {
		return false
	}
	if err := g.limiter.Allow(principalID); err != nil {
		if g.config.Metrics != nil {
			g.config.Metrics.RateLimitedTotal.Inc()
		}
		return true
	}
	return false
}

// errorStatus maps a pipeline error to an HTTP status and a caller-safe message.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, security.ErrUnauthenticated):
		return http.StatusUnauthorized, "authentication required"
	case errors.Is(err, ratelimit.ErrRateLimited):
		return http.StatusTooManyRequests, "rate limit exceeded"
	case errors.Is(err, intent.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "the assistant took too long to answer, please try again"
	case errors.Is(err, intent.ErrUpstream):
		return http.StatusBadGateway, "the assistant is temporarily unavailable, please try again"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

var _ gateway.Gateway = (*Gateway)(nil)
