// Package httpapi implements the HTTP API gateway for vipu.
//
// Security:
//   - Optional API key authentication (constant-time comparison)
//   - Request body size limits (default 2 MB)
//   - Per-caller rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/vipu/internal/executor"
	"github.com/jkaninda/vipu/internal/history"
	"github.com/jkaninda/vipu/internal/observability"
	"github.com/jkaninda/vipu/internal/ratelimit"
	"github.com/jkaninda/vipu/internal/runner"
)

const defaultMaxRequestSize = 2 << 20 // 2 MB

// ErrorBody is the error shape for non-execution failures (auth, rate limit).
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → user ID. Empty = open API.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 2 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	exec     executor.Executor
	registry *runner.Registry
	history  history.Store // nil = history endpoints disabled.
	recorder *history.Recorder
	limiter  *ratelimit.Limiter
	logger   *slog.Logger

	mu     sync.Mutex
	server *http.Server

	// Streaming support.
	streamEnabled bool

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, exec executor.Executor, reg *runner.Registry, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:   cfg,
		exec:     exec,
		registry: reg,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// WithHistory attaches execution history. Runs served by the gateway are
// recorded and the /v1/executions endpoints are mounted.
func (g *Gateway) WithHistory(store history.Store) *Gateway {
	g.history = store
	g.recorder = history.NewRecorder(store, g.logger)
	return g
}

// WithStream enables the websocket and SSE live-output endpoints.
func (g *Gateway) WithStream(enabled bool) *Gateway {
	g.streamEnabled = enabled
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Vipu",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.mount()

	server := &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Runs take up to the execution timeout plus compile time.
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	g.mu.Lock()
	g.server = server
	g.mu.Unlock()

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	g.mu.Lock()
	server := g.server
	g.mu.Unlock()
	if server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(server)
}

func (g *Gateway) mount() {
	g.okapi.UseMiddleware(g.limitBody)
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/run", g.handleRun,
		okapi.DocSummary("Execute source code"),
		okapi.DocTags("Run"),
		okapi.DocRequestBody(RunRequest{}),
		okapi.DocResponse(executor.Response{}),
		okapi.DocResponse(http.StatusBadRequest, executor.ErrorResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusInternalServerError, executor.ErrorResponse{}),
	)
	g.group.Get("/languages", g.handleLanguages,
		okapi.DocSummary("List supported languages"),
		okapi.DocTags("Run"),
		okapi.DocResponse(LanguagesResponse{}),
	)

	if g.streamEnabled {
		g.group.Post("/run/events", g.handleRunEvents,
			okapi.DocSummary("Execute source code and stream output via SSE"),
			okapi.DocTags("Run"),
			okapi.DocRequestBody(RunRequest{}),
			okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
			okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		)
		// Websocket upgrades bypass okapi; the handler authenticates itself.
		g.okapi.HandleStd("GET", "/v1/run/stream", g.handleRunStream)
	}

	if g.history != nil {
		g.group.Get("/executions", g.handleExecutionList,
			okapi.DocSummary("List recent executions"),
			okapi.DocTags("Executions"),
			okapi.DocResponse(ExecutionListResponse{}),
			okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		)
		g.group.Post("/executions", g.handleExecutionCreate,
			okapi.DocSummary("Record an execution"),
			okapi.DocTags("Executions"),
			okapi.DocRequestBody(ExecutionRequest{}),
			okapi.DocResponse(http.StatusCreated, ExecutionResponse{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
		g.group.Get("/executions/{id}", g.handleExecutionGet,
			okapi.DocSummary("Get an execution by ID"),
			okapi.DocTags("Executions"),
			okapi.DocPathParam("id", "string", "Execution ID (UUID)"),
			okapi.DocResponse(ExecutionResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
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

// --- Health ---

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate resolves the caller and stores "userID" (empty on an open
// API) and "callerID" (the rate-limit key) on the context.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		userID, callerID, msg := g.identify(c.Request())
		if msg != "" {
			return c.AbortUnauthorized(msg)
		}
		c.Set("userID", userID)
		c.Set("callerID", callerID)
		return next(c)
	}
}

// identify returns the user ID and rate-limit key for r, or a non-empty
// message when authentication fails.
func (g *Gateway) identify(r *http.Request) (userID, callerID, msg string) {
	if len(g.config.APIKeys) == 0 {
		return "", "ip:" + clientIP(r), ""
	}

	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "", "missing or invalid Authorization header"
	}
	apiKey := strings.TrimPrefix(authHeader, "Bearer ")

	for key, id := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			userID = id
		}
	}
	if userID == "" {
		return "", "", "invalid API key"
	}
	return userID, "user:" + userID, ""
}

// rateLimited consumes a token for callerID and reports whether the caller
// is over its limit.
func (g *Gateway) rateLimited(callerID, path string) bool {
	if !g.limiter.Enabled() {
		return false
	}
	if err := g.limiter.Allow(callerID); err != nil {
		g.config.Metrics.RecordRateLimited(path)
		return true
	}
	return false
}

// --- Helpers ---

// limitBody caps request bodies at MaxRequestSize.
func (g *Gateway) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, g.config.MaxRequestSize)
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
