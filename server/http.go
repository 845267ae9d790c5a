// Package server provides the HTTP server for the rule cache.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/rule-cache/cache"
	"github.com/wolfeidau/rule-cache/engine"
	"github.com/wolfeidau/rule-cache/expiry"
	"github.com/wolfeidau/rule-cache/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// Engine serves rule lookups and deployments.
	Engine *engine.Engine

	// Cache backs the /stats endpoint.
	Cache *cache.Cache

	// Expiry refreshes stale entries in the background. Optional.
	Expiry *expiry.Manager

	// MCP is mounted at /mcp when set.
	MCP http.Handler

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the rule cache.
type Server struct {
	config     Config
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
	engine     *engine.Engine
	cache      *cache.Cache
	expiryMgr  *expiry.Manager
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server requires an engine")
	}
	if cfg.Cache == nil {
		return nil, errors.New("server requires a cache")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		config:    cfg,
		logger:    cfg.Logger.With("component", "server"),
		engine:    cfg.Engine,
		cache:     cfg.Cache,
		expiryMgr: cfg.Expiry,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.loggingMiddleware(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute, // deployments wait on upstream fetches
		IdleTimeout:       60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /api/v1/technologies", s.handleTechnologies)
	mux.HandleFunc("GET /api/v1/technologies/{technology}/rules", s.handleRules)
	mux.HandleFunc("GET /api/v1/technologies/{technology}/rules/{rule}", s.handleRule)
	mux.HandleFunc("POST /api/v1/context/rules", s.handleContextRules)
	mux.HandleFunc("POST /api/v1/deploy", s.handleDeploy)

	if s.config.MCP != nil {
		mux.Handle("/mcp", s.config.MCP)
		mux.Handle("/mcp/", s.config.MCP)
	}
}

// Handler returns the root handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)
		surface := deriveSurface(r.URL.Path)
		telemetry.SetSurface(r, surface)
		if surface == "internal" {
			telemetry.SetCacheResult(r, telemetry.CacheNA)
		}

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"surface", surface,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if tags.Degraded {
			attrs = append(attrs, "degraded", true)
		}
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the background refresher and the server.
func (s *Server) Start() error {
	if s.expiryMgr != nil {
		s.logger.Info("starting expiry manager")
		if err := s.expiryMgr.Start(context.Background()); err != nil {
			return fmt.Errorf("starting expiry manager: %w", err)
		}
	}

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if s.expiryMgr != nil {
		s.expiryMgr.Stop()
	}

	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming MCP responses.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveSurface classifies the request path for logs and metrics.
func deriveSurface(path string) string {
	switch {
	case path == "/health" || path == "/stats" || path == "/metrics":
		return "internal"
	case path == "/mcp" || strings.HasPrefix(path, "/mcp/"):
		return "mcp"
	case strings.HasPrefix(path, "/api/"):
		return "api"
	default:
		return "unknown"
	}
}
