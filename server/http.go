// Package server provides the admin HTTP server for the job store.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/jobstore/expiry"
	"github.com/wolfeidau/jobstore/store/jobdb"
	"github.com/wolfeidau/jobstore/telemetry"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken enables Bearer token authentication when set.
	// /health and /metrics are always open.
	AuthToken string

	// Logger for the server
	Logger *slog.Logger
}

// StatsProvider reports per-kind record counts.
type StatsProvider interface {
	Stats(ctx context.Context) (map[jobdb.Kind]jobdb.KindStats, error)
}

// Expirer runs expiration passes. *expiry.Manager satisfies it.
type Expirer interface {
	Start(ctx context.Context)
	Stop(ctx context.Context) error
	Sweep(ctx context.Context) (*expiry.Result, error)
	Status() *expiry.Result
}

// Server is the admin HTTP server.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	stats   StatsProvider
	expirer Expirer
}

// New creates a new server with the given configuration.
func New(cfg Config, stats StatsProvider, expirer Expirer) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		config:  cfg,
		logger:  cfg.Logger,
		stats:   stats,
		expirer: expirer,
	}

	s.httpServer = &http.Server{
		Addr:        cfg.Address,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// A manual pass can hold the request for the whole lock timeout.
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the full middleware chain, served over HTTP/1.1 and h2c.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return h2c.NewHandler(s.loggingMiddleware(s.authMiddleware(mux)), &http2.Server{})
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /expiration/status", s.handleExpirationStatus)
	mux.HandleFunc("POST /expiration/run", s.handleExpirationRun)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type kindStatsResponse struct {
	Records  int `json:"records"`
	Expiring int `json:"expiring"`
}

// handleStats reports record counts per kind, optionally filtered by ?kind=.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stats")

	var only jobdb.Kind
	if q := r.URL.Query().Get("kind"); q != "" {
		kind, err := jobdb.ParseKind(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		telemetry.SetKind(r, string(kind))
		only = kind
	}

	stats, err := s.stats.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to read stats", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := make(map[string]kindStatsResponse, len(stats))
	for kind, ks := range stats {
		if only != "" && kind != only {
			continue
		}
		resp[string(kind)] = kindStatsResponse{Records: ks.Records, Expiring: ks.Expiring}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExpirationStatus(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "expiration_status")

	result := s.expirer.Status()
	if result == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "no pass completed"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleExpirationRun runs one pass synchronously and returns its result.
// A pass that hit data-access faults is still reported with 200; its
// errors are listed in the result.
func (s *Server) handleExpirationRun(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "expiration_run")

	result, err := s.expirer.Sweep(r.Context())
	if errors.Is(err, expiry.ErrSweepInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if result == nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
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

		// Inject request tags so handlers can set endpoint and kind.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Kind != "" {
			attrs = append(attrs, "kind", tags.Kind)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, duration)
	})
}

// Start starts the expiration loop and the HTTP listener. It blocks until
// the listener is closed.
func (s *Server) Start(ctx context.Context) error {
	s.expirer.Start(ctx)

	s.logger.Info("starting server", "address", s.config.Address)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, then stops the expiration loop. An
// in-flight batch completes before the loop exits.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	httpErr := s.httpServer.Shutdown(ctx)
	return errors.Join(httpErr, s.expirer.Stop(ctx))
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
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
