// Package server exposes the catalog, stored blobs, extension control and
// the job event stream over HTTP.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wolfeidau/catalog-harvester/events"
	"github.com/wolfeidau/catalog-harvester/orchestrator"
	"github.com/wolfeidau/catalog-harvester/registry"
	"github.com/wolfeidau/catalog-harvester/store"
	"github.com/wolfeidau/catalog-harvester/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken enables bearer authentication for /api routes. A value
	// starting with "$2" is treated as a bcrypt hash of the token.
	AuthToken string

	// EventBuffer is the per-connection buffer of the event stream.
	EventBuffer int

	// Logger for the server
	Logger *slog.Logger
}

// Extensions is the registry surface used by the API.
type Extensions interface {
	List() []*registry.Extension
	Get(id string) (*registry.Extension, error)
	Reload(ctx context.Context, id string) (*registry.Extension, error)
}

// Syncer is the orchestrator surface used by the API.
type Syncer interface {
	Sync(ctx context.Context, extension string) (string, error)
	CancelSync(ctx context.Context, token string) error
	Status(token string) (orchestrator.SyncStatus, error)
	Syncs() []orchestrator.SyncStatus
	Stats() orchestrator.Stats
}

// Server is the HTTP server for the harvester.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	store *store.Store
	exts  Extensions
	syncs Syncer
	bus   *events.Bus
}

// New creates a server over the store, the extension registry, the
// orchestrator and the event bus.
func New(cfg Config, s *store.Store, exts Extensions, syncs Syncer, bus *events.Bus) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}

	srv := &Server{
		config: cfg,
		logger: cfg.Logger.With("component", "server"),
		store:  s,
		exts:   exts,
		syncs:  syncs,
		bus:    bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	srv.httpServer = &http.Server{
		Addr:        cfg.Address,
		Handler:     srv.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return srv
}

// Handler returns the routed handler with logging and auth applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware, s.authMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Method(http.MethodGet, "/metrics", telemetry.PrometheusHandler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/items", s.handleItems)
		r.Get("/items/{id}", s.handleItem)
		r.Get("/blobs/{hash}", s.handleBlob)
		r.Head("/blobs/{hash}", s.handleBlob)

		r.Get("/extensions", s.handleExtensions)
		r.Get("/extensions/{id}", s.handleExtension)
		r.Post("/extensions/{id}/sync", s.handleSync)
		r.Post("/extensions/{id}/reload", s.handleReload)

		r.Get("/syncs", s.handleSyncs)
		r.Get("/syncs/{token}", s.handleSyncStatus)
		r.Delete("/syncs/{token}", s.handleCancelSync)

		r.Get("/events", s.handleEvents)
	})
	return r
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type statsResponse struct {
	Store      *store.Stats       `json:"store"`
	Scheduler  orchestrator.Stats `json:"scheduler"`
	Extensions int                `json:"extensions"`
}

// handleStats reports store, scheduler and extension counts.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Store:      st,
		Scheduler:  s.syncs.Stats(),
		Extensions: len(s.exts.List()),
	})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

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
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Extension != "" {
			attrs = append(attrs, "extension", tags.Extension)
		}
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)
		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server. Open event streams are closed
// when the bus closes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming and
// websocket upgrades.
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
		rw.status = http.StatusSwitchingProtocols
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
