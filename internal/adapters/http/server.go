// Package http provides the HTTP server and handlers.
package http //nolint:revive // package name conflicts with stdlib but is acceptable in this context

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/jobrunner/shapeview/internal/application"
	"github.com/jobrunner/shapeview/internal/config"
	"github.com/jobrunner/shapeview/internal/ports/input"
)

// Syncer triggers an inbox sync on demand.
type Syncer interface {
	TriggerSync(ctx context.Context) (application.SyncResult, error)
}

// Services are the application ports served by the API. Sync is optional.
type Services struct {
	Layers    input.LayerService
	Selection input.SelectionService
	Health    input.HealthChecker
	Sync      Syncer
}

// Server wraps the HTTP server with application handlers.
type Server struct {
	server    *http.Server
	router    *mux.Router
	handler   http.Handler
	layers    input.LayerService
	selection input.SelectionService
	health    input.HealthChecker
	sync      Syncer
	logger    *slog.Logger
	config    config.ServerConfig
}

// NewServer creates a new HTTP server. Middleware runs inside the logging
// and recovery middleware, in the order given.
func NewServer(cfg config.ServerConfig, svc Services, logger *slog.Logger, middleware ...mux.MiddlewareFunc) *Server {
	s := &Server{
		layers:    svc.Layers,
		selection: svc.Selection,
		health:    svc.Health,
		sync:      svc.Sync,
		logger:    logger,
		config:    cfg,
	}

	s.router = s.setupRoutes(middleware)

	// CORS wraps the router so preflight requests never reach route matching.
	s.handler = s.router
	if cfg.CORS.Enabled() {
		s.handler = s.corsMiddleware(s.router)
	}

	s.server = &http.Server{
		Addr:              cfg.Address(),
		Handler:           s.handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes(middleware []mux.MiddlewareFunc) *mux.Router {
	r := mux.NewRouter()

	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	for _, mw := range middleware {
		r.Use(mw)
	}

	// Health endpoints
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/live", s.handleLiveness).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleReadiness).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()

	// Layers
	api.HandleFunc("/layers", s.handleListLayers).Methods(http.MethodGet)
	api.HandleFunc("/layers", s.handleLoadLayer).Methods(http.MethodPost)
	api.HandleFunc("/layers", s.handleClearLayers).Methods(http.MethodDelete)
	api.HandleFunc("/layers/{layerId:[0-9]+}", s.handleGetLayer).Methods(http.MethodGet)
	api.HandleFunc("/layers/{layerId:[0-9]+}", s.handleRemoveLayer).Methods(http.MethodDelete)
	api.HandleFunc("/layers/{layerId:[0-9]+}/visibility", s.handleToggleVisibility).Methods(http.MethodPost)
	api.HandleFunc("/layers/{layerId:[0-9]+}/edits", s.handleBatchEdit).Methods(http.MethodPost)
	api.HandleFunc("/layers/{layerId:[0-9]+}/export", s.handleExport).Methods(http.MethodGet)
	api.HandleFunc("/layers/{layerId:[0-9]+}/export", s.handleExportToStorage).Methods(http.MethodPost)

	// View
	api.HandleFunc("/view/center", s.handleCenterView).Methods(http.MethodPost)

	// Selection
	api.HandleFunc("/selection", s.handleSelectionSummary).Methods(http.MethodGet)
	api.HandleFunc("/selection", s.handleDeselectAll).Methods(http.MethodDelete)
	api.HandleFunc("/selection/drag", s.handleDrag).Methods(http.MethodPost)
	api.HandleFunc("/selection/click", s.handleClick).Methods(http.MethodPost)
	api.HandleFunc("/selection/mode", s.handleSelectionMode).Methods(http.MethodPut)

	// Sync endpoint (only if sync service is configured)
	if s.sync != nil {
		api.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	}

	r.HandleFunc("/openapi.json", s.handleOpenAPI).Methods(http.MethodGet)
	r.HandleFunc("/openapi.yaml", s.handleOpenAPIYAML).Methods(http.MethodGet)

	return r
}

// Handle registers an additional handler, e.g. the metrics endpoint.
func (s *Server) Handle(path string, h http.Handler) {
	s.router.Handle(path, h).Methods(http.MethodGet)
}

// Router returns the mux router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the root handler including CORS.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "address", s.config.Address())
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs incoming requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		level := slog.LevelInfo
		if wrapped.statusCode >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered", "error", err, "path", r.URL.Path)
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
