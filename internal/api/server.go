// Package api provides the HTTP control surface of the subwatch daemon:
// requesting scans, configuring recurring schedules and reading run state,
// plus health and Prometheus endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	apihandlers "github.com/anstrom/subwatch/internal/api/handlers"
	"github.com/anstrom/subwatch/internal/api/middleware"
	"github.com/anstrom/subwatch/internal/config"
	"github.com/anstrom/subwatch/internal/logging"
	"github.com/anstrom/subwatch/internal/metrics"
)

// Server timeout constants.
const (
	serverShutdownTimeout = 30 * time.Second
	readHeaderTimeout     = 10 * time.Second
	idleTimeout           = 60 * time.Second
)

// Server represents the API server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	config     *config.Config
	logger     *slog.Logger
	metrics    *metrics.PrometheusMetrics
}

// New creates a new API server. database may be nil, in which case the
// health endpoint reports it as not configured. m may be nil when metrics
// are disabled.
func New(
	cfg *config.Config,
	database apihandlers.DatabasePinger,
	q apihandlers.ScanQueue,
	m *metrics.PrometheusMetrics,
	logger *logging.Logger,
) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if q == nil {
		return nil, fmt.Errorf("scan queue is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	s := &Server{
		router:  mux.NewRouter(),
		config:  cfg,
		logger:  logger.WithComponent("api").Logger,
		metrics: m,
	}

	s.setupRoutes(database, q)
	s.setupMiddleware()

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.API.ListenAddr, strconv.Itoa(cfg.API.Port)),
		Handler:           s.handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}
	return s, nil
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.logger.Info("Starting API server", "address", listener.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		return err
	}
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped successfully")
	return nil
}

func (s *Server) setupRoutes(database apihandlers.DatabasePinger, q apihandlers.ScanQueue) {
	health := apihandlers.NewHealthHandler(database, s.logger)
	scans := apihandlers.NewScanHandler(q, s.logger)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/liveness", health.Liveness).Methods(http.MethodGet)
	api.HandleFunc("/health", health.Health).Methods(http.MethodGet)

	api.HandleFunc("/targets/{id}/scan", scans.EnqueueScan).Methods(http.MethodPost)
	api.HandleFunc("/targets/{id}/scan", scans.GetScan).Methods(http.MethodGet)
	api.HandleFunc("/targets/{id}/schedule", scans.SetSchedule).Methods(http.MethodPatch)

	if s.config.Metrics.Enabled && s.metrics != nil {
		path := s.config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		s.router.Handle(path, s.metrics.Handler()).Methods(http.MethodGet)
	}

	s.router.HandleFunc("/", s.index).Methods(http.MethodGet)
	s.router.NotFoundHandler = http.HandlerFunc(s.notFound)
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Recovery(s.logger))
	if s.config.Logging.RequestLogging {
		s.router.Use(middleware.Logging(s.logger))
	}
	if s.metrics != nil {
		s.router.Use(middleware.Metrics(s.metrics))
	}
	s.router.Use(middleware.SecurityHeaders())
	s.router.Use(middleware.ContentType())
	s.router.Use(middleware.MaxBodySize(s.config.API.MaxRequestSize))
	s.router.Use(middleware.RequestTimeout(s.config.API.RequestTimeout))
}

// handler wraps the router with CORS. gorilla/handlers.CORS has to sit
// outside the router so preflight requests reach it before method matching.
func (s *Server) handler() http.Handler {
	cors := s.config.API.CORS
	if !cors.Enabled {
		return s.router
	}
	return handlers.CORS(
		handlers.AllowedOrigins(cors.AllowedOrigins),
		handlers.AllowedMethods(cors.AllowedMethods),
		handlers.AllowedHeaders(cors.AllowedHeaders),
	)(s.router)
}

// index returns API information for root requests.
func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"service": "subwatch",
		"version": "v1",
		"endpoints": map[string]string{
			"liveness": "/api/v1/liveness",
			"health":   "/api/v1/health",
			"scan":     "/api/v1/targets/{id}/scan",
			"schedule": "/api/v1/targets/{id}/schedule",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("Failed to encode API index response", "error", err)
	}
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":     "Not Found",
		"message":   fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path),
		"timestamp": time.Now().UTC(),
	})
}

// GetRouter returns the configured router.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// Handler returns the full HTTP handler, including CORS.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// GetAddress returns the server address.
func (s *Server) GetAddress() string {
	return s.httpServer.Addr
}
