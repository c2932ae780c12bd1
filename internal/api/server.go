package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/open-rewards/talon/internal/auth"
	"github.com/open-rewards/talon/internal/calculator"
	"github.com/open-rewards/talon/internal/domain"
	"github.com/open-rewards/talon/internal/presets"
	"github.com/open-rewards/talon/internal/rulestore"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server. Calculation and transaction
// recording are open endpoints; rule management and bootstrap require a
// bearer token.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, calc *calculator.Service, store *rulestore.Store, registry *presets.Registry, jwtService *auth.JWTService, version string) *Server {
	handler := NewHandler(repo, cache, bus, calc, store, registry, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Calculation path
	router.Post("/calculate", handler.Calculate)
	router.Post("/transactions", handler.RecordTransaction)
	router.Get("/transactions/{id}", handler.GetTransaction)

	// Read-only catalog
	router.Get("/products/{id}/rules", handler.ListProductRules)
	router.Get("/presets", handler.ListPresets)

	// Management routes (authenticated)
	router.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwtService))

		r.Post("/rules", handler.CreateRule)
		r.Put("/rules/{id}", handler.UpdateRule)
		r.Delete("/rules/{id}", handler.DeleteRule)
		r.Post("/products/{id}/bootstrap", handler.BootstrapProduct)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
