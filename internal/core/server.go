// Package core provides the HTTP chassis for the turf war service: a chi
// router with the cross-cutting middleware (panic recovery, request IDs,
// logging, CORS, compression, metrics) applied before requests reach the
// domain handlers.
package core

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"turfwar/internal/config"
	"turfwar/internal/types"
)

// RouteRegistrar mounts a group of domain routes under /api.
type RouteRegistrar func(r chi.Router)

// Server encapsulates the router and its dependencies so tests can inject
// fakes and the entry point can wire real implementations.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Metrics   types.MetricsRecorder

	// HealthProbes back GET /health.
	HealthProbes []HealthProbe

	// MetricsHandler is served at GET /metrics when non-nil.
	MetricsHandler http.Handler

	// APIRouteRegistrars are populated by the entry point before MountRoutes.
	// The indirection keeps core free of handler imports.
	APIRouteRegistrars []RouteRegistrar

	router *chi.Mux
}

// NewServer validates the critical dependencies and prepares an empty router.
// The caller mounts routes with MountRoutes after wiring registrars.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(),
		Metrics:   types.NoopMetrics{},
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration in tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}
