package core

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzhttp"
)

// defaultRequestTimeout applies when the config does not set one.
const defaultRequestTimeout = 60 * time.Second

// defaultRedactedHeaders are masked in request logs.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	"X-Api-Key",
}

// MountRoutes registers the middleware chain, the /api group and the
// top-level operational routes.
func (s *Server) MountRoutes() {
	s.registerGlobalMiddleware()

	s.router.Route("/api", s.mountAPI)

	s.router.Get("/health", s.HandleHealth)
	if s.MetricsHandler != nil {
		s.router.Method(http.MethodGet, "/metrics", s.MetricsHandler)
	}
}

// registerGlobalMiddleware applies middleware in strict order.
//
//  1. Recoverer      - outermost so every panic is caught.
//  2. RequestID      - correlation ID and request-scoped logger.
//  3. ContextTimeout - soft deadline for handlers.
//  4. RequestLogger  - structured access log with redacted headers.
//  5. CORS           - browser preflight.
//  6. Compress       - gzip responses when the client accepts it.
//  7. Metrics        - latency and count per route pattern.
func (s *Server) registerGlobalMiddleware() {
	s.router.Use(s.Recoverer)
	s.router.Use(s.RequestID)
	s.router.Use(ContextTimeoutMiddleware(s.requestTimeout()))
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
	s.router.Use(NewCORSMiddleware(s.corsAllowedOrigins()))
	s.router.Use(Compress)
	s.router.Use(s.MetricsMiddleware)
}

func (s *Server) mountAPI(r chi.Router) {
	for _, registrar := range s.APIRouteRegistrars {
		registrar(r)
	}
}

func (s *Server) requestTimeout() time.Duration {
	if s.Config != nil && s.Config.Server.RequestTimeout > 0 {
		return s.Config.Server.RequestTimeout
	}
	return defaultRequestTimeout
}

func (s *Server) corsAllowedOrigins() []string {
	if s.Config != nil && len(s.Config.Server.CorsAllowedOrigins) > 0 {
		return s.Config.Server.CorsAllowedOrigins
	}
	return []string{"*"}
}

// ContextTimeoutMiddleware sets a deadline on the request context. Handlers
// that ignore cancellation still complete; the deadline only reaches
// downstream calls that observe ctx.
func ContextTimeoutMiddleware(duration time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), duration)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Compress gzips response bodies for clients that advertise support.
// Small bodies are passed through unchanged.
func Compress(next http.Handler) http.Handler {
	return gzhttp.GzipHandler(next)
}
