// Package core provides the API chassis: a chi router with the cross-cutting
// middleware (recovery, request ids, logging, metrics, auth) applied before
// requests reach the domain handlers.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"eventmail/internal/config"
	"eventmail/internal/types"
)

// RouteRegistrar mounts a group of handlers on the /v1 router.
type RouteRegistrar func(r chi.Router)

// Server holds the API dependencies and the router.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Metrics   types.MetricsRecorder

	HealthProbes []HealthProbe

	// PublicRoutes are mounted under /v1 without the admin key check
	// (provider webhooks, unsubscribe links).
	PublicRoutes []RouteRegistrar
	// AdminRoutes are mounted under /v1 behind APIKeyMiddleware.
	AdminRoutes []RouteRegistrar

	// PublicRateLimit throttles PublicRoutes per client IP when set.
	PublicRateLimit RateLimitStore

	closers []func() error
	router  *chi.Mux
}

// NewServer validates its inputs and prepares an empty router. Callers
// register routes and then call MountRoutes.
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
		Validator: NewValidator(logger),
		Metrics:   types.NoopMetrics{},
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// OnShutdown registers a resource to release during Shutdown. Resources are
// closed in reverse registration order.
func (s *Server) OnShutdown(closer func() error) {
	s.closers = append(s.closers, closer)
}

// Shutdown releases registered resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.Logger.ErrorContext(ctx, "error releasing server resources", "error", err)
		return fmt.Errorf("shutdown: %w", err)
	}
	s.Logger.InfoContext(ctx, "server shutdown complete")
	return nil
}
