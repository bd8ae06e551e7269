// Package core provides the API chassis for eventbell: the chi router, the
// global middleware chain, the JSON envelope and request validation. Domain
// handlers register themselves under /v1 through V1RouteRegistrars so that
// core never imports them.
package core

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzhttp"

	"eventbell/internal/config"
	"eventbell/internal/types"
)

// RouteRegistrar mounts routes on the /v1 router. Routes reserved for the
// operator wrap themselves with operatorOnly, e.g.
// r.With(operatorOnly).Post("/events", h.Create).
type RouteRegistrar func(r chi.Router, operatorOnly func(http.Handler) http.Handler)

// Server holds the dependencies shared by every route.
type Server struct {
	Config       *config.Config
	Logger       types.Logger
	Validator    *Validator
	HealthProbes []HealthProbe

	// V1RouteRegistrars mount domain handlers under /v1. They are set by the
	// entry point before MountRoutes.
	V1RouteRegistrars []RouteRegistrar

	router *chi.Mux
}

// NewServer creates a Server. Routes are mounted separately by MountRoutes
// so tests can register their own.
func NewServer(cfg *config.Config, logger types.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if logger == nil {
		return nil, errors.New("logger must not be nil")
	}
	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router wrapped with gzip response compression.
func (s *Server) Handler() http.Handler {
	return gzhttp.GzipHandler(s.router)
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}
