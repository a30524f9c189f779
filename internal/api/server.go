// Package api provides the HTTP API of the build farm.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/narvanalabs/buildfarm/internal/api/handlers"
	"github.com/narvanalabs/buildfarm/internal/api/health"
	"github.com/narvanalabs/buildfarm/internal/api/middleware"
	"github.com/narvanalabs/buildfarm/internal/api/signing"
	"github.com/narvanalabs/buildfarm/internal/artifacts"
	"github.com/narvanalabs/buildfarm/internal/store"
	"github.com/narvanalabs/buildfarm/pkg/config"
)

// Version is the current version of the API server.
// This should be set at build time using ldflags.
var Version = "dev"

// requestTimeout bounds ordinary requests. Artifact streams are exempt.
const requestTimeout = 60 * time.Second

// Server represents the HTTP API server.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	store      store.Store
	config     *config.Config
	logger     *slog.Logger
	artifacts  *handlers.ArtifactHandler
}

// NewServer creates a new API server with the given dependencies.
func NewServer(cfg *config.Config, st store.Store, arts *artifacts.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:  st,
		config: cfg,
		logger: logger,
		artifacts: handlers.NewArtifactHandler(st, arts,
			signing.New([]byte(cfg.PublicURLSecret), cfg.PublicURLTTL), logger),
	}
	s.setupRouter()
	return s
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))

	checker := health.NewChecker(Version).
		Add("database", health.Database(s.store)).
		Add("scheduler", health.Scheduler(s.store.Servers(), s.config.ServerTimeout))
	r.Get("/health", checker.Handler())

	timeout := chimiddleware.Timeout(requestTimeout)
	projectHandler := handlers.NewProjectHandler(s.store, s.logger)
	requestHandler := handlers.NewRequestHandler(s.store, s.logger)
	buildHandler := handlers.NewBuildHandler(s.store, s.logger)
	logHandler := handlers.NewLogHandler(s.store, s.logger)
	serverHandler := handlers.NewServerHandler(s.store, s.config.ServerTimeout, s.logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/public/{token}", s.artifacts.Public)

		r.Route("/builds", func(r chi.Router) {
			// Streams run as long as the build keeps producing output.
			r.Get("/{id}/artifacts/{item}", s.artifacts.Get)
			r.Get("/{id}/artifacts/{item}/ws", s.artifacts.Tail)

			r.Group(func(r chi.Router) {
				r.Use(timeout)
				r.Get("/", buildHandler.List)
				r.Get("/{id}", buildHandler.Get)
				r.Post("/{id}/abort", buildHandler.Abort)
				r.Get("/{id}/artifacts", s.artifacts.List)
				r.Get("/{id}/artifacts/{item}/public-url", s.artifacts.PublicURL)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(timeout)

			r.Get("/projects", projectHandler.List)
			r.Get("/projects/{name}", projectHandler.Get)

			r.Route("/requests", func(r chi.Router) {
				r.Post("/", requestHandler.Create)
				r.Get("/", requestHandler.List)
				r.Get("/{id}", requestHandler.Get)
				r.Post("/{id}/abort", requestHandler.Abort)
			})

			r.Get("/logs", logHandler.List)
			r.Get("/servers", serverHandler.List)
		})
	})

	s.router = r
}

// Start serves until ctx is done, then shuts the server down.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.APIHost, s.config.APIPort)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.WithoutCancel(ctx))
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}

// Artifacts exposes the artifact handler so tests can shorten its timings.
func (s *Server) Artifacts() *handlers.ArtifactHandler {
	return s.artifacts
}
