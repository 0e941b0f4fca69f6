// Package server exposes the engine's narrow operational API over HTTP:
// status, manual tick, forced rebalance, and health.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/jbb100/kairos/internal/database"
	"github.com/jbb100/kairos/internal/domain"
)

// Engine is the coordinator surface the server drives.
type Engine interface {
	Tick(now time.Time) (domain.TickReport, error)
	ForceRebalance(now time.Time) (domain.TickReport, error)
	Status(now time.Time) domain.SchedulerStatus
}

// Config holds server configuration.
type Config struct {
	Port   int
	Log    zerolog.Logger
	Engine Engine
	DB     *database.DB
	NowFn  func() time.Time
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	log        zerolog.Logger
}

// New creates the HTTP server with all routes mounted.
func New(cfg Config) *Server {
	if cfg.NowFn == nil {
		cfg.NowFn = time.Now
	}
	log := cfg.Log.With().Str("component", "http_server").Logger()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	handlers := newHandlers(cfg.Engine, cfg.DB, cfg.NowFn, log)
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", handlers.health)
		r.Get("/status", handlers.status)
		r.Post("/tick", handlers.tick)
		r.Post("/rebalance/force", handlers.forceRebalance)
	})

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

// Handler exposes the router (tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start blocks serving HTTP until shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
