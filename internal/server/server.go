// Package server exposes the tuning subsystem over HTTP: session
// management, batch execution control, result queries, a live progress
// websocket, and system status.
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

	"github.com/chiehlin/factortuner/internal/config"
	"github.com/chiehlin/factortuner/internal/database"
	"github.com/chiehlin/factortuner/internal/events"
	"github.com/chiehlin/factortuner/internal/modules/engine"
	"github.com/chiehlin/factortuner/internal/modules/progress"
	"github.com/chiehlin/factortuner/internal/modules/results"
	"github.com/chiehlin/factortuner/internal/modules/session"
)

// Config holds server dependencies
type Config struct {
	Log       zerolog.Logger
	Cfg       *config.Config
	TuningDB  *database.DB
	Repo      *session.Repository
	Service   *session.Service
	Progress  *progress.Manager
	Engine    *engine.Engine
	Collector *results.Collector
	Bus       *events.Bus
	Port      int
	DevMode   bool
}

// Server is the HTTP operator surface
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	cfg       *config.Config
	tuningDB  *database.DB
	repo      *session.Repository
	service   *session.Service
	progress  *progress.Manager
	engine    *engine.Engine
	collector *results.Collector
	bus       *events.Bus
}

// New creates the HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		cfg:       cfg.Cfg,
		tuningDB:  cfg.TuningDB,
		repo:      cfg.Repo,
		service:   cfg.Service,
		progress:  cfg.Progress,
		engine:    cfg.Engine,
		collector: cfg.Collector,
		bus:       cfg.Bus,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/tuning", func(r chi.Router) {
			// Parameter space
			r.Get("/space", s.handleSpaceInfo)
			r.Get("/space/preview", s.handleSpacePreview)

			// Session lifecycle
			r.Route("/sessions", func(r chi.Router) {
				r.Post("/", s.handleCreateSession)
				r.Get("/", s.handleListSessions)

				r.Route("/{sessionID}", func(r chi.Router) {
					r.Get("/status", s.handleSessionStatus)
					r.Get("/progress", s.handleSessionProgress)
					r.Post("/execute", s.handleExecute)
					r.Post("/stop", s.handleStop)
					r.Post("/reset-failed", s.handleResetFailed)
					r.Post("/reset-stale", s.handleResetStale)
					r.Delete("/", s.handleCleanSession)

					// Result queries
					r.Get("/top", s.handleTopPerformers)
					r.Get("/report", s.handleSummaryReport)
					r.Get("/breakdown", s.handleBreakdown)
					r.Post("/export", s.handleExport)
				})
			})

			// Live progress stream
			r.Get("/progress/ws", s.handleProgressWS)
		})

		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.handleSystemStatus)
			r.Get("/database/stats", s.handleDatabaseStats)
		})
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the mux for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
