package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/websoft9/connhub/internal/config"
	"github.com/websoft9/connhub/internal/events"
	"github.com/websoft9/connhub/internal/metrics"
	"github.com/websoft9/connhub/internal/server/handlers"
	"github.com/websoft9/connhub/internal/server/middleware"
	"github.com/websoft9/connhub/internal/workspace"
)

// Options wires the server. Hub and Queue are optional; without a queue
// connects run as in-process jobs. The hub is attached to the workspace.
type Options struct {
	Config    *config.Config
	Workspace *workspace.Workspace
	Hub       *events.Hub
	Queue     handlers.Enqueuer
}

type Server struct {
	cfg    *config.Config
	router chi.Router
	api    *handlers.API
	hub    *events.Hub

	mu         sync.Mutex
	httpServer *http.Server
}

func New(opts Options) (*Server, error) {
	if opts.Config == nil || opts.Workspace == nil {
		return nil, errors.New("server: config and workspace are required")
	}
	hub := opts.Hub
	if hub == nil {
		hub = events.NewHub(0)
	}
	opts.Workspace.AddServiceListener(hub)
	opts.Workspace.Registry().AddStatusListener(hub)
	s := &Server{
		cfg: opts.Config,
		api: handlers.New(opts.Workspace, opts.Queue),
		hub: hub,
	}

	s.setupRouter()

	return s, nil
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health checks
	r.Get("/health", handlers.Health)
	r.Get("/ready", s.api.Ready)
	r.Handle("/metrics", metrics.Handler())

	// API routes
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Auth(s.cfg.APIToken))

		// Event stream; long-lived, so outside the request timeout.
		r.Get("/events", handlers.Events(s.hub, s.cfg.CORSAllowedOrigins))

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(60 * time.Second))

			r.Route("/hosts", func(r chi.Router) {
				r.Get("/", s.api.ListHosts)
				r.Route("/{host}", func(r chi.Router) {
					r.Get("/", s.api.GetHost)
					r.Delete("/credentials", s.api.ForgetCredentials)
					r.Route("/subsystems/{name}", func(r chi.Router) {
						r.Post("/connect", s.api.Connect)
						r.Post("/disconnect", s.api.Disconnect)
						r.Post("/resolve", s.api.Resolve)
					})
				})
			})

			r.Route("/jobs", func(r chi.Router) {
				r.Get("/", s.api.ListJobs)
				r.Get("/{id}", s.api.GetJob)
				r.Delete("/{id}", s.api.CancelJob)
			})
		})
	})

	s.router = r
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(addr string) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = hs
	s.mu.Unlock()
	return hs.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Closing event subscriptions")
	s.hub.Close()

	s.mu.Lock()
	hs := s.httpServer
	s.mu.Unlock()
	if hs == nil {
		return nil
	}
	log.Info().Msg("Shutting down HTTP server")
	return hs.Shutdown(ctx)
}
