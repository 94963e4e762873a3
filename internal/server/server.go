package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/codepad/internal/config"
	"github.com/michaelbrown/codepad/internal/hub"
	"github.com/michaelbrown/codepad/internal/queue"
	"github.com/michaelbrown/codepad/internal/sandbox"
	"github.com/michaelbrown/codepad/internal/session"
	"github.com/michaelbrown/codepad/internal/storage"
)

var log = logrus.WithField("component", "server")

// Server is the HTTP and WebSocket front end for shared sessions.
type Server struct {
	cfg      *config.Config
	store    storage.Store
	runner   sandbox.Runner
	sessions *session.Registry
	hub      *hub.Hub
	queue    *queue.Queue
	router   chi.Router
	http     *http.Server
}

// New wires the session registry, broadcast hub and execution queue around
// runner. store may be nil, which disables run history.
func New(cfg *config.Config, runner sandbox.Runner, store storage.Store) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		store:  store,
		runner: runner,
		hub:    hub.New(),
		router: chi.NewRouter(),
	}
	s.sessions = session.NewRegistry(cfg.Session.RegistryOptions())

	q, err := queue.New(queue.Config{
		Runner:   runner,
		Slots:    s.sessions,
		Reporter: hubReporter{hub: s.hub},
		Policy:   cfg.Sandbox.Policy(),
		Store:    store,
	})
	if err != nil {
		return nil, err
	}
	s.queue = q

	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.With(jsonContentType).Get("/sessions", s.handleListSessions)
		r.With(jsonContentType).Get("/sessions/{id}", s.handleGetSession)
		r.With(jsonContentType).Get("/sessions/{id}/runs", s.handleListRuns)
		r.With(jsonContentType).Get("/runs/{runID}", s.handleGetRun)

		// WebSocket (no JSON content-type)
		r.Get("/sessions/{id}/ws", s.handleWebSocket)
	})
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.WithFields(logrus.Fields{"addr": addr, "runner": s.runner.Name()}).Info("codepad server starting")
	return s.http.ListenAndServe()
}

// Shutdown cancels running programs, disconnects every client and stops the
// HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("shutting down server")
	s.queue.Close()
	s.hub.CloseAll()

	var err error
	if s.http != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		err = s.http.Shutdown(shutdownCtx)
	}
	s.sessions.Close()
	return err
}
