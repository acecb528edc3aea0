// Package server exposes a read-only JSON view of a running optimization.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/trialopt/pkg/model"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// RunSource supplies the current state of a run. The scheduler satisfies it.
type RunSource interface {
	// Snapshot returns a private copy of the run, or nil before it has started.
	Snapshot() *model.Run
}

// Server is the status API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	source    RunSource
	startTime time.Time
}

// New creates a new Server with all routes registered.
func New(source RunSource, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		source:    source,
		startTime: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestMiddleware(s.source))
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)
		r.Get("/run", s.handleGetRun)
		r.Get("/best", s.handleGetBest)
		r.Route("/trials", func(r chi.Router) {
			r.Get("/", s.handleListTrials)
			r.Get("/{id}", s.handleGetTrial)
		})
	})
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully. It returns once the listener is closed.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("status server starting", "addr", ln.Addr().String())
		errc <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("status server stopped")
	return nil
}
