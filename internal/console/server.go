// Package console serves the script runner over HTTP: POST /v1/run compiles
// a script, binds the request vars, executes it and returns the extracted
// variables together with the VM output.
package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"docvm/pkg/config"
	"docvm/pkg/engine"
	"docvm/pkg/logger"
	"docvm/pkg/metrics"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	db      *engine.DB
	cfg     config.Config
	log     *slog.Logger
	blocked *BlockList
	router  chi.Router
}

// New builds the console router for db. A nil log falls back to logger.Log.
func New(db *engine.DB, cfg config.Config, log *slog.Logger) *Server {
	if log == nil {
		log = logger.Log
	}
	s := &Server{
		db:      db,
		cfg:     cfg,
		log:     log,
		blocked: NewBlockList(cfg.ConsoleBlockedIPs...),
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// BlockList exposes the live IP block list so callers can add entries at
// runtime.
func (s *Server) BlockList() *BlockList { return s.blocked }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(logger.Middleware)
	r.Use(metrics.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(s.blocked.Middleware)
	if s.cfg.ConsoleRate > 0 {
		r.Use(httprate.LimitByIP(s.cfg.ConsoleRate, time.Minute))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.ConsoleOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if s.cfg.ConsoleJWTSecret != "" {
			r.Use(BearerAuth(s.cfg.ConsoleJWTSecret))
		}
		r.Post("/run", s.run)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.log.Error("console: health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "down", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": s.db.Version()})
}

// ListenAndServe serves on cfg.ConsoleAddr until ctx is cancelled, then
// shuts the server down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ConsoleAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Listen first so a busy port is reported to the caller.
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("console: listen %s: %w", srv.Addr, err)
	}

	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		s.log.Info("console: ready", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("console: serve: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("console: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("console: shutdown: %w", err)
	}
	if err := <-errc; err != nil {
		return fmt.Errorf("console: serve: %w", err)
	}
	s.log.Info("console: stopped")
	return nil
}
