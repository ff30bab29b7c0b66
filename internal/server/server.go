// Package server is the HTTP front of the daemon: a catch-all dispatcher
// that executes application requests on pool workers, plus a small admin
// surface (health, status, events, reload, metrics).
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/phpx-sh/phpxd/internal/config"
	"github.com/phpx-sh/phpxd/internal/lifecycle"
	"github.com/phpx-sh/phpxd/internal/pool"
	"github.com/phpx-sh/phpxd/internal/store"
	"github.com/phpx-sh/phpxd/internal/supervisor"
)

const (
	readHeaderTimeout = 10 * time.Second
)

// Server wraps the chi router and application dependencies.
type Server struct {
	router  *chi.Mux
	cfg     config.Config
	pool    *pool.Pool
	sup     *supervisor.Supervisor
	control *lifecycle.Controller
	journal store.Store
	logger  *slog.Logger
	started time.Time

	// avgRunNanos is an exponential moving average of successful run
	// durations, feeding the Retry-After hint on 503s.
	avgRunNanos atomic.Int64
}

// NewServer creates and configures the HTTP server.
func NewServer(cfg config.Config, p *pool.Pool, sup *supervisor.Supervisor, control *lifecycle.Controller, journal store.Store, logger *slog.Logger) *Server {
	srv := &Server{
		router:  chi.NewRouter(),
		cfg:     cfg,
		pool:    p,
		sup:     sup,
		control: control,
		journal: journal,
		logger:  logger,
		started: time.Now(),
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers the admin surface and the application catch-all. chi
// prefers static routes over the wildcard, so the admin endpoints shadow
// only their exact paths.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Route("/v1/server", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/events", s.handleEvents)
		r.Post("/reload", s.handleReload)
	})

	s.router.Handle("/*", http.HandlerFunc(s.handleDispatch))
}

// Router returns the chi router, mainly for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is
// received. Shutdown stops the listener, lets in-flight requests finish
// within the drain timeout, then drains the worker pool.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      s.cfg.RequestTimeout + 5*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("listener shutdown", "error", err)
	}
	s.control.Shutdown()

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
