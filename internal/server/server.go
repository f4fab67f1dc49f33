// Package server wires the router, middleware and handlers together and runs
// the HTTP server with graceful shutdown.
//
// Routes:
//
//	GET  /health   liveness and supported languages
//	GET  /metrics  Prometheus exposition
//	POST /execute  run a payload (bearer gate, optional admission control)
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sakif/code-executor/internal/auth"
	"github.com/sakif/code-executor/internal/executor"
	"github.com/sakif/code-executor/internal/handler"
	"github.com/sakif/code-executor/internal/metrics"
	"github.com/sakif/code-executor/internal/middleware"
)

// Config holds server configuration.
type Config struct {
	Port int
	// Secret is the shared bearer secret for /execute.
	Secret string
	// Languages is reported by /health.
	Languages []string
	// MaxConcurrentJobs bounds in-flight /execute requests; 0 disables the limit.
	MaxConcurrentJobs int
	// RequestTimeout is the endpoint's own ceiling on a /execute request,
	// independent of the engine's execution timeout.
	RequestTimeout time.Duration
	// ShutdownTimeout is how long in-flight requests get to finish.
	ShutdownTimeout time.Duration
}

// backlogTimeout is how long a request waits for an admission slot before
// it is rejected.
const backlogTimeout = 5 * time.Second

// Server represents the HTTP server and all its dependencies.
type Server struct {
	router  *chi.Mux
	config  Config
	logger  *slog.Logger
	exec    executor.Executor
	metrics *metrics.Metrics
	gate    *auth.Gate

	onShutdown []func()
}

// New creates a Server serving exec.
func New(cfg Config, logger *slog.Logger, exec executor.Executor, m *metrics.Metrics) (*Server, error) {
	if exec == nil {
		return nil, errors.New("server: executor is required")
	}
	if m == nil {
		m = metrics.New()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	gate, err := auth.NewGate(cfg.Secret, logger)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	s := &Server{
		router:  chi.NewRouter(),
		config:  cfg,
		logger:  logger,
		exec:    exec,
		metrics: m,
		gate:    gate,
	}
	s.setupRoutes()
	return s, nil
}

// OnShutdown registers fn to run after the HTTP server has stopped. Hooks run
// in reverse registration order.
func (s *Server) OnShutdown(fn func()) {
	s.onShutdown = append(s.onShutdown, fn)
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Tokens returns the token service backing the bearer gate.
func (s *Server) Tokens() *auth.TokenService {
	return s.gate.Tokens()
}

// setupRoutes configures middleware and routes. Order matters: the request
// id must exist before the logger runs, and Recoverer must sit inside the
// logger so a panic is still logged as a 500.
func (s *Server) setupRoutes() {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(middleware.Metrics(s.metrics))
	s.router.Use(chimiddleware.Recoverer)

	health := handler.NewHealthHandler(s.config.Languages)
	s.router.Get("/health", health.HandleHealth)
	s.router.Handle("/metrics", s.metrics.Handler())

	execute := handler.NewExecuteHandler(s.exec, s.logger)
	execute.RequestTimeout = s.config.RequestTimeout
	s.router.Group(func(r chi.Router) {
		r.Use(s.gate.Require)
		if s.config.MaxConcurrentJobs > 0 {
			r.Use(chimiddleware.ThrottleBacklog(s.config.MaxConcurrentJobs, s.config.MaxConcurrentJobs, backlogTimeout))
		}
		r.Post("/execute", execute.HandleExecute)
	})
}

// Start runs the server until SIGINT or SIGTERM, then shuts down gracefully.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

// Run serves until ctx is cancelled, then drains in-flight requests and runs
// the shutdown hooks.
func (s *Server) Run(ctx context.Context) error {
	defer s.runShutdownHooks()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      s.config.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.Any("languages", s.config.Languages),
			slog.Int("max_concurrent_jobs", s.config.MaxConcurrentJobs),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}
	return nil
}

func (s *Server) runShutdownHooks() {
	for i := len(s.onShutdown) - 1; i >= 0; i-- {
		s.onShutdown[i]()
	}
}
