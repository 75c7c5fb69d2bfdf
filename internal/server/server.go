// Package server is the HTTP and websocket API over the engine's query and
// control operations.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/mevengine/internal/domain"
	"github.com/alanyoungcy/mevengine/internal/server/handler"
	"github.com/alanyoungcy/mevengine/internal/server/middleware"
	"github.com/alanyoungcy/mevengine/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey and JWTSecret enable auth; with both empty it is disabled.
	APIKey    string
	JWTSecret string
	// RateLimit is requests per second per client IP; zero disables it.
	RateLimit int
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Audit, Archive and Events may be nil.
type Handlers struct {
	Health        *handler.HealthHandler
	Opportunities *handler.OpportunityHandler
	Portfolio     *handler.PortfolioHandler
	Control       *handler.ControlHandler
	Events        *handler.EventsHandler
	Audit         *handler.AuditHandler
	Archive       *handler.ArchiveHandler
}

// Options carries the optional collaborators.
type Options struct {
	Hub      *ws.Hub
	Limiter  domain.RateLimiter
	Gatherer prometheus.Gatherer
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers the routes and middleware. Health and metrics are
// public; everything else goes through auth and the rate limiter.
func NewServer(cfg Config, handlers Handlers, opts Options, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	protect := func(h http.HandlerFunc) http.Handler {
		var out http.Handler = h
		out = middleware.Auth(cfg.APIKey, cfg.JWTSecret)(out)
		if opts.Limiter != nil && cfg.RateLimit > 0 {
			out = middleware.RateLimit(opts.Limiter, cfg.RateLimit, time.Second, logger)(out)
		}
		return out
	}

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	if opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	mux.Handle("GET /api/opportunities", protect(handlers.Opportunities.ListActive))
	mux.Handle("GET /api/opportunities/{id}", protect(handlers.Opportunities.GetOpportunity))
	mux.Handle("GET /api/portfolio", protect(handlers.Portfolio.GetPortfolio))

	mux.Handle("POST /api/control/halt", protect(handlers.Control.Halt))
	mux.Handle("POST /api/control/resume", protect(handlers.Control.Resume))
	mux.Handle("PUT /api/control/risk-limits", protect(handlers.Control.UpdateRiskLimits))

	if handlers.Events != nil {
		mux.Handle("GET /api/events", protect(handlers.Events.Recent))
	}
	if handlers.Audit != nil {
		mux.Handle("GET /api/audit", protect(handlers.Audit.List))
	}
	if handlers.Archive != nil {
		mux.Handle("GET /api/archive", protect(handlers.Archive.List))
	}
	if opts.Hub != nil {
		mux.Handle("GET /ws", protect(opts.Hub.HandleWS))
	}

	var h http.Handler = mux
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, logger: logger}
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// Serve runs the server until ctx is done, then shuts it down within
// grace.
func (s *Server) Serve(ctx context.Context, grace time.Duration) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
		defer cancel()
		return s.Shutdown(sctx)
	}
}
