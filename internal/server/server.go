// Package server exposes the odds API over HTTP and websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/oddsfeed/internal/domain"
	"github.com/alanyoungcy/oddsfeed/internal/server/handler"
	"github.com/alanyoungcy/oddsfeed/internal/server/middleware"
	"github.com/alanyoungcy/oddsfeed/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	AdminAPIKey string // guards POST /api/backfill; empty disables
	RateLimit   int    // requests per minute per client IP; 0 disables
}

// Handlers are the route handlers. Markets, Backfill and Hub may be nil, in
// which case their routes are not registered.
type Handlers struct {
	Health   *handler.HealthHandler
	Status   *handler.StatusHandler
	Markets  *handler.MarketHandler
	Backfill *handler.BackfillHandler
	Hub      *ws.Hub
}

// Server is the HTTP + websocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New registers the routes and builds the middleware chain.
func New(cfg Config, h Handlers, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := NewMux(cfg, h, limiter, logger)
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// NewMux returns the routed handler with middleware applied.
func NewMux(cfg Config, h Handlers, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", h.Status.GetStatus)

	if h.Markets != nil {
		mux.HandleFunc("GET /api/markets/{id}/odds", h.Markets.GetOdds)
		mux.HandleFunc("GET /api/markets/{id}/history", h.Markets.GetHistory)
	}
	if h.Backfill != nil {
		mux.Handle("POST /api/backfill", middleware.AdminKey(cfg.AdminAPIKey)(http.HandlerFunc(h.Backfill.Trigger)))
	}
	if h.Hub != nil {
		mux.HandleFunc("GET /ws", h.Hub.HandleWS)
	}

	var handler http.Handler = mux
	handler = middleware.RateLimit(limiter, cfg.RateLimit, time.Minute)(handler)
	handler = middleware.Logging(logger.With(slog.String("component", "http")))(handler)
	handler = middleware.CORS(cfg.CORSOrigins)(handler)
	return handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: listen: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("http server shutting down")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return <-errCh
}
