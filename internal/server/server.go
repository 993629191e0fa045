// Package server exposes the prediction voting API over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/inverstra/predictiondao/internal/domain"
	"github.com/inverstra/predictiondao/internal/server/handler"
	"github.com/inverstra/predictiondao/internal/server/middleware"
	"github.com/inverstra/predictiondao/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // protects write routes; empty disables auth

	// WriteRateLimit requests per WriteRateWindow are allowed per client on
	// write routes. Zero disables limiting.
	WriteRateLimit  int
	WriteRateWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers. Outbox and the
// hub are optional.
type Handlers struct {
	Health      *handler.HealthHandler
	Predictions *handler.PredictionHandler
	Outbox      *handler.OutboxHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and builds the middleware chain. limiter
// may be nil.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	write := func(h http.HandlerFunc) http.Handler {
		var wrapped http.Handler = h
		wrapped = middleware.RateLimit(limiter, cfg.WriteRateLimit, cfg.WriteRateWindow, logger)(wrapped)
		wrapped = middleware.Auth(cfg.APIKey)(wrapped)
		return wrapped
	}

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	p := handlers.Predictions
	mux.Handle("POST /api/predictions", write(p.Create))
	mux.Handle("POST /api/predictions/{id}/vote", write(p.Vote))
	mux.HandleFunc("GET /api/predictions/active", p.ListActive)
	mux.HandleFunc("GET /api/predictions/approved", p.ListApproved)
	mux.HandleFunc("GET /api/predictions/count", p.Count)
	mux.HandleFunc("GET /api/predictions/{id}", p.Get)
	mux.HandleFunc("GET /api/predictions/{id}/stats", p.Stats)
	mux.HandleFunc("GET /api/predictions/{id}/voters/{voter}", p.HasVoted)

	if handlers.Outbox != nil {
		mux.HandleFunc("GET /api/outbox/stats", handlers.Outbox.Stats)
	}
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
