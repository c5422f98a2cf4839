// Package server exposes the matching API over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/matchcore/internal/domain"
	"github.com/alanyoungcy/matchcore/internal/metrics"
	"github.com/alanyoungcy/matchcore/internal/server/handler"
	"github.com/alanyoungcy/matchcore/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Addr        string
	CORSOrigins []string
	// APIKey enables authentication on every route except health, readiness
	// and metrics. Empty disables it.
	APIKey string

	RateLimit       int
	RateLimitWindow time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Handlers aggregates the route handlers.
type Handlers struct {
	Health  *handler.HealthHandler
	Orders  *handler.OrderHandler
	Books   *handler.BookHandler
	Cluster *handler.ClusterHandler
	Metrics http.Handler
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New registers every route and builds the middleware chain. Mutating routes
// go through gate.
func New(cfg Config, h Handlers, gate *LeaderGate, limiter domain.RateLimiter, m *metrics.Metrics, logger *slog.Logger) *Server {
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      NewHandler(cfg, h, gate, limiter, m, logger),
		ReadTimeout:  orDefault(cfg.ReadTimeout, 15*time.Second),
		WriteTimeout: orDefault(cfg.WriteTimeout, 30*time.Second),
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// NewHandler returns the routed and wrapped handler.
func NewHandler(cfg Config, h Handlers, gate *LeaderGate, limiter domain.RateLimiter, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health.Health)
	mux.HandleFunc("GET /api/ready", h.Health.Ready)
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}

	mux.Handle("POST /api/orders", gate.Wrap("/api/orders", h.Orders.Place))
	mux.Handle("POST /api/orders/cancel", gate.Wrap("/api/orders/cancel", h.Orders.Cancel))

	mux.HandleFunc("GET /api/orderbook/{market}/{outcome}/depth", h.Books.Depth)
	mux.HandleFunc("GET /api/orderbook/{market}/{outcome}/stats", h.Books.Stats)
	mux.HandleFunc("GET /api/orderbook/{market}/{outcome}/trades", h.Books.Trades)

	mux.HandleFunc("GET /api/cluster/status", h.Cluster.Status)
	mux.HandleFunc("GET /api/cluster/circuits", h.Cluster.Circuits)

	var wrapped http.Handler = mux
	wrapped = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateLimitWindow, logger)(wrapped)
	wrapped = middleware.Auth(cfg.APIKey, "/api/health", "/api/ready", "/metrics")(wrapped)
	wrapped = middleware.Logging(logger, m)(wrapped)
	wrapped = middleware.CORS(cfg.CORSOrigins)(wrapped)
	return middleware.RequestID(wrapped)
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Serve accepts connections on l until the server is shut down.
func (s *Server) Serve(l net.Listener) error {
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Shutdown waits for in-flight requests within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
