package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/delivery-engine/internal/config"
	"github.com/ignite/delivery-engine/internal/pkg/httpretry"
	"github.com/ignite/delivery-engine/internal/service/delivery"
	"github.com/ignite/delivery-engine/internal/worker"
)

// Server represents the API server
type Server struct {
	config config.ServerConfig
	engine *delivery.Engine
	health *HealthChecker
	router *chi.Mux
	server *http.Server
	sns    httpretry.HTTPDoer
}

// Option configures optional server dependencies.
type Option func(*Server)

// WithDB lets the health check ping PostgreSQL.
func WithDB(db *sql.DB) Option { return func(s *Server) { s.health.db = db } }

// WithRedis lets the health check ping Redis.
func WithRedis(c *redis.Client) Option { return func(s *Server) { s.health.redisClient = c } }

// WithDrainRunner reports the in-process runner on /health.
func WithDrainRunner(r *worker.DrainRunner) Option { return func(s *Server) { s.health.runner = r } }

// WithSNSClient overrides the client used to confirm SNS subscriptions.
func WithSNSClient(c httpretry.HTTPDoer) Option { return func(s *Server) { s.sns = c } }

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, engine *delivery.Engine, opts ...Option) *Server {
	s := &Server{
		config: cfg,
		engine: engine,
		health: NewHealthChecker(nil, nil, nil),
		sns:    httpretry.NewRetryClient(&http.Client{Timeout: 10 * time.Second}, 2),
	}
	s.health.engine = engine
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing
func (s *Server) Handler() http.Handler {
	return s.router
}
