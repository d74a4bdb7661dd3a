// Package api serves the operational HTTP surface: health and readiness
// probes, queue statistics, and the provider webhook that records batch
// completion notifications.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/mentionlab/mentionlab/pkg/database"
	"github.com/mentionlab/mentionlab/pkg/scheduler"
	"github.com/mentionlab/mentionlab/pkg/services"
)

// Deps bundles what the HTTP handlers need. Pool may be nil on instances
// that do not run workers; WebhookToken may be empty, which disables the
// webhook endpoint.
type Deps struct {
	DB            *database.Client
	Redis         *redis.Client
	Scheduler     *scheduler.Scheduler
	Pool          *scheduler.Pool
	Notifications *services.NotificationService
	WebhookToken  string
}

// Server is the gin application plus its http.Server lifecycle.
type Server struct {
	deps   Deps
	engine *gin.Engine
	http   *http.Server
}

// New builds the router with all routes registered.
func New(deps Deps) *Server {
	if deps.DB == nil {
		panic("api.New: DB must not be nil")
	}
	if deps.Redis == nil {
		panic("api.New: Redis must not be nil")
	}
	if deps.Scheduler == nil {
		panic("api.New: Scheduler must not be nil")
	}
	if deps.Notifications == nil {
		panic("api.New: Notifications must not be nil")
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(), securityHeaders())

	s := &Server{deps: deps, engine: engine}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.healthHandler)
	s.engine.GET("/readyz", s.readyzHandler)

	v1 := s.engine.Group("/api/v1")
	v1.GET("/queue/stats", s.queueStatsHandler)
	v1.POST("/webhooks/batch", s.batchWebhookHandler)
}

// Handler returns the http.Handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until Shutdown is called. A clean shutdown returns nil.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP server listening", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
