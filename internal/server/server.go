// Package server hosts the HTTP API: the streaming endpoints, a health
// probe, and a websocket feed of engine events.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"

	"github.com/onelrian/rustflix/internal/config"
	"github.com/onelrian/rustflix/internal/events"
	"github.com/onelrian/rustflix/internal/modules/streamingmodule"
)

// Server wraps the gin engine and its http.Server.
type Server struct {
	logger hclog.Logger
	cfg    config.ServerConfig
	engine *gin.Engine
	http   *http.Server
	bus    events.EventBus
}

func New(cfg config.ServerConfig, manager *streamingmodule.Manager, bus events.EventBus, logger hclog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		logger: logger.Named("http-server"),
		cfg:    cfg,
		engine: engine,
		bus:    bus,
	}

	engine.GET("/health", s.health)

	api := engine.Group("/api")
	streamingmodule.NewAPIHandler(manager, logger).RegisterRoutes(api.Group("/streaming"))
	api.GET("/events/ws", s.eventFeed)
	api.GET("/events/stats", s.eventStats)

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket connections stay open
	}
	return s
}

// Start begins serving. It blocks until the listener fails or Shutdown is
// called; a clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.http.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) eventStats(c *gin.Context) {
	if s.bus == nil {
		c.JSON(http.StatusOK, events.Stats{})
		return
	}
	c.JSON(http.StatusOK, s.bus.Stats())
}

// requestLogger logs each request at debug with method, path, status and
// latency.
func requestLogger(logger hclog.Logger) gin.HandlerFunc {
	logger = logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
