package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/happyhq/hub/internal/common/httpmw"
	"github.com/happyhq/hub/internal/common/logger"
)

// Server hosts the control API.
type Server struct {
	httpServer *http.Server
	logger     *logger.Logger
}

// NewServer builds the gin engine and mounts the routes.
func NewServer(host string, port int, handler *Handler, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(log))
	engine.Use(httpmw.OtelTracing("hub-api"))

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "hub"})
	})

	v1 := engine.Group("/api/v1")
	{
		sessions := v1.Group("/sessions")
		{
			sessions.POST("", handler.SpawnSession)
			sessions.GET("", handler.ListSessions)
			sessions.GET("/:sessionId", handler.GetSession)
			sessions.DELETE("/:sessionId", handler.KillSession)
			sessions.GET("/:sessionId/messages", handler.GetMessages)
			sessions.POST("/:sessionId/messages", handler.EnqueueMessage)
			sessions.POST("/:sessionId/abort", handler.AbortSession)
			sessions.POST("/:sessionId/switch", handler.SwitchSession)
			sessions.POST("/:sessionId/permission", handler.ResolvePermission)
			sessions.POST("/:sessionId/config", handler.SetSessionConfig)
			sessions.GET("/:sessionId/events", handler.StreamEvents)
		}
	}

	return &Server{
		httpServer: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", host, port),
			Handler: engine,
		},
		logger: log.WithFields(zap.String("component", "api-server")),
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("control api listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains connections.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}
