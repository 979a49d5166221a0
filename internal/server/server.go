// Package server exposes the engine over HTTP. Handlers translate between
// JSON and the component APIs; all domain rules live in the components.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xkilldash9x/kbgraph/internal/config"
	"github.com/xkilldash9x/kbgraph/internal/service"
)

// Server wraps the HTTP listener and its routes.
type Server struct {
	cfg        config.ServerConfig
	components *service.Components
	log        *zap.Logger
	httpServer *http.Server
}

// New builds the server and mounts all routes.
func New(cfg config.ServerConfig, components *service.Components, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:        cfg,
		components: components,
		log:        logger.Named("http"),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	corsCfg := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}
	corsCfg.AllowMethods = []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}
	router.Use(cors.New(corsCfg))

	s.mountRoutes(router)
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) mountRoutes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")

	nodes := v1.Group("/nodes")
	nodes.GET("", s.listNodes)
	nodes.POST("", s.createNode)
	nodes.GET("/:id", s.getNode)
	nodes.PATCH("/:id", s.updateNode)
	nodes.DELETE("/:id", s.deleteNode)

	edges := v1.Group("/edges")
	edges.GET("", s.listEdges)
	edges.POST("", s.createEdge)
	edges.DELETE("/:id", s.deleteEdge)

	v1.POST("/search", s.search)

	stagingGroup := v1.Group("/staging")
	stagingGroup.POST("", s.submitStaging)
	stagingGroup.GET("", s.listStaging)
	stagingGroup.GET("/counts", s.stagingCounts)
	stagingGroup.POST("/:id/approve", s.approveStaging)
	stagingGroup.POST("/:id/reject", s.rejectStaging)

	inferenceGroup := v1.Group("/inference")
	inferenceGroup.POST("/trigger", s.triggerInference)
	inferenceGroup.GET("/status", s.inferenceStatus)

	heatmapGroup := v1.Group("/heatmap")
	heatmapGroup.GET("", s.heatmap)
	heatmapGroup.GET("/by-tag", s.heatmapByTag)
	heatmapGroup.GET("/by-type", s.heatmapByType)

	settingsGroup := v1.Group("/settings")
	settingsGroup.GET("", s.getSettings)
	settingsGroup.PATCH("", s.patchSettings)
}

// Run serves until the context is cancelled, then drains connections within
// the configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening.", zap.String("addr", s.cfg.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.log.Info("Shutting down HTTP server.")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("Request handled.",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}
