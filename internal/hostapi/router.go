package hostapi

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	commonmw "hostbox/internal/common/http/middleware"
	"hostbox/pkg/utils/logger"
)

// NewRouter wires the API routes.
func NewRouter(ct *Controller, auth *AuthService) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1", AuthMiddleware(auth))
	api.GET("/status", ct.Status)
	api.POST("/slots", ct.Upload)
	api.POST("/slots/develop", ct.Develop)
	api.DELETE("/slots", ct.ClearAll)
	api.POST("/slots/:id/launch", ct.Launch)
	api.POST("/slots/:id/stop", ct.Stop)
	api.DELETE("/slots/:id", ct.Clear)
	api.GET("/slots/:id/console", ct.Console)
	api.GET("/slots/:id/transcript", ct.Transcript)
	api.GET("/slots/:id/audit", ct.AuditLog)

	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
