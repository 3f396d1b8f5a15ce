package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	appctx "github.com/hivegrid/coordinator/internal/context"
	"go.uber.org/zap"
)

// Logger returns a Gin middleware that logs request details.
func Logger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// CORS returns a permissive CORS middleware.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requester-ID")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// RequesterID resolves the requester identity from the X-Requester-ID
// header. Requests without one share the anonymous identity; dedupe
// caching and streams are scoped per requester either way.
func RequesterID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Requester-ID")
		if id == "" {
			id = "anonymous"
		}
		c.Set(appctx.CtxKeyRequester, id)
		c.Next()
	}
}
