package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"ledger-allocation-backend/internal/metrics"
)

// RequestLogger logs every request once it has been served and records it
// in the request metrics.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		elapsed := time.Since(start)
		metrics.ObserveRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), elapsed)

		level := slog.LevelInfo
		if c.Writer.Status() >= 500 {
			level = slog.LevelError
		}
		slog.Log(c.Request.Context(), level, "Request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", elapsed.Milliseconds(),
			"remote_addr", c.ClientIP(),
		)
	}
}
