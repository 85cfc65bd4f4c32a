// README: Request id and access logging middleware.
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"orderflow/internal/logger"
)

const RequestIDHeader = "X-Request-ID"

func Logging(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(RequestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Header(RequestIDHeader, rid)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), rid))

		start := time.Now()
		c.Next()

		details := map[string]any{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		}
		if c.Writer.Status() >= 500 {
			log.Warn(c.Request.Context(), "http_request", "request failed", details)
			return
		}
		log.Debug(c.Request.Context(), "http_request", "request served", details)
	}
}
