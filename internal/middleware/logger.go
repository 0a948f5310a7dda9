package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lingotrack/transcriber/internal/logger"
)

// Logger emits one structured line per request, carrying the request id
// and, on the job-polling and progress routes, the session id path param,
// so HTTP traffic lines join up with the session-scoped job logs. Health
// probes log at debug to keep them out of job traffic at the default
// level.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		status := c.Writer.Status()
		kv := []any{
			"status", status,
			"method", c.Request.Method,
			"path", path,
			"ip", c.ClientIP(),
			"latency_ms", time.Since(start).Milliseconds(),
			"request_id", RequestIDFrom(c),
		}
		if sessionID := c.Param("session_id"); sessionID != "" {
			kv = append(kv, "session_id", sessionID)
		}

		switch {
		case status >= 500:
			logger.Error("http_request", kv...)
		case status >= 400:
			logger.Warn("http_request", kv...)
		case c.Request.URL.Path == "/health":
			logger.Debug("http_request", kv...)
		default:
			logger.Info("http_request", kv...)
		}
	}
}
