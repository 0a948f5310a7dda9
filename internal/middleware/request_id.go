package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// requestIDKey is the gin context key the request id is stored under.
const requestIDKey = "request_id"

// RequestID tags every request with an id that outlives the HTTP exchange:
// POST /transcribe returns 202 and the job keeps running, so the handler
// threads this id into the submitted job, where it stamps the session's
// unit-dispatch logs and progress events. A client that polls or attaches
// a progress WebSocket can then correlate what it sees with the request
// that started the job.
//
// An X-Request-ID supplied by the client is honoured; otherwise a fresh
// UUID is generated. The id is echoed back in the response header either
// way.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// RequestIDFrom returns the id RequestID stored for this request, or ""
// when the middleware is not installed.
func RequestIDFrom(c *gin.Context) string {
	return c.GetString(requestIDKey)
}
