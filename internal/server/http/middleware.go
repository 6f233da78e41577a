package http

import (
	nethttp "net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const requestIDHeader = "X-Request-ID"
const requestIDKey = "requestID"

// requestID returns the id assigned to this request.
func requestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// withRequestID assigns each request an id, honoring a caller-supplied one.
func withRequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// requireAuth enforces a bearer token. Installed only on mutating routes;
// an empty configured token disables the check. WebSocket and SSE clients
// may pass the token as a query parameter since browsers cannot set headers
// on those connections.
func requireAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		supplied := c.Query("token")
		if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
			supplied = strings.TrimPrefix(header, "Bearer ")
		}
		if supplied != token {
			fail(c, nethttp.StatusUnauthorized, CodeUnauthorized, "missing or invalid bearer token")
			return
		}
		c.Next()
	}
}

// withRateLimit sheds load once the request rate exceeds the limiter.
func withRateLimit(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter != nil && !limiter.Allow() {
			fail(c, nethttp.StatusServiceUnavailable, CodeServiceUnavailable, "rate limit exceeded")
			return
		}
		c.Next()
	}
}
