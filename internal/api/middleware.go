package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/celerix-dev/samsub-registry/internal/metrics"
	"github.com/celerix-dev/samsub-registry/pkg/schema"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
	callerKey       = "caller"
)

// TokenVerifier resolves a bearer token to the caller identity.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// RequestID adds a unique request ID to the context and response headers.
// A client-provided X-Request-ID is reused; otherwise a new UUID is generated.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(requestIDKey, requestID)
		c.Header(requestIDHeader, requestID)
		c.Next()
	}
}

// Caller resolves the caller identity from an "Authorization: Bearer" header.
// Requests without the header proceed as the anonymous caller, which can
// read but never mutate. A present but invalid token is rejected outright.
func Caller(tokens TokenVerifier, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Set(callerKey, "")
			c.Next()
			return
		}
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || tokens == nil {
			abortUnauthenticated(c, "unsupported authorization scheme")
			return
		}
		caller, err := tokens.Verify(strings.TrimSpace(token))
		if err != nil {
			logger.Warn("unauthorized access - invalid token",
				"error", err,
				"request_id", c.GetString(requestIDKey),
			)
			abortUnauthenticated(c, "invalid token")
			return
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

func abortUnauthenticated(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": msg,
		"code":  schema.CodeUnauthorized,
	})
}

// CallerFrom returns the identity resolved by the Caller middleware.
func CallerFrom(c *gin.Context) string {
	return c.GetString(callerKey)
}

// Logger logs each request with method, path, status, duration and request ID.
func Logger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", c.GetString(requestIDKey),
			"remote_addr", c.ClientIP(),
		)
	}
}

// Latency observes the handling time of each route template.
func Latency(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if m == nil {
			return
		}
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		m.EndpointLatency.WithLabelValues(c.Request.Method + " " + endpoint).Observe(time.Since(start).Seconds())
	}
}
