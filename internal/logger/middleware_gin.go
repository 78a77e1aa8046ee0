package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const RequestIDKey = "request_id"

// GinMiddleware logs each request with a correlation id and attaches a
// request-scoped logger to the request context.
func GinMiddleware(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := ensureRequestID(c)

		reqLog := log.With().Str(RequestIDKey, requestID).Logger()
		c.Request = c.Request.WithContext(reqLog.WithContext(c.Request.Context()))

		c.Next()

		route := c.FullPath()
		if strings.TrimSpace(route) == "" {
			route = "unknown"
		}
		status := c.Writer.Status()

		var evt *zerolog.Event
		switch {
		case status >= http.StatusInternalServerError:
			evt = reqLog.Error()
		case route == "/metrics" || route == "/healthz":
			evt = reqLog.Debug()
		default:
			evt = reqLog.Info()
		}
		if lastErr := c.Errors.Last(); lastErr != nil {
			evt = evt.Err(lastErr.Err)
		}
		evt.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("route", route).
			Int("status", status).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("http_request")
	}
}

func ensureRequestID(c *gin.Context) string {
	requestID := strings.TrimSpace(c.GetHeader("X-Request-Id"))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(RequestIDKey, requestID)
	c.Header("X-Request-Id", requestID)
	return requestID
}
