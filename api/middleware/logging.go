package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/feichai0017/dataset-kitchen/pkg/logger"
)

const RequestIDHeader = "X-Request-ID"

// RequestID tags the request context with the caller's request id or a new one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Header(RequestIDHeader, id)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// Logger logs one line per request.
func Logger(log logger.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []logger.Field{
			logger.String("method", c.Request.Method),
			logger.String("path", c.Request.URL.Path),
			logger.Int("status", c.Writer.Status()),
			logger.Duration("latency", time.Since(start)),
			logger.String("clientIP", c.ClientIP()),
		}
		l := logger.FromContext(c.Request.Context(), log)
		switch {
		case c.Writer.Status() >= 500:
			l.Error("Request failed", fields...)
		case len(c.Errors) > 0:
			l.Warn("Request completed with errors", append(fields, logger.String("errors", c.Errors.String()))...)
		default:
			l.Info("Request completed", fields...)
		}
	}
}
