package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	logger "github.com/dev-mohitbeniwal/echo/authz/logging"
)

const RequestIDHeader = "X-Request-ID"

// Logger tags each request with an id and logs it once it completes.
// Successful decision traffic is logged at debug.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("requestID", requestID)
		c.Header(RequestIDHeader, requestID)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		fields := []zap.Field{
			zap.String("requestID", requestID),
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			logger.Error("Request failed", append(fields, zap.Strings("errors", c.Errors.Errors()))...)
			return
		}
		switch status := c.Writer.Status(); {
		case status >= 500:
			logger.Warn("Request returned server error", fields...)
		case status == 429:
			logger.Info("Request rate limited", fields...)
		default:
			logger.Debug("Request processed", fields...)
		}
	}
}
