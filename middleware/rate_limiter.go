// middleware/rate_limiter.go

package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	authzErrors "github.com/dev-mohitbeniwal/echo/authz/errors"
	logger "github.com/dev-mohitbeniwal/echo/authz/logging"
)

// Limiter is satisfied by *db.RateLimiter.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, per time.Duration) (bool, error)
}

// RateLimiter limits requests per client IP. A limiter error lets the request
// through.
func RateLimiter(limiter Limiter, limit int, per time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		allowed, err := limiter.Allow(c.Request.Context(), key, limit, per)
		if err != nil {
			logger.Error("Rate limiting failed", zap.Error(err), zap.String("ip", key))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Header("X-RateLimit-Duration", per.String())

		if !allowed {
			logger.Warn("Rate limit exceeded",
				zap.String("ip", key),
				zap.Int("limit", limit),
				zap.Duration("per", per))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": authzErrors.ErrRateLimited.Error()})
			return
		}
		c.Next()
	}
}
