// router/router.go

package router

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dev-mohitbeniwal/echo/authz/controller"
	"github.com/dev-mohitbeniwal/echo/authz/middleware"
)

// SetupRouter builds the HTTP surface. A nil limiter disables rate limiting.
func SetupRouter(
	controllers *controller.Controllers,
	limiter middleware.Limiter,
	rateLimitRequests int,
	rateLimitDuration time.Duration,
) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger())

	router.GET("/healthz", controllers.Authz.Health)

	api := router.Group("/api/v1")
	if limiter != nil && rateLimitRequests > 0 {
		api.Use(middleware.RateLimiter(limiter, rateLimitRequests, rateLimitDuration))
	}
	controllers.Authz.RegisterRoutes(api)

	return router
}
