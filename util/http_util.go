// util/http_util.go
package util

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	logger "github.com/dev-mohitbeniwal/echo/authz/logging"
)

func RespondWithError(c *gin.Context, code int, message string, err error) {
	logger.Error(message,
		zap.Error(err),
		zap.String("path", c.Request.URL.Path),
		zap.String("method", c.Request.Method))
	c.JSON(code, gin.H{"error": message, "detail": errorDetail(err)})
}

func errorDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
