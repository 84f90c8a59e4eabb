package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/mailtriage/internal/logger"
	"github.com/timmy/mailtriage/internal/taskqueue"
)

// WorkerAuth rejects queue callbacks that do not carry the shared worker token.
// An empty token disables the check.
func WorkerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got := c.GetHeader(taskqueue.HeaderWorkerToken)
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			logger.CtxWarn(c.Request.Context(), "Rejected worker callback: bad or missing %s, client_ip=%s",
				taskqueue.HeaderWorkerToken, c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"status": "error", "error": "unauthorized"})
			return
		}
		c.Next()
	}
}
