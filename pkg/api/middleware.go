package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ReadOnly blocks mutating requests. Used when the API is served on an
// unauthenticated local socket where only inspection is allowed.
func ReadOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
		default:
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "write operations are not allowed on this listener",
				"kind":  "conflict_state",
			})
		}
	}
}
