package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Origin restricts browser websocket upgrades to the allowed origins. An
// empty allow-list accepts everything (non-browser clients send no Origin).
func Origin(allowed ...string) gin.HandlerFunc {
	allow := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		allow[o] = struct{}{}
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" || len(allow) == 0 {
			c.Next()
			return
		}
		if _, ok := allow[origin]; !ok {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		c.Next()
	}
}
