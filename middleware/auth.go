package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/quckapp/quckapp-sub001/tools/security"
)

// Context keys set by Auth for downstream handlers.
const (
	CtxUserIDKey    = "userID"
	CtxSessionIDKey = "sessionID"
)

// Auth verifies the bearer token on management API requests and puts the
// caller's identity into the gin context.
func Auth(opts security.Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ""
		if authz := strings.TrimSpace(c.GetHeader("Authorization")); authz != "" {
			if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
				token = strings.TrimSpace(authz[len("bearer "):])
			}
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := security.Verify(opts, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(CtxUserIDKey, claims.Sub)
		c.Set(CtxSessionIDKey, claims.SessionID)
		c.Next()
	}
}

// UserID reads the authenticated caller set by Auth.
func UserID(c *gin.Context) string {
	if v, ok := c.Get(CtxUserIDKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
