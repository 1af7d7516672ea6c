package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"caseanalysis-backend/internal/shared/server/respond"
)

const (
	userIDKey = "userId"

	// UserIDHeader carries the owner set by the upstream panel.
	UserIDHeader = "X-User-Id"
)

var publicPrefixes = []string{"/health", "/metrics", "/api/v1/health"}

// Identity stores the caller from the X-User-Id header in context. Health and
// metrics routes need no identity.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusNoContent)
			return
		}
		path := c.Request.URL.Path
		for _, prefix := range publicPrefixes {
			if strings.HasPrefix(path, prefix) {
				c.Next()
				return
			}
		}

		userID := strings.TrimSpace(c.GetHeader(UserIDHeader))
		if userID == "" {
			respond.Error(c, http.StatusUnauthorized, "unauthorized", "Missing identity", nil)
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

// UserIDFromContext fetches the user ID set by the identity middleware.
func UserIDFromContext(c *gin.Context) string {
	if c == nil {
		return ""
	}
	val, _ := c.Get(userIDKey)
	if id, ok := val.(string); ok {
		return id
	}
	return ""
}
