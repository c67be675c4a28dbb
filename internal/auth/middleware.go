package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/gigledger/internal/logging"
)

const (
	// ContextKeyUserID is the key for storing the authenticated user ID in gin context
	ContextKeyUserID = "authUserID"
	// AdminSecretHeader carries the shared secret for internal routes
	AdminSecretHeader = "X-Admin-Secret"

	bearerPrefix = "Bearer "
)

// Middleware validates the bearer token, if any, and sets authUserID.
// Requests without a token pass through; use RequireAuth to reject them.
func Middleware(t *Tokens) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, bearerPrefix) {
			c.Next()
			return
		}

		claims, err := t.Validate(strings.TrimPrefix(header, bearerPrefix))
		if err != nil {
			logging.L(c.Request.Context()).Debug("bearer token rejected", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": err.Error(),
			})
			return
		}

		c.Set(ContextKeyUserID, claims.Subject)
		c.Request = c.Request.WithContext(logging.WithCallerID(c.Request.Context(), claims.Subject))
		c.Next()
	}
}

// RequireAuth rejects requests without an authenticated user.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if UserID(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin guards internal routes with a shared secret. An empty secret
// disables the routes entirely.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(AdminSecretHeader)
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "admin secret required",
			})
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user ID, or "" if unauthenticated.
func UserID(c *gin.Context) string {
	if id, ok := c.Get(ContextKeyUserID); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}
