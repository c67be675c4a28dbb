// Package validation rejects malformed requests before they reach a handler.
package validation

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the largest request body accepted (1MB).
const MaxRequestSize = 1 << 20

// idPattern matches the prefixed identifiers the platform issues, such as
// esc_<uuid> or job_42.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID reports whether s looks like a platform identifier.
func IsValidID(s string) bool {
	return idPattern.MatchString(s)
}

// IDParamMiddleware rejects requests whose :id path parameter is not a
// well-formed identifier. Routes without :id pass through.
func IDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id, ok := c.Params.Get("id"); ok && !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_input",
				"message": "id must be 1-128 letters, digits, '_' or '-'",
			})
			return
		}
		c.Next()
	}
}
