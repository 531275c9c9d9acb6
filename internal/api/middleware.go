package api

import (
	"net/http"
	"strings"

	"dropshop/internal/auth"

	"github.com/gin-gonic/gin"
)

const operatorKey = "operator"

// operatorAuth resolves the bearer token to an operator principal
func operatorAuth(tokens *auth.TokenSet) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		op, ok := tokens.Lookup(strings.TrimSpace(token))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown operator token"})
			return
		}

		c.Set(operatorKey, op)
		c.Request = c.Request.WithContext(auth.WithOperator(c.Request.Context(), op))
		c.Next()
	}
}

// operator returns the principal set by operatorAuth. A missing principal
// yields the zero Operator, which every privileged call rejects.
func operator(c *gin.Context) auth.Operator {
	if v, ok := c.Get(operatorKey); ok {
		if op, ok := v.(auth.Operator); ok {
			return op
		}
	}
	return auth.Operator{}
}
