// README: Bearer-token auth middleware resolving the caller into a Principal.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"orderflow/internal/infra"
	"orderflow/internal/types"
)

const principalKey = "principal"

// Auth verifies the bearer token and requires a known role claim.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token, err := verifier.VerifyIDToken(c.Request.Context(), strings.TrimSpace(raw))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		role, ok := roleFromClaims(token.Claims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "missing or unknown role"})
			return
		}
		c.Set(principalKey, types.Principal{ID: types.ID(token.UID), Role: role})
		c.Next()
	}
}

// CallerPrincipal returns the authenticated caller; the zero value when Auth did not run.
func CallerPrincipal(c *gin.Context) types.Principal {
	v, ok := c.Get(principalKey)
	if !ok {
		return types.Principal{}
	}
	p, _ := v.(types.Principal)
	return p
}

// roleFromClaims accepts the role as a number (JWT) or a name (Firebase custom claims).
func roleFromClaims(claims map[string]interface{}) (types.Role, bool) {
	switch v := claims["role"].(type) {
	case float64:
		r := types.Role(int(v))
		return r, r.Valid()
	case int:
		r := types.Role(v)
		return r, r.Valid()
	case string:
		return types.ParseRole(v)
	default:
		return 0, false
	}
}
