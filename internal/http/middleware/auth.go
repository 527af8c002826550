// README: Auth middleware: verifies the bearer token and stores uid and role on the gin context.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"rideflow/internal/infra"
	"rideflow/internal/types"
)

const (
	ctxUID  = "auth.uid"
	ctxRole = "auth.role"
)

// Auth rejects requests without a valid token. Browsers cannot set headers on
// a websocket upgrade, so the access_token query parameter is accepted too.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearer(c.GetHeader("Authorization"))
		if raw == "" {
			raw = c.Query("access_token")
		}
		if raw == "" {
			abort(c, "missing bearer token")
			return
		}
		token, err := verifier.VerifyIDToken(c.Request.Context(), raw)
		if err != nil || token == nil || token.UID == "" {
			abort(c, "invalid token")
			return
		}
		c.Set(ctxUID, types.ID(token.UID))
		c.Set(ctxRole, roleFromClaims(token.Claims))
		c.Next()
	}
}

func bearer(header string) string {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// roleFromClaims defaults to customer; only an explicit driver claim grants
// driver access.
func roleFromClaims(claims map[string]interface{}) types.Role {
	if r, ok := claims["role"].(string); ok && types.Role(r) == types.RoleDriver {
		return types.RoleDriver
	}
	return types.RoleCustomer
}

func abort(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "unauthorized", "error": msg})
}

func CallerUID(c *gin.Context) types.ID {
	v, _ := c.Get(ctxUID)
	id, _ := v.(types.ID)
	return id
}

func CallerRole(c *gin.Context) types.Role {
	v, _ := c.Get(ctxRole)
	r, _ := v.(types.Role)
	return r
}

// RequireRole lets only callers with role through.
func RequireRole(role types.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if CallerRole(c) != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "forbidden", "error": string(role) + " role required"})
			return
		}
		c.Next()
	}
}
