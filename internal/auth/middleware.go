package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/milepay/internal/logging"
)

const (
	// ContextKeyPrincipal stores the *Principal in the gin context
	ContextKeyPrincipal = "authPrincipal"
	// ContextKeyUserID stores the authenticated user id
	ContextKeyUserID = "authUserID"
)

// Middleware validates the bearer token if present and records the caller.
// Requests without a valid token continue unauthenticated. Browsers cannot
// set headers on websocket upgrades, so those may pass ?access_token= instead.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" && strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
			token = c.Query("access_token")
		}
		if token != "" {
			if p, err := m.Validate(token); err == nil {
				c.Set(ContextKeyPrincipal, p)
				c.Set(ContextKeyUserID, p.UserID)
				c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), p.UserID))
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a valid token.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthenticated",
				"message": "Bearer token required. Include 'Authorization: Bearer <jwt>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects callers whose role is not in roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthenticated",
				"message": "Bearer token required.",
			})
			return
		}
		for _, r := range roles {
			if p.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Insufficient role for this operation.",
		})
	}
}

// GetPrincipal returns the caller (if authenticated)
func GetPrincipal(c *gin.Context) (*Principal, bool) {
	v, exists := c.Get(ContextKeyPrincipal)
	if !exists {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}

// UserID returns the authenticated user id, or "".
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// IsStaff reports whether the caller is a mediator or admin.
func IsStaff(c *gin.Context) bool {
	p, ok := GetPrincipal(c)
	return ok && p.IsStaff()
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyPrincipal)
	return exists
}
