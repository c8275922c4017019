package auth

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for auth introspection
type Handler struct {
	manager  *Manager
	devToken bool
}

// NewHandler creates a new auth handler. devToken enables the unauthenticated
// token minting route and must stay off outside development.
func NewHandler(m *Manager, devToken bool) *Handler {
	return &Handler{manager: m, devToken: devToken}
}

// RegisterRoutes sets up auth routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/info", h.Info)
	if h.devToken {
		r.POST("/auth/dev-token", h.DevToken)
	}
}

// RegisterProtectedRoutes sets up routes that need a token.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/auth/me", h.Me)
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":   "jwt",
		"header": "Authorization: Bearer <jwt>",
		"alg":    "HS256",
		"claims": gin.H{"sub": "user id", "role": "user | mediator | admin"},
	})
}

// Me returns the authenticated principal.
func (h *Handler) Me(c *gin.Context) {
	p, ok := GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "message": "Bearer token required."})
		return
	}
	c.JSON(http.StatusOK, gin.H{"principal": p})
}

// DevTokenRequest asks for a development token.
type DevTokenRequest struct {
	UserID string `json:"userId" binding:"required"`
	Role   string `json:"role"`
}

// DevToken handles POST /v1/auth/dev-token
func (h *Handler) DevToken(c *gin.Context) {
	var req DevTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "userId is required"})
		return
	}
	switch req.Role {
	case "", RoleUser, RoleMediator, RoleAdmin:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unknown role"})
		return
	}

	token, err := h.manager.Issue(req.UserID, req.Role, 24*time.Hour)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to issue token"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": token, "expiresIn": int((24 * time.Hour).Seconds())})
}
