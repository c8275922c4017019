package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/milepay/internal/apperr"
	"github.com/mbd888/milepay/internal/auth"
	"github.com/mbd888/milepay/internal/events"
	"github.com/mbd888/milepay/internal/idgen"
	"github.com/mbd888/milepay/internal/validation"
)

// MaxSubscriptionsPerUser bounds how many live webhooks one user may hold.
const MaxSubscriptionsPerUser = 20

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store      *Store
	dispatcher *Dispatcher
}

// NewHandler creates a new webhook handler
func NewHandler(store *Store, dispatcher *Dispatcher) *Handler {
	return &Handler{
		store:      store,
		dispatcher: dispatcher,
	}
}

// RegisterProtectedRoutes sets up webhook routes for the authenticated user.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.DELETE("/webhooks/:id", h.DeleteWebhook)
	r.POST("/webhooks/:id/enable", h.EnableWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL string `json:"url"`
	// Events to receive. Empty subscribes to every event type.
	Events []string `json:"events"`
}

func view(sub *Subscription) gin.H {
	return gin.H{
		"id":                  sub.ID,
		"url":                 sub.URL,
		"events":              sub.Events,
		"active":              sub.Active,
		"createdAt":           sub.CreatedAt,
		"lastSuccess":         sub.LastSuccess,
		"lastError":           sub.LastError,
		"consecutiveFailures": sub.ConsecutiveFailures,
	}
}

// CreateWebhook handles POST /v1/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("url", req.URL),
		validation.MaxLength("url", req.URL, 2048),
	); len(errs) > 0 {
		apperr.BadRequest(c, errs.Error())
		return
	}
	if err := h.dispatcher.urlValidator(req.URL); err != nil {
		apperr.BadRequest(c, "url: "+err.Error())
		return
	}

	types := make([]events.Type, 0, len(req.Events))
	for _, e := range req.Events {
		t := events.Type(e)
		if !events.Known(t) {
			apperr.BadRequest(c, "unknown event type: "+e)
			return
		}
		types = append(types, t)
	}

	userID := auth.UserID(c)
	existing, err := h.store.ListForUser(c.Request.Context(), userID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if len(existing) >= MaxSubscriptionsPerUser {
		apperr.BadRequest(c, "too many webhooks")
		return
	}

	secret := generateSecret()
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		UserID:    userID,
		URL:       req.URL,
		Secret:    secret,
		Events:    types,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": view(sub),
		"secret":  secret, // Only shown once!
		"usage": gin.H{
			"signature": "hex HMAC-SHA256(secret, timestamp + \".\" + body)",
			"header":    HeaderSignature,
			"timestamp": HeaderTimestamp,
		},
	})
}

// ListWebhooks handles GET /v1/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.ListForUser(c.Request.Context(), auth.UserID(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	// Don't expose secrets
	webhooks := make([]gin.H, len(subs))
	for i, sub := range subs {
		webhooks[i] = view(sub)
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": webhooks})
}

// DeleteWebhook handles DELETE /v1/webhooks/:id
func (h *Handler) DeleteWebhook(c *gin.Context) {
	if err := h.store.Delete(c.Request.Context(), c.Param("id"), auth.UserID(c)); err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Webhook deleted",
	})
}

// EnableWebhook handles POST /v1/webhooks/:id/enable, reactivating a
// subscription that was switched off after repeated failures.
func (h *Handler) EnableWebhook(c *gin.Context) {
	userID := auth.UserID(c)
	sub, err := h.store.Modify(c.Request.Context(), c.Param("id"), func(sub *Subscription) error {
		if sub.UserID != userID || sub.Deleted {
			return ErrSubscriptionNotFound
		}
		sub.Active = true
		sub.ConsecutiveFailures = 0
		return nil
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhook": view(sub)})
}

func generateSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
