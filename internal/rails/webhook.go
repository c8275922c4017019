package rails

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/milepay/internal/apperr"
	"github.com/mbd888/milepay/internal/ledger"
)

// maxWebhookBody bounds callback payloads.
const maxWebhookBody = 64 << 10

// Settler completes withdrawals when a processor reports the payout outcome.
type Settler interface {
	WithdrawalByExternalRef(ctx context.Context, ref string) (*ledger.Transaction, error)
	SettleWithdrawal(ctx context.Context, txID string) (*ledger.Transaction, error)
	FailWithdrawal(ctx context.Context, txID, reason string) (*ledger.Transaction, error)
}

// WebhookHandler receives Stripe payout callbacks.
type WebhookHandler struct {
	secret  string
	settler Settler
	logger  *slog.Logger
}

// NewWebhookHandler creates a handler verifying signatures with secret.
func NewWebhookHandler(secret string, settler Settler, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{secret: secret, settler: settler, logger: logger}
}

// RegisterRoutes sets up the public callback route.
func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/rails/stripe/webhook", h.Stripe)
}

// Stripe handles POST /v1/rails/stripe/webhook
func (h *WebhookHandler) Stripe(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		apperr.BadRequest(c, "unreadable body")
		return
	}
	ev, err := webhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "Signature verification failed"})
		return
	}

	var fail bool
	switch string(ev.Type) {
	case "payout.paid":
	case "payout.failed", "payout.canceled":
		fail = true
	default:
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
		return
	}

	var po stripe.Payout
	if err := json.Unmarshal(ev.Data.Raw, &po); err != nil || po.ID == "" {
		apperr.BadRequest(c, "payout object missing")
		return
	}

	ctx := c.Request.Context()
	t, err := h.settler.WithdrawalByExternalRef(ctx, po.ID)
	if err != nil {
		if apperr.HasCode(err, apperr.NotFound) {
			// Not ours, or the withdrawal has not recorded its reference yet;
			// a non-2xx makes Stripe redeliver.
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "unknown payout"})
			return
		}
		apperr.Respond(c, err)
		return
	}

	if fail {
		reason := string(po.FailureCode)
		if reason == "" {
			reason = "payout_" + string(po.Status)
		}
		_, err = h.settler.FailWithdrawal(ctx, t.ID, reason)
	} else {
		_, err = h.settler.SettleWithdrawal(ctx, t.ID)
	}
	// Redeliveries of an outcome already applied are acknowledged.
	if err != nil && !apperr.HasCode(err, apperr.InvalidTransition) {
		h.logger.Error("payout callback failed", "payout", po.ID, "transaction", t.ID, "error", err)
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
