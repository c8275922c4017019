package wallet

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/milepay/internal/apperr"
	"github.com/mbd888/milepay/internal/auth"
	"github.com/mbd888/milepay/internal/ledger"
	"github.com/mbd888/milepay/internal/validation"
)

// Handler provides HTTP endpoints for wallets.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new wallet handler
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterProtectedRoutes sets up routes that act on the caller's wallet.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/wallet", h.GetWallet)
	r.POST("/wallet/deposits", h.Deposit)
	r.POST("/wallet/withdrawals", h.Withdraw)
	r.GET("/wallet/reconcile", h.ReconcileMine)
}

// RegisterAdminRoutes sets up staff-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/wallets/:walletId", h.AdminGetWallet)
	r.GET("/admin/wallets/:walletId/reconcile", h.AdminReconcile)
	r.POST("/admin/wallets/:walletId/deactivate", h.Deactivate)
	r.POST("/admin/reconcile", h.ReconcileAll)
	r.POST("/admin/withdrawals/:id/settle", h.SettleWithdrawal)
	r.POST("/admin/withdrawals/:id/fail", h.FailWithdrawal)
}

// GetWallet handles GET /v1/wallet. A user without a wallet yet sees zero
// balances; the wallet is opened by the first money movement.
func (h *Handler) GetWallet(c *gin.Context) {
	h.respondWallet(c, auth.UserID(c))
}

// AdminGetWallet handles GET /v1/admin/wallets/:walletId
func (h *Handler) AdminGetWallet(c *gin.Context) {
	h.respondWallet(c, c.Param("walletId"))
}

func (h *Handler) respondWallet(c *gin.Context, id string) {
	w, err := h.engine.GetWallet(c.Request.Context(), id)
	if apperr.HasCode(err, apperr.NotFound) {
		w = &Wallet{ID: id, Holds: map[string]int64{}, Currency: h.engine.currency, Status: StatusActive}
		err = nil
	}
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// DepositRequest is the body of POST /v1/wallet/deposits.
type DepositRequest struct {
	Amount         int64  `json:"amount" binding:"required"`
	Source         Source `json:"source"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// Deposit handles POST /v1/wallet/deposits
func (h *Handler) Deposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "amount and source are required")
		return
	}
	if errs := validation.Validate(
		validation.PositiveCents("amount", req.Amount),
		validation.Required("source.kind", req.Source.Kind),
		validation.OneOf("source.kind", req.Source.Kind, "card", "bank"),
		validation.MaxLength("idempotencyKey", idempotencyKey(c, req.IdempotencyKey), 128),
	); len(errs) > 0 {
		apperr.BadRequest(c, errs.Error())
		return
	}

	t, err := h.engine.Deposit(c.Request.Context(), auth.UserID(c), req.Amount, req.Source, idempotencyKey(c, req.IdempotencyKey))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	respondTransaction(c, t, http.StatusCreated)
}

// WithdrawRequest is the body of POST /v1/wallet/withdrawals.
type WithdrawRequest struct {
	Amount         int64       `json:"amount" binding:"required"`
	Destination    Destination `json:"destination"`
	IdempotencyKey string      `json:"idempotencyKey"`
}

// Withdraw handles POST /v1/wallet/withdrawals
func (h *Handler) Withdraw(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "amount and destination are required")
		return
	}
	if errs := validation.Validate(
		validation.PositiveCents("amount", req.Amount),
		validation.Required("destination.kind", req.Destination.Kind),
		validation.OneOf("destination.kind", req.Destination.Kind, "bank", "instant"),
		validation.Required("destination.account", req.Destination.Account),
		validation.MaxLength("idempotencyKey", idempotencyKey(c, req.IdempotencyKey), 128),
	); len(errs) > 0 {
		apperr.BadRequest(c, errs.Error())
		return
	}

	t, err := h.engine.Withdraw(c.Request.Context(), auth.UserID(c), req.Amount, req.Destination, idempotencyKey(c, req.IdempotencyKey))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	status := http.StatusOK
	if t.Status == ledger.StatusPending {
		status = http.StatusAccepted
	}
	respondTransaction(c, t, status)
}

// ReconcileMine handles GET /v1/wallet/reconcile
func (h *Handler) ReconcileMine(c *gin.Context) {
	h.reconcile(c, auth.UserID(c))
}

// AdminReconcile handles GET /v1/admin/wallets/:walletId/reconcile
func (h *Handler) AdminReconcile(c *gin.Context) {
	h.reconcile(c, c.Param("walletId"))
}

func (h *Handler) reconcile(c *gin.Context, id string) {
	res, err := h.engine.Reconcile(c.Request.Context(), id)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reconciliation": res})
}

// ReconcileAll handles POST /v1/admin/reconcile
func (h *Handler) ReconcileAll(c *gin.Context) {
	sum, err := h.engine.ReconcileAll(c.Request.Context())
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": sum})
}

// Deactivate handles POST /v1/admin/wallets/:walletId/deactivate
func (h *Handler) Deactivate(c *gin.Context) {
	w, err := h.engine.Deactivate(c.Request.Context(), c.Param("walletId"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// SettleWithdrawal handles POST /v1/admin/withdrawals/:id/settle
func (h *Handler) SettleWithdrawal(c *gin.Context) {
	t, err := h.engine.SettleWithdrawal(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// FailWithdrawalRequest is the body of POST /v1/admin/withdrawals/:id/fail.
type FailWithdrawalRequest struct {
	Reason string `json:"reason"`
}

// FailWithdrawal handles POST /v1/admin/withdrawals/:id/fail
func (h *Handler) FailWithdrawal(c *gin.Context) {
	var req FailWithdrawalRequest
	_ = c.ShouldBindJSON(&req)
	reason := validation.SanitizeString(req.Reason, 200)
	t, err := h.engine.FailWithdrawal(c.Request.Context(), c.Param("id"), reason)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// respondTransaction renders a money movement, mapping rail refusals to
// 402 and rail outages to 503 while still returning the failed record.
func respondTransaction(c *gin.Context, t *ledger.Transaction, okStatus int) {
	if t.Status != ledger.StatusFailed {
		c.JSON(okStatus, gin.H{"transaction": t})
		return
	}
	if t.FailureReason == ReasonRailUnavailable {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":       ReasonRailUnavailable,
			"message":     "The payment processor is unavailable, please retry later",
			"transaction": t,
		})
		return
	}
	c.JSON(http.StatusPaymentRequired, gin.H{
		"error":       string(apperr.InsufficientSourceAuthorization),
		"message":     "The payment processor refused the transaction",
		"transaction": t,
	})
}

// idempotencyKey prefers the Idempotency-Key header over the body field.
func idempotencyKey(c *gin.Context, body string) string {
	if k := strings.TrimSpace(c.GetHeader("Idempotency-Key")); k != "" {
		return k
	}
	return strings.TrimSpace(body)
}
