package ledger

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/milepay/internal/apperr"
	"github.com/mbd888/milepay/internal/auth"
	"github.com/mbd888/milepay/internal/docstore"
	"github.com/mbd888/milepay/internal/pagination"
)

// Handler provides read-only HTTP endpoints over the transaction log.
// Wallet ids equal user ids, so callers only ever see their own history.
type Handler struct {
	store docstore.Reader
}

// NewHandler creates a new ledger handler
func NewHandler(store docstore.Reader) *Handler {
	return &Handler{store: store}
}

// RegisterProtectedRoutes sets up routes that require a bearer token.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/wallet/transactions", h.ListMine)
	r.GET("/wallet/balance-at", h.BalanceAt)
	r.GET("/transactions/:id", h.GetTransaction)
}

// RegisterAdminRoutes sets up staff-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/wallets/:walletId/transactions", h.ListForWallet)
}

// ListMine handles GET /v1/wallet/transactions
func (h *Handler) ListMine(c *gin.Context) {
	h.list(c, auth.UserID(c))
}

// ListForWallet handles GET /v1/admin/wallets/:walletId/transactions
func (h *Handler) ListForWallet(c *gin.Context) {
	h.list(c, c.Param("walletId"))
}

func (h *Handler) list(c *gin.Context, walletID string) {
	limit := pagination.ParseLimit(c.Query("limit"))
	opts := ListOptions{Type: Type(c.Query("type")), Limit: limit + 1}

	if s := c.Query("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			apperr.BadRequest(c, "since must be an RFC3339 timestamp")
			return
		}
		opts.Since = since
	}
	if s := c.Query("cursor"); s != "" {
		cur, err := pagination.Decode(s)
		if err != nil {
			apperr.BadRequest(c, "invalid cursor")
			return
		}
		opts.BeforeSequence = cur.Position
	}

	txs, err := List(c.Request.Context(), h.store, walletID, opts)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	page, next, more := pagination.ComputePage(txs, limit, func(t *Transaction) (int64, string) {
		return t.Sequence, t.ID
	})
	if page == nil {
		page = []*Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": page,
		"count":        len(page),
		"nextCursor":   next,
		"hasMore":      more,
	})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	t, err := Get(c.Request.Context(), h.store, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	// Foreign transactions look missing rather than forbidden.
	if t.WalletID != auth.UserID(c) && !auth.IsStaff(c) {
		apperr.Respond(c, ErrTransactionNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// BalanceAt handles GET /v1/wallet/balance-at?at=RFC3339
func (h *Handler) BalanceAt(c *gin.Context) {
	ts, err := time.Parse(time.RFC3339, c.Query("at"))
	if err != nil {
		apperr.BadRequest(c, "at must be an RFC3339 timestamp")
		return
	}

	txs, err := All(c.Request.Context(), h.store, auth.UserID(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	r := ReplayAt(txs, ts)
	c.JSON(http.StatusOK, gin.H{
		"balances": r.Balances,
		"holds":    r.Holds,
		"at":       ts.UTC().Format(time.RFC3339),
	})
}
