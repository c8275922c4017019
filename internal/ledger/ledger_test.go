package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/milepay/internal/apperr"
	"github.com/mbd888/milepay/internal/auth"
	"github.com/mbd888/milepay/internal/docstore"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func seedHistory(t *testing.T, s docstore.Store, walletID string, n int) {
	t.Helper()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	err := s.RunTx(context.Background(), func(ctx context.Context, dtx docstore.Tx) error {
		for i := 1; i <= n; i++ {
			typ := TypeDeposit
			if i%2 == 0 {
				typ = TypeEscrowHold
			}
			if err := Record(dtx, &Transaction{
				ID:          fmt.Sprintf("%s_tx_%02d", walletID, i),
				WalletID:    walletID,
				Type:        typ,
				Status:      StatusCompleted,
				AmountCents: 100,
				NetCents:    100,
				Sequence:    int64(i),
				CreatedAt:   base.Add(time.Duration(i) * time.Minute),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestList_NewestFirstWithFilters(t *testing.T) {
	s := docstore.NewMemoryStore()
	ctx := context.Background()
	seedHistory(t, s, "alice", 6)
	seedHistory(t, s, "bob", 2)

	txs, err := List(ctx, s, "alice", ListOptions{})
	require.NoError(t, err)
	require.Len(t, txs, 6)
	assert.Equal(t, int64(6), txs[0].Sequence)
	assert.Equal(t, int64(1), txs[5].Sequence)

	txs, err = List(ctx, s, "alice", ListOptions{BeforeSequence: 4, Limit: 2})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, []int64{3, 2}, []int64{txs[0].Sequence, txs[1].Sequence})

	txs, err = List(ctx, s, "alice", ListOptions{Type: TypeEscrowHold})
	require.NoError(t, err)
	assert.Len(t, txs, 3)

	all, err := All(ctx, s, "bob")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, int64(1), all[0].Sequence)
}

func TestGet_NotFound(t *testing.T) {
	_, err := Get(context.Background(), docstore.NewMemoryStore(), "nope")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
	assert.Equal(t, apperr.NotFound, apperr.CodeOf(err))
}

func newLedgerRouter(t *testing.T, s docstore.Store) (*gin.Engine, *auth.Manager) {
	t.Helper()
	mgr := auth.NewManager("ledger-test-secret-ledger-test-secret", "")
	r := gin.New()
	r.Use(auth.Middleware(mgr))
	h := NewHandler(s)
	h.RegisterProtectedRoutes(r.Group("/v1", auth.RequireAuth()))
	return r, mgr
}

func get(t *testing.T, r http.Handler, mgr *auth.Manager, user, path string) *httptest.ResponseRecorder {
	t.Helper()
	token, err := mgr.Issue(user, auth.RoleUser, time.Hour)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_Pagination(t *testing.T) {
	s := docstore.NewMemoryStore()
	seedHistory(t, s, "alice", 5)
	r, mgr := newLedgerRouter(t, s)

	var page struct {
		Transactions []*Transaction `json:"transactions"`
		NextCursor   string         `json:"nextCursor"`
		HasMore      bool           `json:"hasMore"`
	}
	w := get(t, r, mgr, "alice", "/v1/wallet/transactions?limit=2")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Transactions, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, int64(5), page.Transactions[0].Sequence)

	var seen []int64
	cursor := page.NextCursor
	for cursor != "" {
		w = get(t, r, mgr, "alice", "/v1/wallet/transactions?limit=2&cursor="+cursor)
		require.Equal(t, http.StatusOK, w.Code)
		page.NextCursor = ""
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
		for _, tr := range page.Transactions {
			seen = append(seen, tr.Sequence)
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, []int64{3, 2, 1}, seen)

	w = get(t, r, mgr, "alice", "/v1/wallet/transactions?cursor=not*base64")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_GetTransactionOwnership(t *testing.T) {
	s := docstore.NewMemoryStore()
	seedHistory(t, s, "alice", 1)
	r, mgr := newLedgerRouter(t, s)

	w := get(t, r, mgr, "alice", "/v1/transactions/alice_tx_01")
	assert.Equal(t, http.StatusOK, w.Code)

	w = get(t, r, mgr, "mallory", "/v1/transactions/alice_tx_01")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not_found")
}

func TestHandler_BalanceAt(t *testing.T) {
	s := docstore.NewMemoryStore()
	seedHistory(t, s, "alice", 4)
	r, mgr := newLedgerRouter(t, s)

	w := get(t, r, mgr, "alice", "/v1/wallet/balance-at?at=2026-03-01T00:02:30Z")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Balances Balances         `json:"balances"`
		Holds    map[string]int64 `json:"holds"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, Balances{Balance: 100, Available: 0, Escrow: 100}, body.Balances)

	w = get(t, r, mgr, "alice", "/v1/wallet/balance-at?at=yesterday")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
