package disputes

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/milepay/internal/agreements"
	"github.com/mbd888/milepay/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testAPI struct {
	*fixture
	router *gin.Engine
	mgr    *auth.Manager
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	f := newFixture(t)
	mgr := auth.NewManager("disputes-test-secret-disputes-test-sec", "")
	r := gin.New()
	r.Use(auth.Middleware(mgr))
	h := NewHandler(f.svc)
	h.RegisterProtectedRoutes(r.Group("/v1", auth.RequireAuth()))
	h.RegisterMediatorRoutes(r.Group("/v1", auth.RequireRole(auth.RoleMediator, auth.RoleAdmin)))
	return &testAPI{fixture: f, router: r, mgr: mgr}
}

func (a *testAPI) do(t *testing.T, user, role, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		token, err := a.mgr.Issue(user, role, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

type disputeResponse struct {
	Error   string  `json:"error"`
	Dispute Dispute `json:"dispute"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) disputeResponse {
	t.Helper()
	var out disputeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHandlers_DisputeFlow(t *testing.T) {
	api := newTestAPI(t)
	a, ms := api.fundedAgreement(t, 150_000, 150_000)

	w := api.do(t, payer, auth.RoleUser, http.MethodPost, "/v1/disputes", gin.H{
		"agreementId": a.ID, "milestoneId": ms[0].ID, "type": "bogus", "description": "late",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(t, payer, auth.RoleUser, http.MethodPost, "/v1/disputes", gin.H{
		"agreementId": a.ID, "milestoneId": ms[0].ID, "type": "non_delivery", "description": "Nothing delivered",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode(t, w).Dispute.ID

	w = api.do(t, payee, auth.RoleUser, http.MethodPost, "/v1/disputes/"+id+"/evidence", gin.H{
		"kind": "link", "description": "Repository", "url": "https://git.example/repo",
	})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = api.do(t, payer, auth.RoleUser, http.MethodPost, "/v1/mediation/disputes/"+id+"/review", nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "parties cannot mediate")

	w = api.do(t, mediator, auth.RoleMediator, http.MethodGet, "/v1/mediation/disputes?status=open", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var queue struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &queue))
	assert.Equal(t, 1, queue.Count)

	w = api.do(t, mediator, auth.RoleMediator, http.MethodPost, "/v1/mediation/disputes/"+id+"/review", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, StatusUnderReview, decode(t, w).Dispute.Status)

	w = api.do(t, mediator, auth.RoleMediator, http.MethodPost, "/v1/mediation/disputes/"+id+"/resolve", gin.H{"type": "refund_sometimes"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(t, mediator, auth.RoleMediator, http.MethodPost, "/v1/mediation/disputes/"+id+"/resolve", gin.H{
		"type": "refund_partial", "amountCents": 50_000, "notes": "partial delivery",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out struct {
		Dispute    Dispute               `json:"dispute"`
		Settlement agreements.Settlement `json:"settlement"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, StatusResolved, out.Dispute.Status)
	assert.Equal(t, int64(100_000), out.Dispute.Resolution.ReleasedCents)
	assert.Equal(t, int64(50_000), out.Dispute.Resolution.RefundedCents)
	assert.Equal(t, agreements.MilestonePaid, out.Settlement.Milestone.Status)

	w = api.do(t, payee, auth.RoleUser, http.MethodPost, "/v1/disputes/"+id+"/close", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusClosed, decode(t, w).Dispute.Status)

	w = api.do(t, "stranger", auth.RoleUser, http.MethodGet, "/v1/disputes/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_ApproveGatedOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	agreements.NewHandler(api.agr).RegisterProtectedRoutes(api.router.Group("/v1", auth.RequireAuth()))
	a, ms := api.fundedAgreement(t, 1_000)
	api.open(t, a, ms[0].ID, payee)

	w := api.do(t, payer, auth.RoleUser, http.MethodPost, "/v1/agreements/"+a.ID+"/milestones/"+ms[0].ID+"/approve", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "dispute_in_progress", decode(t, w).Error)
}
