package agreements

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/milepay/internal/apperr"
	"github.com/mbd888/milepay/internal/auth"
	"github.com/mbd888/milepay/internal/pagination"
	"github.com/mbd888/milepay/internal/validation"
)

// Handler provides HTTP endpoints for agreements and milestones.
type Handler struct {
	service *Service
}

// NewHandler creates a new agreements handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up agreement routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/agreements", h.Create)
	r.GET("/agreements", h.List)
	r.GET("/agreements/:id", h.Get)
	r.GET("/agreements/:id/milestones", h.ListMilestones)
	r.POST("/agreements/:id/sign", h.Sign)
	r.POST("/agreements/:id/cancel", h.Cancel)
	r.POST("/agreements/:id/fund", h.Fund)
	r.POST("/agreements/:id/milestones/:milestoneId/start", h.StartMilestone)
	r.POST("/agreements/:id/milestones/:milestoneId/submit", h.SubmitMilestone)
	r.POST("/agreements/:id/milestones/:milestoneId/reject", h.RejectMilestone)
	r.POST("/agreements/:id/milestones/:milestoneId/approve", h.ApproveMilestone)
}

// CreateRequest is the body of POST /v1/agreements.
type CreateRequest struct {
	Terms
	Milestones []MilestoneInput `json:"milestones"`
}

// Create handles POST /v1/agreements
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("title", req.Title),
		validation.MaxLength("title", req.Title, 200),
		validation.MaxLength("description", req.Description, 5000),
		validation.PositiveCents("totalValueCents", req.TotalValueCents),
	); len(errs) > 0 {
		apperr.BadRequest(c, errs.Error())
		return
	}

	a, ms, err := h.service.Create(c.Request.Context(), auth.UserID(c), req.Terms, req.Milestones)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"agreement": a, "milestones": ms})
}

// List handles GET /v1/agreements
func (h *Handler) List(c *gin.Context) {
	status := c.Query("status")
	if status != "" {
		if errs := validation.Validate(validation.OneOf("status", status,
			string(StatusDraft), string(StatusPendingSignatures), string(StatusActive),
			string(StatusInProgress), string(StatusCompleted), string(StatusCancelled), string(StatusDisputed),
		)); len(errs) > 0 {
			apperr.BadRequest(c, errs.Error())
			return
		}
	}
	list, err := h.service.ListForUser(c.Request.Context(), auth.UserID(c), ListOptions{
		Status: Status(status),
		Limit:  pagination.ParseLimit(c.Query("limit")),
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agreements": list, "count": len(list)})
}

// Get handles GET /v1/agreements/:id
func (h *Handler) Get(c *gin.Context) {
	a, err := h.service.Get(c.Request.Context(), c.Param("id"), auth.UserID(c), auth.IsStaff(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agreement": a})
}

// ListMilestones handles GET /v1/agreements/:id/milestones
func (h *Handler) ListMilestones(c *gin.Context) {
	ms, err := h.service.ListMilestones(c.Request.Context(), c.Param("id"), auth.UserID(c), auth.IsStaff(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestones": ms})
}

// Sign handles POST /v1/agreements/:id/sign
func (h *Handler) Sign(c *gin.Context) {
	a, err := h.service.Sign(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agreement": a})
}

// ReasonRequest carries an optional free-text reason.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// Cancel handles POST /v1/agreements/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req ReasonRequest
	_ = c.ShouldBindJSON(&req)
	a, err := h.service.Cancel(c.Request.Context(), c.Param("id"), auth.UserID(c), validation.SanitizeString(req.Reason, 500))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agreement": a})
}

// FundRequest is the body of POST /v1/agreements/:id/fund. A zero amount
// funds everything outstanding.
type FundRequest struct {
	Amount int64 `json:"amount"`
}

// Fund handles POST /v1/agreements/:id/fund
func (h *Handler) Fund(c *gin.Context) {
	var req FundRequest
	_ = c.ShouldBindJSON(&req)
	if req.Amount < 0 {
		apperr.BadRequest(c, "amount cannot be negative")
		return
	}
	a, err := h.service.Fund(c.Request.Context(), c.Param("id"), auth.UserID(c), req.Amount)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agreement": a})
}

// StartMilestone handles POST /v1/agreements/:id/milestones/:milestoneId/start
func (h *Handler) StartMilestone(c *gin.Context) {
	m, err := h.service.StartMilestone(c.Request.Context(), c.Param("id"), c.Param("milestoneId"), auth.UserID(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestone": m})
}

// SubmitMilestone handles POST /v1/agreements/:id/milestones/:milestoneId/submit
func (h *Handler) SubmitMilestone(c *gin.Context) {
	m, err := h.service.SubmitMilestone(c.Request.Context(), c.Param("id"), c.Param("milestoneId"), auth.UserID(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestone": m})
}

// RejectMilestone handles POST /v1/agreements/:id/milestones/:milestoneId/reject
func (h *Handler) RejectMilestone(c *gin.Context) {
	var req ReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "reason is required")
		return
	}
	m, err := h.service.RejectMilestone(c.Request.Context(), c.Param("id"), c.Param("milestoneId"), auth.UserID(c),
		validation.SanitizeString(req.Reason, 1000))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestone": m})
}

// ApproveMilestone handles POST /v1/agreements/:id/milestones/:milestoneId/approve
func (h *Handler) ApproveMilestone(c *gin.Context) {
	key := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if errs := validation.Validate(validation.MaxLength("Idempotency-Key", key, 128)); len(errs) > 0 {
		apperr.BadRequest(c, errs.Error())
		return
	}
	out, err := h.service.ApproveMilestone(c.Request.Context(), c.Param("id"), c.Param("milestoneId"), auth.UserID(c), key)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
