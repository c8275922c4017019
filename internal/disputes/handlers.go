package disputes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/milepay/internal/apperr"
	"github.com/mbd888/milepay/internal/auth"
	"github.com/mbd888/milepay/internal/pagination"
	"github.com/mbd888/milepay/internal/validation"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up routes for parties to a dispute.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.Open)
	r.GET("/disputes", h.List)
	r.GET("/disputes/:id", h.Get)
	r.POST("/disputes/:id/evidence", h.AddEvidence)
	r.POST("/disputes/:id/messages", h.AddMessage)
	r.POST("/disputes/:id/withdraw", h.Withdraw)
	r.POST("/disputes/:id/close", h.Close)
}

// RegisterMediatorRoutes sets up routes for mediators. The group must
// require the mediator or admin role.
func (h *Handler) RegisterMediatorRoutes(r *gin.RouterGroup) {
	r.GET("/mediation/disputes", h.Queue)
	r.POST("/mediation/disputes/:id/review", h.StartReview)
	r.POST("/mediation/disputes/:id/mediate", h.StartMediation)
	r.POST("/mediation/disputes/:id/escalate", h.Escalate)
	r.POST("/mediation/disputes/:id/resolve", h.Resolve)
}

var statuses = []string{
	string(StatusOpen), string(StatusUnderReview), string(StatusMediation),
	string(StatusEscalated), string(StatusResolved), string(StatusClosed),
}

// Open handles POST /v1/disputes
func (h *Handler) Open(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("agreementId", req.AgreementID),
		validation.Required("description", req.Description),
		validation.MaxLength("description", req.Description, 5000),
		validation.MaxLength("desiredResolution", req.DesiredResolution, 2000),
	); len(errs) > 0 {
		apperr.BadRequest(c, errs.Error())
		return
	}

	d, err := h.service.Open(c.Request.Context(), auth.UserID(c), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

func listOptions(c *gin.Context) (ListOptions, bool) {
	status := c.Query("status")
	if status != "" {
		if errs := validation.Validate(validation.OneOf("status", status, statuses...)); len(errs) > 0 {
			apperr.BadRequest(c, errs.Error())
			return ListOptions{}, false
		}
	}
	return ListOptions{
		AgreementID: c.Query("agreementId"),
		Status:      Status(status),
		Limit:       pagination.ParseLimit(c.Query("limit")),
	}, true
}

// List handles GET /v1/disputes
func (h *Handler) List(c *gin.Context) {
	opts, ok := listOptions(c)
	if !ok {
		return
	}
	list, err := h.service.ListForUser(c.Request.Context(), auth.UserID(c), opts)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": list, "count": len(list)})
}

// Queue handles GET /v1/mediation/disputes
func (h *Handler) Queue(c *gin.Context) {
	opts, ok := listOptions(c)
	if !ok {
		return
	}
	list, err := h.service.ListQueue(c.Request.Context(), opts)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": list, "count": len(list)})
}

// Get handles GET /v1/disputes/:id
func (h *Handler) Get(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"), auth.UserID(c), auth.IsStaff(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// AddEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) AddEvidence(c *gin.Context) {
	var req EvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("kind", req.Kind, 50),
		validation.MaxLength("description", req.Description, 5000),
		validation.MaxLength("url", req.URL, 2048),
	); len(errs) > 0 {
		apperr.BadRequest(c, errs.Error())
		return
	}
	ev, err := h.service.AddEvidence(c.Request.Context(), c.Param("id"), auth.UserID(c), auth.IsStaff(c), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"evidence": ev})
}

// MessageRequest is the body of POST /v1/disputes/:id/messages.
type MessageRequest struct {
	Body string `json:"body"`
}

// AddMessage handles POST /v1/disputes/:id/messages
func (h *Handler) AddMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}
	msg, err := h.service.AddMessage(c.Request.Context(), c.Param("id"), auth.UserID(c), auth.IsStaff(c),
		validation.SanitizeString(req.Body, 5000))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// Withdraw handles POST /v1/disputes/:id/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	d, err := h.service.Withdraw(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Close handles POST /v1/disputes/:id/close
func (h *Handler) Close(c *gin.Context) {
	d, err := h.service.Close(c.Request.Context(), c.Param("id"), auth.UserID(c), auth.IsStaff(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ReviewRequest optionally names the mediator to assign.
type ReviewRequest struct {
	MediatorID string `json:"mediatorId"`
}

// StartReview handles POST /v1/mediation/disputes/:id/review
func (h *Handler) StartReview(c *gin.Context) {
	var req ReviewRequest
	_ = c.ShouldBindJSON(&req)
	d, err := h.service.StartReview(c.Request.Context(), c.Param("id"), auth.UserID(c), req.MediatorID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// StartMediation handles POST /v1/mediation/disputes/:id/mediate
func (h *Handler) StartMediation(c *gin.Context) {
	d, err := h.service.StartMediation(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Escalate handles POST /v1/mediation/disputes/:id/escalate
func (h *Handler) Escalate(c *gin.Context) {
	d, err := h.service.Escalate(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Resolve handles POST /v1/mediation/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.OneOf("type", string(req.Type),
			string(RefundFull), string(RefundPartial), string(ReleaseFull),
			string(ReleasePartial), string(Split), string(NoAction)),
		validation.MaxLength("notes", req.Notes, 5000),
	); len(errs) > 0 {
		apperr.BadRequest(c, errs.Error())
		return
	}
	out, err := h.service.Resolve(c.Request.Context(), c.Param("id"), auth.UserID(c), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
