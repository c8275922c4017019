package reconciliation

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/milepay/internal/apperr"
)

// Handler exposes reconciliation to operators.
type Handler struct {
	runner *Runner
}

// NewHandler creates a reconciliation handler.
func NewHandler(runner *Runner) *Handler {
	return &Handler{runner: runner}
}

// RegisterAdminRoutes sets up routes. The group must require the admin role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/reconciliation", h.Last)
	r.POST("/admin/reconciliation/run", h.Run)
}

// Last handles GET /v1/admin/reconciliation
func (h *Handler) Last(c *gin.Context) {
	rep := h.runner.Last()
	if rep == nil {
		apperr.Respond(c, apperr.New(apperr.NotFound, "no reconciliation run yet"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": rep, "ok": rep.OK()})
}

// Run handles POST /v1/admin/reconciliation/run
func (h *Handler) Run(c *gin.Context) {
	rep, err := h.runner.RunAll(c.Request.Context())
	if errors.Is(err, ErrAlreadyRunning) {
		c.JSON(http.StatusConflict, gin.H{"error": "already_running", "message": err.Error()})
		return
	}
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": rep, "ok": rep.OK()})
}
