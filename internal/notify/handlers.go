package notify

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kunsthall/settlement/internal/logging"
	"github.com/kunsthall/settlement/internal/pagination"
)

// Handler exposes recorded admin alerts.
type Handler struct {
	alerter *Alerter
}

// NewHandler creates a new alert handler.
func NewHandler(alerter *Alerter) *Handler {
	return &Handler{alerter: alerter}
}

// RegisterAdminRoutes sets up the alert listing route.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/alerts", h.ListAlerts)
}

// ListAlerts handles GET /v1/admin/alerts
func (h *Handler) ListAlerts(c *gin.Context) {
	page, err := h.alerter.List(c.Request.Context(), c.Query("cursor"), pagination.ParseLimit(c.Query("limit")))
	if errors.Is(err, pagination.ErrInvalidCursor) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": err.Error()})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list alerts", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, page)
}
