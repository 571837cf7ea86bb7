package disputes

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kunsthall/settlement/internal/auth"
	"github.com/kunsthall/settlement/internal/idgen"
	"github.com/kunsthall/settlement/internal/logging"
	"github.com/kunsthall/settlement/internal/offers"
	"github.com/kunsthall/settlement/internal/validation"
)

var errForbidden = errors.New("not a party to this offer")

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up party-facing dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	offerID := validation.IDParamMiddleware("id", idgen.PrefixOffer)
	r.POST("/offers/:id/disputes", offerID, h.RaiseDispute)
	r.GET("/offers/:id/disputes", offerID, h.ListDisputes)
	r.GET("/disputes/:id", validation.IDParamMiddleware("id", idgen.PrefixDispute), h.GetDispute)
}

// RegisterAdminRoutes sets up dispute resolution.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/disputes/:id/resolve", validation.IDParamMiddleware("id", idgen.PrefixDispute), h.ResolveDispute)
}

// ResolveRequest is the admin's decision.
type ResolveRequest struct {
	Resolution Resolution `json:"resolution"`
	Note       string     `json:"note"`
}

// RaiseDispute handles POST /v1/offers/:id/disputes
func (h *Handler) RaiseDispute(c *gin.Context) {
	var req RaiseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_input",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, validation.MaxReasonLength),
		validation.MaxLength("description", req.Description, validation.MaxDescriptionLength),
		validation.AttachmentURLs("attachments", req.Attachments),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_input",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	req.OfferID = c.Param("id")
	req.InitiatorID = auth.UserID(c)
	req.Description = validation.SanitizeString(req.Description, validation.MaxDescriptionLength)

	d, err := h.service.Raise(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// ListDisputes handles GET /v1/offers/:id/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	offerID := c.Param("id")
	if !h.canView(c, offerID) {
		return
	}
	list, err := h.service.ListByOffer(c.Request.Context(), offerID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": list})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !h.canView(c, d.OfferID) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ResolveDispute handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_input",
			"message": "Invalid request body",
		})
		return
	}
	adminID := auth.UserID(c)
	if adminID == "" {
		adminID = "admin"
	}
	d, err := h.service.Resolve(c.Request.Context(), c.Param("id"), adminID, req.Resolution, req.Note)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// canView writes the error response itself when it returns false.
func (h *Handler) canView(c *gin.Context, offerID string) bool {
	if auth.IsAdmin(c) {
		return true
	}
	ok, err := h.service.IsParty(c.Request.Context(), offerID, auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return false
	}
	if !ok {
		writeError(c, errForbidden)
		return false
	}
	return true
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := "Internal error"

	switch {
	case errors.Is(err, ErrDisputeNotFound):
		status, code, message = http.StatusNotFound, "not_found", "Dispute not found"
	case errors.Is(err, offers.ErrOfferNotFound):
		status, code, message = http.StatusNotFound, "not_found", "Offer not found"
	case errors.Is(err, errForbidden), errors.Is(err, offers.ErrUnauthorized):
		status, code, message = http.StatusForbidden, "forbidden", err.Error()
	case errors.Is(err, offers.ErrInvalidInput):
		status, code, message = http.StatusBadRequest, "invalid_input", err.Error()
	case errors.Is(err, ErrAlreadyResolved), errors.Is(err, ErrAlreadyOpen), errors.Is(err, offers.ErrInvalidState):
		status, code, message = http.StatusConflict, "invalid_state", err.Error()
	default:
		logging.L(c.Request.Context()).Error("dispute request failed", "error", err)
	}
	c.JSON(status, gin.H{"error": code, "message": message})
}
