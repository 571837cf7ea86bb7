package offers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kunsthall/settlement/internal/auth"
	"github.com/kunsthall/settlement/internal/idgen"
	"github.com/kunsthall/settlement/internal/logging"
	"github.com/kunsthall/settlement/internal/pagination"
	"github.com/kunsthall/settlement/internal/validation"
)

// Handler provides HTTP endpoints for offer operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new offer handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up offer routes. The group must already require a user.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/offers", h.CreateOffer)
	r.GET("/offers", h.ListOffers)
	offerID := validation.IDParamMiddleware("id", idgen.PrefixOffer)
	r.GET("/offers/:id", offerID, h.GetOffer)
	r.POST("/offers/:id/accept", offerID, h.AcceptOffer)
	r.POST("/offers/:id/reject", offerID, h.RejectOffer)
}

// CreateOffer handles POST /v1/offers
func (h *Handler) CreateOffer(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_input",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("artworkId", req.ArtworkID),
		validation.ExternalID("artworkId", req.ArtworkID),
		validation.Required("sellerId", req.SellerID),
		validation.ExternalID("sellerId", req.SellerID),
		validation.PositiveCents("listPriceCents", req.ListPriceCents),
		validation.PositiveCents("offeredPriceCents", req.OfferedPriceCents),
		validation.MaxLength("message", req.Message, validation.MaxMessageLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_input",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	req.BuyerID = auth.UserID(c)
	req.Message = validation.SanitizeString(req.Message, validation.MaxMessageLength)

	offer, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"offer": offer})
}

// GetOffer handles GET /v1/offers/:id
func (h *Handler) GetOffer(c *gin.Context) {
	offer, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if _, ok := offer.RoleOf(auth.UserID(c)); !ok && !auth.IsAdmin(c) {
		writeError(c, ErrUnauthorized)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// ListOffers handles GET /v1/offers?role=buyer|seller&cursor=&limit=
func (h *Handler) ListOffers(c *gin.Context) {
	role := Role(c.DefaultQuery("role", string(RoleBuyer)))
	page, err := h.service.ListByUser(c.Request.Context(), auth.UserID(c), role,
		c.Query("cursor"), pagination.ParseLimit(c.Query("limit")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// AcceptOffer handles POST /v1/offers/:id/accept
func (h *Handler) AcceptOffer(c *gin.Context) {
	offer, err := h.service.Accept(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// RejectOffer handles POST /v1/offers/:id/reject
func (h *Handler) RejectOffer(c *gin.Context) {
	offer, err := h.service.Reject(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := "Internal error"
	switch {
	case errors.Is(err, ErrOfferNotFound):
		status, code, message = http.StatusNotFound, "not_found", "Offer not found"
	case errors.Is(err, ErrInvalidInput):
		status, code, message = http.StatusBadRequest, "invalid_input", err.Error()
	case errors.Is(err, ErrUnauthorized):
		status, code, message = http.StatusForbidden, "forbidden", err.Error()
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrPaymentAttached):
		status, code, message = http.StatusConflict, "invalid_state", err.Error()
	default:
		logging.L(c.Request.Context()).Error("offer request failed", "error", err)
	}
	c.JSON(status, gin.H{"error": code, "message": message})
}
