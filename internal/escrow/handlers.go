package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kunsthall/settlement/internal/auth"
	"github.com/kunsthall/settlement/internal/idgen"
	"github.com/kunsthall/settlement/internal/logging"
	"github.com/kunsthall/settlement/internal/offers"
	"github.com/kunsthall/settlement/internal/payments"
	"github.com/kunsthall/settlement/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up party-facing escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	offerID := validation.IDParamMiddleware("id", idgen.PrefixOffer)
	r.GET("/offers/:id/escrow", offerID, h.GetEscrow)
	r.POST("/offers/:id/escrow/approve", offerID, h.Approve)
}

// RegisterAdminRoutes sets up routes for the payment-confirmation callback.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/offers/:id/payment", validation.IDParamMiddleware("id", idgen.PrefixOffer), h.ConfirmPayment)
}

// FundRequest carries the captured payment for an accepted offer.
type FundRequest struct {
	PaymentRef     string `json:"paymentRef"`
	PaymentLinkRef string `json:"paymentLinkRef"`
}

// GetEscrow handles GET /v1/offers/:id/escrow
func (h *Handler) GetEscrow(c *gin.Context) {
	a, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !auth.IsAdmin(c) && auth.UserID(c) != a.BuyerID && auth.UserID(c) != a.SellerID {
		writeError(c, ErrUnauthorized)
		return
	}
	c.JSON(http.StatusOK, view(a))
}

// Approve handles POST /v1/offers/:id/escrow/approve. The caller's role on
// the offer decides which flag is set.
func (h *Handler) Approve(c *gin.Context) {
	a, err := h.service.Approve(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view(a))
}

// ConfirmPayment handles POST /v1/admin/offers/:id/payment
func (h *Handler) ConfirmPayment(c *gin.Context) {
	var req FundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_input",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("paymentRef", req.PaymentRef),
		validation.MaxLength("paymentRef", req.PaymentRef, 255),
		validation.MaxLength("paymentLinkRef", req.PaymentLinkRef, 255),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_input",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	a, err := h.service.Fund(c.Request.Context(), c.Param("id"), req.PaymentRef, req.PaymentLinkRef)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view(a))
}

func view(a *Approval) gin.H {
	missing := make([]offers.Role, 0, 2)
	missing = append(missing, a.Missing()...)
	return gin.H{
		"escrow":       a,
		"bothApproved": a.BothApproved(),
		"missing":      missing,
	}
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := "Internal error"

	var pe *payments.ProcessorError
	switch {
	case errors.Is(err, ErrApprovalNotFound):
		status, code, message = http.StatusNotFound, "not_found", "Escrow not found"
	case errors.Is(err, offers.ErrOfferNotFound):
		status, code, message = http.StatusNotFound, "not_found", "Offer not found"
	case errors.Is(err, ErrUnauthorized), errors.Is(err, offers.ErrUnauthorized):
		status, code, message = http.StatusForbidden, "forbidden", err.Error()
	case errors.Is(err, ErrAlreadyApproved):
		status, code, message = http.StatusConflict, "already_approved", err.Error()
	case errors.Is(err, ErrAlreadyReleased):
		status, code, message = http.StatusConflict, "already_released", err.Error()
	case errors.Is(err, ErrAlreadyOpen):
		status, code, message = http.StatusConflict, "invalid_state", err.Error()
	case errors.Is(err, ErrDisputed):
		status, code, message = http.StatusConflict, "disputed", err.Error()
	case errors.Is(err, ErrPaymentRequired):
		status, code, message = http.StatusConflict, "payment_required", err.Error()
	case errors.Is(err, offers.ErrInvalidInput):
		status, code, message = http.StatusBadRequest, "invalid_input", err.Error()
	case errors.Is(err, offers.ErrInvalidState), errors.Is(err, offers.ErrPaymentAttached):
		status, code, message = http.StatusConflict, "invalid_state", err.Error()
	case errors.As(err, &pe):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":         "processor_error",
			"message":       pe.Message,
			"processorCode": pe.Code,
		})
		return
	default:
		logging.L(c.Request.Context()).Error("escrow request failed", "error", err)
	}
	c.JSON(status, gin.H{"error": code, "message": message})
}
