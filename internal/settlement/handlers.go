package settlement

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kunsthall/settlement/internal/auth"
	"github.com/kunsthall/settlement/internal/commission"
	"github.com/kunsthall/settlement/internal/escrow"
	"github.com/kunsthall/settlement/internal/idgen"
	"github.com/kunsthall/settlement/internal/logging"
	"github.com/kunsthall/settlement/internal/money"
	"github.com/kunsthall/settlement/internal/offers"
	"github.com/kunsthall/settlement/internal/payments"
	"github.com/kunsthall/settlement/internal/validation"
)

// Handler provides HTTP endpoints for settlement.
type Handler struct {
	executor *Executor
}

// NewHandler creates a new settlement handler.
func NewHandler(executor *Executor) *Handler {
	return &Handler{executor: executor}
}

// RegisterRoutes sets up party-facing settlement routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/offers/:id/release", validation.IDParamMiddleware("id", idgen.PrefixOffer), h.Release)
	r.GET("/settlement/quote", h.Quote)
}

// RegisterAdminRoutes lets operators force a release attempt.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/offers/:id/release", validation.IDParamMiddleware("id", idgen.PrefixOffer), h.Release)
}

// Release handles POST /v1/offers/:id/release
func (h *Handler) Release(c *gin.Context) {
	var (
		a   *escrow.Approval
		err error
	)
	if auth.IsAdmin(c) {
		a, err = h.executor.Release(c.Request.Context(), c.Param("id"))
	} else {
		a, err = h.executor.ReleaseFor(c.Request.Context(), c.Param("id"), auth.UserID(c))
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": a})
}

// Quote handles GET /v1/settlement/quote?totalCents=
func (h *Handler) Quote(c *gin.Context) {
	total, err := strconv.ParseInt(c.Query("totalCents"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_input",
			"message": "totalCents must be an integer number of minor units",
		})
		return
	}
	amounts, err := h.executor.Quote(total)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"amounts": amounts,
		"display": gin.H{
			"total":        money.FormatMajor(amounts.TotalCents),
			"platformFee":  money.FormatMajor(amounts.PlatformFeeCents),
			"vat":          money.FormatMajor(amounts.VATCents),
			"sellerAmount": money.FormatMajor(amounts.SellerAmountCents),
		},
		"currency": h.executor.cfg.Currency,
	})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := "Internal error"

	var (
		incomplete *IncompleteError
		pe         *payments.ProcessorError
	)
	switch {
	case errors.As(err, &incomplete):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "approval_incomplete",
			"message": err.Error(),
			"missing": incomplete.Missing,
		})
		return
	case errors.As(err, &pe):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":         "processor_error",
			"message":       pe.Message,
			"processorCode": pe.Code,
		})
		return
	case errors.Is(err, offers.ErrOfferNotFound):
		status, code, message = http.StatusNotFound, "not_found", "Offer not found"
	case errors.Is(err, escrow.ErrApprovalNotFound):
		status, code, message = http.StatusNotFound, "not_found", "Escrow not found"
	case errors.Is(err, ErrUnauthorized):
		status, code, message = http.StatusForbidden, "forbidden", err.Error()
	case errors.Is(err, escrow.ErrAlreadyReleased):
		status, code, message = http.StatusConflict, "already_released", err.Error()
	case errors.Is(err, ErrPaymentMissing):
		status, code, message = http.StatusConflict, "payment_missing", err.Error()
	case errors.Is(err, escrow.ErrDisputed):
		status, code, message = http.StatusConflict, "disputed", err.Error()
	case errors.Is(err, ErrSellerPayoutNotReady):
		status, code, message = http.StatusConflict, "seller_payout_not_ready", err.Error()
	case errors.Is(err, offers.ErrInvalidState):
		status, code, message = http.StatusConflict, "invalid_state", err.Error()
	case errors.Is(err, commission.ErrInvalidAmount), errors.Is(err, commission.ErrInvalidRate):
		status, code, message = http.StatusBadRequest, "invalid_input", err.Error()
	default:
		logging.L(c.Request.Context()).Error("settlement request failed", "error", err)
	}
	c.JSON(status, gin.H{"error": code, "message": message})
}
