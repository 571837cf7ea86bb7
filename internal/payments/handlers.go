package payments

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kunsthall/settlement/internal/logging"
	"github.com/kunsthall/settlement/internal/validation"
)

// Handler exposes the payout account directory to admins.
type Handler struct {
	accounts AccountStore
}

// NewHandler creates a new payout account handler.
func NewHandler(accounts AccountStore) *Handler {
	return &Handler{accounts: accounts}
}

// RegisterAdminRoutes sets up admin-only directory routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.PUT("/payout-accounts/:userId", h.PutAccount)
	r.GET("/payout-accounts/:userId", h.GetAccount)
}

// PutAccountRequest registers a connected account.
type PutAccountRequest struct {
	AccountID string `json:"accountId"`
}

// PutAccount handles PUT /v1/admin/payout-accounts/:userId
func (h *Handler) PutAccount(c *gin.Context) {
	userID := c.Param("userId")
	var req PutAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_input",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ExternalID("userId", userID),
		validation.Required("accountId", req.AccountID),
		validation.ExternalID("accountId", req.AccountID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_input",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	acct, err := h.accounts.Put(c.Request.Context(), userID, req.AccountID, time.Now().UTC())
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to register payout account", "userId", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
		return
	}
	logging.L(c.Request.Context()).Info("payout account registered", "userId", userID, "accountId", req.AccountID)
	c.JSON(http.StatusOK, gin.H{"payoutAccount": acct})
}

// GetAccount handles GET /v1/admin/payout-accounts/:userId
func (h *Handler) GetAccount(c *gin.Context) {
	acct, err := h.accounts.Get(c.Request.Context(), c.Param("userId"))
	if errors.Is(err, ErrNoPayoutAccount) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to load payout account", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payoutAccount": acct})
}
