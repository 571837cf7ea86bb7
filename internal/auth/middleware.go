// Package auth authenticates calls from the marketplace web app.
//
// End users never talk to this service directly. The web app authenticates
// them, then forwards their id in X-User-ID alongside a shared bearer token.
// Admin routes additionally require X-Admin-Secret.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kunsthall/settlement/internal/logging"
	"github.com/kunsthall/settlement/internal/validation"
)

const (
	// ContextKeyUserID is the key for storing the forwarded user id in gin context
	ContextKeyUserID = "authUserID"
	// ContextKeyAdmin marks requests that passed RequireAdmin
	ContextKeyAdmin = "authAdmin"

	HeaderUserID      = "X-User-ID"
	HeaderAdminSecret = "X-Admin-Secret"
)

// Config holds the shared secrets. An empty InternalToken disables the
// bearer check (development only; config validation enforces it elsewhere).
type Config struct {
	InternalToken string
	AdminSecret   string
}

// Middleware checks the internal bearer token and records X-User-ID.
func Middleware(cfg Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.InternalToken != "" {
			token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
			if !ok || !secureEqual(token, cfg.InternalToken) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "unauthorized",
					"message": "Internal API token required. Include 'Authorization: Bearer <token>' header.",
				})
				return
			}
		}

		if userID := strings.TrimSpace(c.GetHeader(HeaderUserID)); userID != "" {
			if !validation.IsValidExternalID(userID) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_input",
					"message": "X-User-ID is malformed",
				})
				return
			}
			c.Set(ContextKeyUserID, userID)
			c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), userID))
		}

		c.Next()
	}
}

// RequireUser rejects requests without a forwarded user id.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if UserID(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "X-User-ID header required.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin checks X-Admin-Secret. With no secret configured every
// admin call is refused.
func RequireAdmin(cfg Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.AdminSecret == "" || !secureEqual(c.GetHeader(HeaderAdminSecret), cfg.AdminSecret) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin access required.",
			})
			return
		}
		c.Set(ContextKeyAdmin, true)
		c.Next()
	}
}

// UserID returns the forwarded user id, or "" when absent.
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// IsAdmin reports whether the request passed RequireAdmin.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ContextKeyAdmin)
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
