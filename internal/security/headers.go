// Package security provides response-hardening middleware for the settlement API.
package security

import (
	"github.com/gin-gonic/gin"
)

// HeadersMiddleware adds security headers to all responses. The API only
// serves JSON to the marketplace backend, so nothing may be framed,
// scripted or cached.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		// Escrow state and payout details must not linger in intermediary caches.
		c.Header("Cache-Control", "no-store")

		c.Next()
	}
}
