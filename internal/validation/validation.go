// Package validation provides input validation helpers for the settlement API.
package validation

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kunsthall/settlement/internal/idgen"
)

// MaxRequestSize is the maximum request body size (256KB)
const MaxRequestSize = 256 << 10

// Field limits.
const (
	MaxMessageLength     = 2000
	MaxReasonLength      = 200
	MaxDescriptionLength = 5000
	MaxAttachments       = 10
)

// External identifiers (users, artworks) come from the marketplace and are
// opaque, but they end up in log lines, processor metadata and SQL params.
var externalIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,63}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidExternalID checks a marketplace-issued user or artwork id.
func IsValidExternalID(id string) bool {
	return externalIDRegex.MatchString(id)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ExternalID checks that a non-empty field looks like a marketplace id.
func ExternalID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidExternalID(value) {
			return &ValidationError{Field: field, Message: "must be 1-64 characters of letters, digits, '_', '.', ':' or '-'"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// PositiveCents checks a minor-unit amount is greater than zero.
func PositiveCents(field string, cents int64) func() *ValidationError {
	return func() *ValidationError {
		if cents <= 0 {
			return &ValidationError{Field: field, Message: "must be a positive amount in minor units"}
		}
		return nil
	}
}

// AttachmentURLs checks attachment links are absolute https URLs and not too many.
func AttachmentURLs(field string, urls []string) func() *ValidationError {
	return func() *ValidationError {
		if len(urls) > MaxAttachments {
			return &ValidationError{Field: field, Message: "too many attachments"}
		}
		for _, raw := range urls {
			u, err := url.Parse(raw)
			if err != nil || u.Scheme != "https" || u.Host == "" {
				return &ValidationError{Field: field, Message: "attachments must be https URLs"}
			}
		}
		return nil
	}
}

// IDParamMiddleware rejects :param values that do not carry the expected
// prefix before they reach a store lookup.
func IDParamMiddleware(param, prefix string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param(param)
		if id != "" && !idgen.HasPrefix(id, prefix) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_input",
				"message": param + " must start with " + prefix,
			})
			return
		}
		c.Next()
	}
}
