// Package idgen generates identifiers for offers, disputes, alerts and
// release claims.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes used across the service.
const (
	PrefixOffer   = "ofr_"
	PrefixDispute = "dsp_"
	PrefixAlert   = "alr_"
	PrefixClaim   = "clm_"
	PrefixNotice  = "ntf_"
)

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix + 32 hex chars (a dashless UUIDv4).
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// HasPrefix reports whether id was produced by WithPrefix(prefix).
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix) && len(id) == len(prefix)+32
}
