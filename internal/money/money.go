// Package money converts between integer minor-unit amounts and the
// decimal strings used at the edges (configuration, display).
//
// Every amount inside the service is an int64 count of minor units (øre,
// cents). Decimal values exist only while parsing input or rendering
// output; core arithmetic never sees them.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// MinorDigits is the number of minor-unit digits for supported currencies.
const MinorDigits = 2

// BasisPointsPerPercent converts a percent into basis points.
const BasisPointsPerPercent = 100

// MaxBasisPoints is 100%.
const MaxBasisPoints = 100 * BasisPointsPerPercent

// maxMinor keeps parsed amounts well inside int64 so that rate
// multiplication in basis points cannot overflow.
const maxMinor = 1 << 50

var (
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrInvalidPercent = errors.New("invalid percent")
)

// ParseMajor converts a major-unit decimal string ("1250.50") into minor
// units (125050). More than two fractional digits, negative values and
// empty input are rejected.
func ParseMajor(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	if d.IsNegative() {
		return 0, ErrInvalidAmount
	}
	minor := d.Shift(MinorDigits)
	if !minor.IsInteger() || minor.GreaterThan(decimal.NewFromInt(maxMinor)) {
		return 0, ErrInvalidAmount
	}
	return minor.IntPart(), nil
}

// FormatMajor renders minor units as a major-unit string with exactly two
// fractional digits (125050 -> "1250.50").
func FormatMajor(minor int64) string {
	return decimal.New(minor, -MinorDigits).StringFixed(MinorDigits)
}

// ParsePercent converts a percent string ("20", "12.5", "0.25") into basis
// points. At most two fractional digits are accepted, and the result must
// lie within 0..100%.
func ParsePercent(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidPercent
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, ErrInvalidPercent
	}
	bps := d.Mul(decimal.NewFromInt(BasisPointsPerPercent))
	if !bps.IsInteger() {
		return 0, ErrInvalidPercent
	}
	v := bps.IntPart()
	if v < 0 || v > MaxBasisPoints {
		return 0, ErrInvalidPercent
	}
	return v, nil
}

// FormatPercent renders basis points as a percent string (2000 -> "20").
func FormatPercent(bps int64) string {
	return decimal.New(bps, -2).String()
}
