// Package commission splits a sale price into the platform commission,
// the VAT charged on that commission, and the seller's remainder.
//
// All values are integer minor units. Rates are basis points (1% = 100).
// The fee is rounded first, then VAT is computed on the rounded fee, and
// the seller amount absorbs whatever is left, so the three parts always
// sum to the sale price.
package commission

import (
	"errors"
	"math"
	"strconv"

	"github.com/kunsthall/settlement/internal/money"
)

var (
	ErrInvalidAmount = errors.New("total price must be a positive number of minor units")
	ErrInvalidRate   = errors.New("rate must be between 0 and 100 percent")
)

const (
	// DefaultCommissionBps is the platform's cut of the sale price (20%).
	DefaultCommissionBps = 2000
	// DefaultVATBps is the VAT rate applied to the platform fee (25%).
	DefaultVATBps = 2500

	bpsDenominator = money.MaxBasisPoints
)

// maxTotal keeps total*bps within int64.
const maxTotal = math.MaxInt64 / bpsDenominator

// Rates configures the split.
type Rates struct {
	CommissionBps int64 `json:"commissionBps"`
	VATBps        int64 `json:"vatBps"`
}

// DefaultRates returns 20% commission and 25% VAT on commission.
func DefaultRates() Rates {
	return Rates{CommissionBps: DefaultCommissionBps, VATBps: DefaultVATBps}
}

// Validate checks both rates are within 0..100% and that together they
// take less than the whole sale price.
func (r Rates) Validate() error {
	if r.CommissionBps < 0 || r.CommissionBps > bpsDenominator {
		return ErrInvalidRate
	}
	if r.VATBps < 0 || r.VATBps > bpsDenominator {
		return ErrInvalidRate
	}
	// Fee plus VAT on the fee must leave the seller a share of the price.
	if r.CommissionBps*(bpsDenominator+r.VATBps) >= bpsDenominator*bpsDenominator {
		return ErrInvalidRate
	}
	return nil
}

// Amounts is the settlement split of one sale.
type Amounts struct {
	TotalCents        int64 `json:"totalCents"`
	PlatformFeeCents  int64 `json:"platformFeeCents"`
	VATCents          int64 `json:"vatCents"`
	SellerAmountCents int64 `json:"sellerAmountCents"`
	CommissionBps     int64 `json:"commissionBps"`
	VATBps            int64 `json:"vatBps"`
}

// Balanced reports whether fee + VAT + seller == total.
func (a Amounts) Balanced() bool {
	return a.PlatformFeeCents+a.VATCents+a.SellerAmountCents == a.TotalCents
}

// Metadata renders the breakdown as string tags for processor audit trails.
func (a Amounts) Metadata() map[string]string {
	return map[string]string{
		"total_cents":         strconv.FormatInt(a.TotalCents, 10),
		"platform_fee_cents":  strconv.FormatInt(a.PlatformFeeCents, 10),
		"vat_cents":           strconv.FormatInt(a.VATCents, 10),
		"seller_amount_cents": strconv.FormatInt(a.SellerAmountCents, 10),
		"commission_rate":     money.FormatPercent(a.CommissionBps),
		"vat_rate":            money.FormatPercent(a.VATBps),
	}
}

// Calculate splits totalCents according to rates.
func Calculate(totalCents int64, rates Rates) (Amounts, error) {
	if totalCents <= 0 || totalCents > maxTotal {
		return Amounts{}, ErrInvalidAmount
	}
	if err := rates.Validate(); err != nil {
		return Amounts{}, err
	}

	fee := applyRate(totalCents, rates.CommissionBps)
	vat := applyRate(fee, rates.VATBps)
	if fee+vat > totalCents {
		return Amounts{}, ErrInvalidRate
	}

	return Amounts{
		TotalCents:        totalCents,
		PlatformFeeCents:  fee,
		VATCents:          vat,
		SellerAmountCents: totalCents - fee - vat,
		CommissionBps:     rates.CommissionBps,
		VATBps:            rates.VATBps,
	}, nil
}

// applyRate returns round_half_up(amount * bps / 10000) for amount >= 0.
func applyRate(amount, bps int64) int64 {
	return (amount*bps + bpsDenominator/2) / bpsDenominator
}
