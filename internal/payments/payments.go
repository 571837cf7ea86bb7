// Package payments adapts the external payment processor: capture
// verification, payouts to connected accounts and payout readiness.
package payments

import (
	"context"
	"errors"
	"fmt"
)

// Processor error codes produced locally rather than by the processor.
const (
	CodeUnavailable = "processor_unavailable"
	CodeUnknown     = "processor_error"
)

// ErrNoPayoutAccount means the user has no payout destination registered.
var ErrNoPayoutAccount = errors.New("no payout account registered")

// ProcessorError carries the processor's own code and message so callers can
// show a specific reason.
type ProcessorError struct {
	Op      string
	Code    string
	Message string
	// Refused is set when the processor answered and rejected the request,
	// so nothing was paid and the idempotency key is spent.
	Refused bool
	Err     error
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("payment processor %s failed: %s: %s", e.Op, e.Code, e.Message)
}

func (e *ProcessorError) Unwrap() error { return e.Err }

// IsRefused reports whether err is a definite processor rejection. Outages,
// timeouts and server errors leave the outcome unknown and return false.
func IsRefused(err error) bool {
	var pe *ProcessorError
	return errors.As(err, &pe) && pe.Refused
}

// TransferRequest describes a payout to a connected account. Amounts are in
// minor units.
type TransferRequest struct {
	AmountCents        int64
	Currency           string
	DestinationAccount string
	TransferGroup      string
	IdempotencyKey     string
	Description        string
	Metadata           map[string]string
}

// Processor is the payment processor as seen by escrow and settlement.
type Processor interface {
	// VerifyCaptured reports whether paymentRef refers to a captured payment.
	VerifyCaptured(ctx context.Context, paymentRef string) (bool, error)
	// Transfer pays out and returns the processor's transfer reference.
	// Repeating a request with the same IdempotencyKey must not pay twice.
	Transfer(ctx context.Context, req TransferRequest) (string, error)
	// PayoutReady reports whether accountID can receive payouts.
	PayoutReady(ctx context.Context, accountID string) (bool, error)
	// PingContext reports processor availability for health checks.
	PingContext(ctx context.Context) error
}
