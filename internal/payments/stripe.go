package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/kunsthall/settlement/internal/circuitbreaker"
	"github.com/kunsthall/settlement/internal/metrics"
	"github.com/kunsthall/settlement/internal/traces"
)

// Breaker keys, one per processor operation.
const (
	opVerify   = "verify_payment"
	opTransfer = "transfer"
	opAccount  = "account"
)

// StripeConfig configures the Stripe Connect adapter.
type StripeConfig struct {
	SecretKey string
	// APIURL overrides the API base URL (stripe-mock, tests).
	APIURL string
	// BreakerThreshold consecutive outages open the circuit for BreakerCooldown.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// StripeProcessor implements Processor on Stripe Connect. Every call goes
// through a per-operation circuit breaker; only outages (5xx, 429, network
// errors) count against it, declines do not.
type StripeProcessor struct {
	api     *client.API
	breaker *circuitbreaker.Breaker
}

// NewStripeProcessor creates a Stripe-backed processor. Network retries are
// disabled: a failed release is retried by the next settlement sweep.
func NewStripeProcessor(cfg StripeConfig) *StripeProcessor {
	backendCfg := &stripe.BackendConfig{MaxNetworkRetries: stripe.Int64(0)}
	connectCfg := &stripe.BackendConfig{MaxNetworkRetries: stripe.Int64(0)}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.APIURL)
		connectCfg.URL = stripe.String(cfg.APIURL)
	}

	api := &client.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, connectCfg),
		Uploads: stripe.GetBackend(stripe.UploadsBackend),
	})

	breaker := circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown)
	breaker.IsFailure = isOutage
	return &StripeProcessor{api: api, breaker: breaker}
}

// VerifyCaptured accepts PaymentIntent (pi_), Checkout Session (cs_) and
// Charge (ch_) references. Unknown or missing references are not captured.
func (p *StripeProcessor) VerifyCaptured(ctx context.Context, paymentRef string) (bool, error) {
	ctx, span := traces.StartSpan(ctx, "stripe.verify_payment")
	var captured bool
	err := p.call(opVerify, func() error {
		var err error
		switch {
		case strings.HasPrefix(paymentRef, "pi_"):
			params := &stripe.PaymentIntentParams{}
			params.Context = ctx
			var pi *stripe.PaymentIntent
			if pi, err = p.api.PaymentIntents.Get(paymentRef, params); err == nil {
				captured = pi.Status == stripe.PaymentIntentStatusSucceeded
			}
		case strings.HasPrefix(paymentRef, "cs_"):
			params := &stripe.CheckoutSessionParams{}
			params.Context = ctx
			var cs *stripe.CheckoutSession
			if cs, err = p.api.CheckoutSessions.Get(paymentRef, params); err == nil {
				captured = cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid
			}
		case strings.HasPrefix(paymentRef, "ch_"):
			params := &stripe.ChargeParams{}
			params.Context = ctx
			var ch *stripe.Charge
			if ch, err = p.api.Charges.Get(paymentRef, params); err == nil {
				captured = ch.Paid && ch.Captured && !ch.Refunded
			}
		}
		return err
	})
	if isMissing(err) {
		err = nil
	}
	traces.End(span, err)
	if err != nil {
		return false, processorError(opVerify, err)
	}
	return captured, nil
}

// Transfer creates a Connect transfer. The idempotency key makes a retried
// release return the original transfer instead of paying again.
func (p *StripeProcessor) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	ctx, span := traces.StartSpan(ctx, "stripe.transfer",
		traces.AmountCents(req.AmountCents), traces.OfferID(req.TransferGroup))

	params := &stripe.TransferParams{
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(req.Currency),
		Destination:   stripe.String(req.DestinationAccount),
		TransferGroup: stripe.String(req.TransferGroup),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	var transferID string
	err := p.call(opTransfer, func() error {
		t, err := p.api.Transfers.New(params)
		if err == nil {
			transferID = t.ID
		}
		return err
	})
	if err == nil {
		span.SetAttributes(traces.TransferRef(transferID))
	}
	traces.End(span, err)
	if err != nil {
		return "", processorError(opTransfer, err)
	}
	return transferID, nil
}

// PayoutReady reports whether the connected account has charges and payouts
// enabled. A deleted or unknown account is not ready.
func (p *StripeProcessor) PayoutReady(ctx context.Context, accountID string) (bool, error) {
	ctx, span := traces.StartSpan(ctx, "stripe.account")
	var ready bool
	err := p.call(opAccount, func() error {
		params := &stripe.AccountParams{}
		params.Context = ctx
		acct, err := p.api.Accounts.GetByID(accountID, params)
		if err == nil {
			ready = acct.ChargesEnabled && acct.PayoutsEnabled
		}
		return err
	})
	if isMissing(err) {
		err = nil
	}
	traces.End(span, err)
	if err != nil {
		return false, processorError(opAccount, err)
	}
	return ready, nil
}

// PingContext fails while any operation's circuit is open. It makes no
// network call.
func (p *StripeProcessor) PingContext(_ context.Context) error {
	for _, op := range []string{opVerify, opTransfer, opAccount} {
		if p.breaker.State(op) == circuitbreaker.StateOpen {
			return fmt.Errorf("payment processor circuit open for %s", op)
		}
	}
	return nil
}

func (p *StripeProcessor) call(op string, fn func() error) error {
	err := p.breaker.Execute(op, fn)
	metrics.ProcessorCallsTotal.WithLabelValues(op, callResult(err)).Inc()
	return err
}

func callResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "unavailable"
	case isOutage(err):
		return "error"
	default:
		return "declined"
	}
}

// isOutage reports whether err means Stripe is unreachable or overloaded
// rather than refusing the request.
func isOutage(err error) bool {
	var se *stripe.Error
	if errors.As(err, &se) {
		return se.HTTPStatusCode == 0 ||
			se.HTTPStatusCode == http.StatusTooManyRequests ||
			se.HTTPStatusCode >= http.StatusInternalServerError
	}
	return err != nil
}

// isRefusal reports whether Stripe answered with a client error it stored
// against the idempotency key. Rate limits and idempotency conflicts are not
// stored, and 5xx answers leave the transfer's fate unknown.
func isRefusal(se *stripe.Error) bool {
	switch {
	case se.HTTPStatusCode < http.StatusBadRequest || se.HTTPStatusCode >= http.StatusInternalServerError:
		return false
	case se.HTTPStatusCode == http.StatusTooManyRequests, se.HTTPStatusCode == http.StatusConflict:
		return false
	case se.Type == stripe.ErrorTypeIdempotency:
		return false
	default:
		return true
	}
}

func isMissing(err error) bool {
	var se *stripe.Error
	return errors.As(err, &se) && se.Code == stripe.ErrorCodeResourceMissing
}

func processorError(op string, err error) error {
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return &ProcessorError{Op: op, Code: CodeUnavailable, Message: "payment processor temporarily unavailable", Err: err}
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		code := string(se.Code)
		if code == "" {
			code = string(se.Type)
		}
		return &ProcessorError{Op: op, Code: code, Message: se.Msg, Refused: isRefusal(se), Err: err}
	}
	return &ProcessorError{Op: op, Code: CodeUnknown, Message: err.Error(), Err: err}
}

// Compile-time assertion that StripeProcessor implements Processor.
var _ Processor = (*StripeProcessor)(nil)
