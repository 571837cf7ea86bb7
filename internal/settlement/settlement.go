// Package settlement pays the seller once both parties have approved.
//
// Release re-reads the offer and approval on every call and checks, in
// order: both approved, not yet released, payment present, not disputed,
// seller payout-ready. It then claims the release with a conditional
// update, transfers the seller's share and records the transfer. Only the
// claim holder ever calls the processor, so concurrent releases of the same
// offer produce one transfer.
//
// Transfers are keyed by offer and release attempt. A refusal by the
// processor advances the attempt so the next try is a new request; any other
// failure keeps the key, so a retry cannot pay twice.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kunsthall/settlement/internal/commission"
	"github.com/kunsthall/settlement/internal/escrow"
	"github.com/kunsthall/settlement/internal/idgen"
	"github.com/kunsthall/settlement/internal/logging"
	"github.com/kunsthall/settlement/internal/metrics"
	"github.com/kunsthall/settlement/internal/offers"
	"github.com/kunsthall/settlement/internal/payments"
	"github.com/kunsthall/settlement/internal/traces"
)

var (
	ErrApprovalIncomplete   = errors.New("both parties must approve before funds are released")
	ErrPaymentMissing       = errors.New("offer has no captured payment")
	ErrSellerPayoutNotReady = errors.New("seller cannot receive payouts yet")
	ErrUnauthorized         = errors.New("not authorized to release this offer")
)

// Notification and alert keys sent by this package.
const (
	TemplateFundsReleased = "funds_released"

	AlertReleaseUnrecorded = "release_unrecorded"
)

// DefaultClaimTTL is how long a release claim blocks other executors.
const DefaultClaimTTL = 10 * time.Minute

// NoTransferPrefix marks the transfer reference of a release that paid the
// seller nothing.
const NoTransferPrefix = "none_"

// IncompleteError names the parties whose approval is still missing.
type IncompleteError struct {
	Missing []offers.Role
}

func (e *IncompleteError) Error() string {
	parts := make([]string, len(e.Missing))
	for i, r := range e.Missing {
		parts[i] = string(r)
	}
	return fmt.Sprintf("%s: waiting on %s", ErrApprovalIncomplete, strings.Join(parts, " and "))
}

func (e *IncompleteError) Unwrap() error { return ErrApprovalIncomplete }

// Offers is the slice of the offer service the executor reads.
type Offers interface {
	Get(ctx context.Context, id string) (*offers.Offer, error)
}

// Notifier queues a user notification without blocking.
type Notifier interface {
	Notify(ctx context.Context, userID, template string, payload map[string]any)
}

// Alerter records an admin alert without blocking.
type Alerter interface {
	Alert(ctx context.Context, kind, offerID, message string, details map[string]any)
}

// Config holds the executor's settings.
type Config struct {
	Rates    commission.Rates
	Currency string
	// ClaimTTL is how old a claim must be before another executor may take
	// it over.
	ClaimTTL time.Duration
}

// Executor performs releases.
type Executor struct {
	offers    Offers
	approvals escrow.Store
	accounts  payments.AccountStore
	processor payments.Processor
	cfg       Config
	notifier  Notifier
	alerter   Alerter
	now       func() time.Time
}

// NewExecutor creates a settlement executor.
func NewExecutor(offerSvc Offers, approvals escrow.Store, accounts payments.AccountStore, processor payments.Processor, cfg Config) *Executor {
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = DefaultClaimTTL
	}
	if cfg.Currency == "" {
		cfg.Currency = "nok"
	}
	return &Executor{
		offers:    offerSvc,
		approvals: approvals,
		accounts:  accounts,
		processor: processor,
		cfg:       cfg,
		now:       time.Now,
	}
}

// WithNotifier adds a notification dispatcher.
func (e *Executor) WithNotifier(n Notifier) *Executor {
	e.notifier = n
	return e
}

// WithAlerter adds an admin alert recorder.
func (e *Executor) WithAlerter(a Alerter) *Executor {
	e.alerter = a
	return e
}

// Quote returns the split of totalCents at the configured rates.
func (e *Executor) Quote(totalCents int64) (commission.Amounts, error) {
	return commission.Calculate(totalCents, e.cfg.Rates)
}

// ReleaseFor releases on behalf of callerID, who must be a party to the offer.
func (e *Executor) ReleaseFor(ctx context.Context, offerID, callerID string) (*escrow.Approval, error) {
	offer, err := e.offers.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if _, ok := offer.RoleOf(callerID); !ok {
		return nil, ErrUnauthorized
	}
	return e.Release(ctx, offerID)
}

// Release pays out a fully approved offer and returns the released approval.
func (e *Executor) Release(ctx context.Context, offerID string) (a *escrow.Approval, err error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "settlement.Release", traces.OfferID(offerID))
	defer func() {
		traces.End(span, err)
		metrics.ReleasesTotal.WithLabelValues(resultLabel(err)).Inc()
		metrics.ReleaseDuration.Observe(time.Since(start).Seconds())
	}()

	offer, err := e.offers.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}
	a, err = e.approvals.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}
	account, err := e.checkPreconditions(ctx, offer, a)
	if err != nil {
		return nil, err
	}

	amounts, err := commission.Calculate(offer.OfferedPriceCents, e.cfg.Rates)
	if err != nil {
		return nil, fmt.Errorf("failed to compute settlement split: %w", err)
	}

	// Once claimed, the release must run to completion or abandonment even
	// if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	now := e.now().UTC()
	claimID := idgen.WithPrefix(idgen.PrefixClaim)
	attempt, claimed, err := e.approvals.ClaimRelease(ctx, offerID, claimID, now, now.Add(-e.cfg.ClaimTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to claim release: %w", err)
	}
	if !claimed {
		return nil, e.claimRefused(ctx, offerID)
	}

	transferRef, err := e.transfer(ctx, offer, account, amounts, attempt)
	if err != nil {
		refused := payments.IsRefused(err)
		if abandonErr := e.approvals.AbandonRelease(ctx, offerID, claimID, refused); abandonErr != nil {
			logging.L(ctx).Error("failed to abandon release claim",
				"offerId", offerID, "claimId", claimID, "error", abandonErr)
		}
		logging.L(ctx).Warn("release transfer failed",
			"offerId", offerID, "attempt", attempt, "refused", refused, "error", err)
		return nil, err
	}
	span.SetAttributes(traces.TransferRef(transferRef), traces.AmountCents(amounts.SellerAmountCents))

	err = e.approvals.CompleteRelease(ctx, offerID, claimID, transferRef, amounts, e.now().UTC())
	if errors.Is(err, escrow.ErrClaimLost) {
		return nil, e.completionLost(ctx, offerID, transferRef, amounts)
	}
	if err != nil {
		e.alert(ctx, AlertReleaseUnrecorded, offerID,
			"transfer succeeded but the release could not be recorded",
			map[string]any{"transferRef": transferRef, "error": err.Error()})
		return nil, fmt.Errorf("failed to record release: %w", err)
	}

	recordSettled(amounts)
	logging.L(ctx).Info("funds released",
		"offerId", offerID,
		"transferRef", transferRef,
		"sellerAmountCents", amounts.SellerAmountCents,
		"platformFeeCents", amounts.PlatformFeeCents,
		"vatCents", amounts.VATCents,
	)

	released, err := e.approvals.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"offerId":           offerID,
		"artworkId":         offer.ArtworkID,
		"sellerAmountCents": amounts.SellerAmountCents,
		"transferRef":       transferRef,
	}
	e.notify(ctx, offer.SellerID, TemplateFundsReleased, payload)
	e.notify(ctx, offer.BuyerID, TemplateFundsReleased, payload)
	return released, nil
}

// checkPreconditions returns the seller's payout account when the offer may
// be released. The order decides which error a caller sees first.
func (e *Executor) checkPreconditions(ctx context.Context, offer *offers.Offer, a *escrow.Approval) (*payments.PayoutAccount, error) {
	if !a.BothApproved() {
		return nil, &IncompleteError{Missing: a.Missing()}
	}
	if a.FundsReleased {
		return nil, escrow.ErrAlreadyReleased
	}
	if offer.PaymentRef == "" {
		return nil, ErrPaymentMissing
	}
	if offer.Status == offers.StatusDisputed {
		return nil, escrow.ErrDisputed
	}
	if offer.Status != offers.StatusAccepted {
		return nil, fmt.Errorf("%w: offer is %s", offers.ErrInvalidState, offer.Status)
	}

	account, err := e.accounts.Get(ctx, offer.SellerID)
	if errors.Is(err, payments.ErrNoPayoutAccount) {
		return nil, fmt.Errorf("%w: no payout account registered", ErrSellerPayoutNotReady)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payout account: %w", err)
	}
	ready, err := e.processor.PayoutReady(ctx, account.AccountID)
	if err != nil {
		return nil, err
	}
	if !ready {
		return nil, fmt.Errorf("%w: payout account %s is not enabled", ErrSellerPayoutNotReady, account.AccountID)
	}
	return account, nil
}

// transfer pays the seller's share. A sale whose whole price went to fees
// has nothing to pay and is recorded under a reference of its own.
func (e *Executor) transfer(ctx context.Context, offer *offers.Offer, account *payments.PayoutAccount, amounts commission.Amounts, attempt int) (string, error) {
	if amounts.SellerAmountCents == 0 {
		logging.L(ctx).Warn("seller share rounds to zero, recording release without a transfer",
			"offerId", offer.ID, "totalCents", amounts.TotalCents)
		return NoTransferPrefix + offer.ID, nil
	}
	return e.processor.Transfer(ctx, e.transferRequest(offer, account, amounts, attempt))
}

func (e *Executor) transferRequest(offer *offers.Offer, account *payments.PayoutAccount, amounts commission.Amounts, attempt int) payments.TransferRequest {
	metadata := amounts.Metadata()
	metadata["offer_id"] = offer.ID
	metadata["artwork_id"] = offer.ArtworkID
	metadata["buyer_id"] = offer.BuyerID
	metadata["seller_id"] = offer.SellerID
	metadata["payment_ref"] = offer.PaymentRef
	metadata["release_attempt"] = strconv.Itoa(attempt)

	return payments.TransferRequest{
		AmountCents:        amounts.SellerAmountCents,
		Currency:           e.cfg.Currency,
		DestinationAccount: account.AccountID,
		TransferGroup:      offer.ID,
		IdempotencyKey:     fmt.Sprintf("release_%s_%d", offer.ID, attempt),
		Description:        fmt.Sprintf("Artwork sale %s (offer %s)", offer.ArtworkID, offer.ID),
		Metadata:           metadata,
	}
}

// claimRefused explains why the conditional claim matched no row.
func (e *Executor) claimRefused(ctx context.Context, offerID string) error {
	offer, err := e.offers.Get(ctx, offerID)
	if err == nil && offer.Status == offers.StatusDisputed {
		return escrow.ErrDisputed
	}
	return escrow.ErrAlreadyReleased
}

// completionLost handles a transfer that succeeded after our claim was
// taken over. The same idempotency key means the other executor received
// the same transfer, so a released row with our ref is the normal outcome.
func (e *Executor) completionLost(ctx context.Context, offerID, transferRef string, amounts commission.Amounts) error {
	current, err := e.approvals.Get(ctx, offerID)
	if err == nil && current.FundsReleased && current.ReleaseTransferRef == transferRef {
		return escrow.ErrAlreadyReleased
	}
	logging.L(ctx).Error("release claim lost after transfer",
		"offerId", offerID, "transferRef", transferRef, "sellerAmountCents", amounts.SellerAmountCents)
	e.alert(ctx, AlertReleaseUnrecorded, offerID,
		"transfer succeeded but the release claim was lost",
		map[string]any{"transferRef": transferRef, "sellerAmountCents": amounts.SellerAmountCents})
	return fmt.Errorf("release of %s not recorded: %w", offerID, escrow.ErrClaimLost)
}

// RetryPending releases approvals that are fully approved but unpaid, such
// as those whose seller was not payout-ready when the second approval
// landed. It returns how many were released.
func (e *Executor) RetryPending(ctx context.Context, limit int) (int, error) {
	ready, err := e.approvals.ListReadyToRelease(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list releasable approvals: %w", err)
	}
	released := 0
	for _, a := range ready {
		if ctx.Err() != nil {
			break
		}
		if _, err := e.Release(ctx, a.OfferID); err != nil {
			logRetryFailure(ctx, a.OfferID, err)
			continue
		}
		released++
	}
	if released > 0 {
		metrics.SweepAffectedTotal.WithLabelValues("settlement_retry").Add(float64(released))
	}
	return released, nil
}

// ReleaseHook adapts Release to escrow's both-approved callback. Failures
// are logged; the retry timer picks the offer up later.
func (e *Executor) ReleaseHook(ctx context.Context, a *escrow.Approval) {
	if _, err := e.Release(ctx, a.OfferID); err != nil {
		logRetryFailure(ctx, a.OfferID, err)
	}
}

func logRetryFailure(ctx context.Context, offerID string, err error) {
	switch {
	case errors.Is(err, escrow.ErrAlreadyReleased), errors.Is(err, escrow.ErrDisputed):
		logging.L(ctx).Debug("release skipped", "offerId", offerID, "reason", err)
	case errors.Is(err, ErrSellerPayoutNotReady):
		logging.L(ctx).Info("release waiting on seller payout account", "offerId", offerID, "reason", err)
	default:
		logging.L(ctx).Warn("release failed", "offerId", offerID, "error", err)
	}
}

func (e *Executor) notify(ctx context.Context, userID, template string, payload map[string]any) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(ctx, userID, template, payload)
}

func (e *Executor) alert(ctx context.Context, kind, offerID, message string, details map[string]any) {
	if e.alerter == nil {
		return
	}
	e.alerter.Alert(ctx, kind, offerID, message, details)
}

func recordSettled(a commission.Amounts) {
	metrics.SettledCentsTotal.WithLabelValues("total").Add(float64(a.TotalCents))
	metrics.SettledCentsTotal.WithLabelValues("platform_fee").Add(float64(a.PlatformFeeCents))
	metrics.SettledCentsTotal.WithLabelValues("vat").Add(float64(a.VATCents))
	metrics.SettledCentsTotal.WithLabelValues("seller").Add(float64(a.SellerAmountCents))
}

func resultLabel(err error) string {
	var pe *payments.ProcessorError
	switch {
	case err == nil:
		return "released"
	case errors.Is(err, ErrApprovalIncomplete):
		return "approval_incomplete"
	case errors.Is(err, escrow.ErrAlreadyReleased):
		return "already_released"
	case errors.Is(err, ErrPaymentMissing):
		return "payment_missing"
	case errors.Is(err, escrow.ErrDisputed):
		return "disputed"
	case errors.Is(err, ErrSellerPayoutNotReady):
		return "seller_payout_not_ready"
	case errors.As(err, &pe):
		return "processor_error"
	default:
		return "error"
	}
}
