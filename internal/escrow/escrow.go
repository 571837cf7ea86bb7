// Package escrow tracks dual-party sign-off on funded offers.
//
// Flow:
//  1. Payment captured for an accepted offer → approval opened with a deadline
//  2. Buyer confirms receipt, seller confirms handover (either order)
//  3. Second approval lands → settlement hook fires
//  4. Deadline passes without both approvals → flagged stalled, admins alerted
//
// Approval flags only ever move from false to true, each through a
// conditional update, so a repeated approval is reported rather than applied.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kunsthall/settlement/internal/commission"
	"github.com/kunsthall/settlement/internal/logging"
	"github.com/kunsthall/settlement/internal/metrics"
	"github.com/kunsthall/settlement/internal/offers"
)

var (
	ErrApprovalNotFound = errors.New("escrow approval not found")
	ErrAlreadyOpen      = errors.New("escrow already open for this offer")
	ErrAlreadyApproved  = errors.New("party has already approved")
	ErrAlreadyReleased  = errors.New("funds already released")
	ErrPaymentRequired  = errors.New("offer must be accepted with a captured payment")
	ErrDisputed         = errors.New("offer is under dispute")
	ErrUnauthorized     = errors.New("not authorized for this escrow operation")
	// ErrClaimLost means the release claim was taken over before it could be completed.
	ErrClaimLost = errors.New("release claim no longer held")
)

// Notification template keys sent by this package.
const (
	TemplateEscrowOpened    = "escrow_opened"
	TemplateEscrowApproved  = "escrow_approved"
	TemplateEscrowStalled   = "escrow_stalled"
	TemplateDeadlineWarning = "escrow_deadline_warning"

	AlertEscrowStalled = "escrow_stalled"
)

// Approval is the escrow sign-off record of one funded offer.
type Approval struct {
	OfferID            string              `json:"offerId"`
	BuyerID            string              `json:"buyerId"`
	SellerID           string              `json:"sellerId"`
	BuyerApproved      bool                `json:"buyerApproved"`
	SellerApproved     bool                `json:"sellerApproved"`
	BuyerApprovedAt    *time.Time          `json:"buyerApprovedAt,omitempty"`
	SellerApprovedAt   *time.Time          `json:"sellerApprovedAt,omitempty"`
	FundsReleased      bool                `json:"fundsReleased"`
	ReleaseTransferRef string              `json:"releaseTransferRef,omitempty"`
	Amounts            *commission.Amounts `json:"amounts,omitempty"`
	ReleasedAt         *time.Time          `json:"releasedAt,omitempty"`
	ApprovalDeadline   time.Time           `json:"approvalDeadline"`
	IsStalled          bool                `json:"isStalled"`
	StalledAt          *time.Time          `json:"stalledAt,omitempty"`
	DeadlineWarnedAt   *time.Time          `json:"deadlineWarnedAt,omitempty"`
	CreatedAt          time.Time           `json:"createdAt"`
	UpdatedAt          time.Time           `json:"updatedAt"`

	// Release claim held by an in-flight settlement.
	ReleaseClaimID   string     `json:"-"`
	ReleaseClaimedAt *time.Time `json:"-"`
	// ReleaseAttempt counts transfers the processor refused. Each attempt
	// pays out under its own idempotency key.
	ReleaseAttempt int `json:"releaseAttempt"`
}

// BothApproved reports whether buyer and seller have both signed off.
func (a *Approval) BothApproved() bool {
	return a.BuyerApproved && a.SellerApproved
}

// Missing lists the parties that have not approved yet.
func (a *Approval) Missing() []offers.Role {
	var missing []offers.Role
	if !a.BuyerApproved {
		missing = append(missing, offers.RoleBuyer)
	}
	if !a.SellerApproved {
		missing = append(missing, offers.RoleSeller)
	}
	return missing
}

// PartyID returns the user id holding role on this approval.
func (a *Approval) PartyID(role offers.Role) string {
	if role == offers.RoleBuyer {
		return a.BuyerID
	}
	return a.SellerID
}

// Store persists approvals. Every mutation is a conditional update.
type Store interface {
	// Create inserts a new approval; ErrAlreadyOpen if one exists.
	Create(ctx context.Context, a *Approval) error
	Get(ctx context.Context, offerID string) (*Approval, error)

	// Approve sets role's flag if it is false and funds are not released.
	// applied is false when nothing changed; bothApproved reports the state
	// after this update, so exactly one caller sees the second approval land.
	Approve(ctx context.Context, offerID string, role offers.Role, now time.Time) (applied, bothApproved bool, err error)

	// MarkStalled flags every approval past its deadline without both
	// approvals, returning only the rows flagged by this call.
	MarkStalled(ctx context.Context, now time.Time) ([]*Approval, error)
	// MarkDeadlineWarnings stamps approvals whose deadline falls within lead
	// and that have not been warned yet, returning the stamped rows.
	MarkDeadlineWarnings(ctx context.Context, now time.Time, lead time.Duration) ([]*Approval, error)

	// ClaimRelease takes the release claim when both parties approved, funds
	// are unreleased, the offer is accepted with a payment, and no claim
	// newer than staleBefore exists. It returns the current release attempt;
	// taking over a stale claim keeps the attempt of the claim it replaces.
	ClaimRelease(ctx context.Context, offerID, claimID string, now, staleBefore time.Time) (attempt int, claimed bool, err error)
	// CompleteRelease records the transfer under claimID. ErrClaimLost when
	// the claim is no longer held.
	CompleteRelease(ctx context.Context, offerID, claimID, transferRef string, amounts commission.Amounts, now time.Time) error
	// AbandonRelease drops claimID. refused advances the release attempt,
	// for transfers the processor definitely did not make.
	AbandonRelease(ctx context.Context, offerID, claimID string, refused bool) error
	// ListReadyToRelease returns approved, unreleased approvals.
	ListReadyToRelease(ctx context.Context, limit int) ([]*Approval, error)
}

// Offers is the slice of the offer service escrow depends on.
type Offers interface {
	Get(ctx context.Context, id string) (*offers.Offer, error)
	AttachPayment(ctx context.Context, id, paymentRef, linkRef string) (*offers.Offer, error)
}

// PaymentVerifier confirms with the payment processor that a payment was captured.
type PaymentVerifier interface {
	VerifyCaptured(ctx context.Context, paymentRef string) (bool, error)
}

// Notifier queues a user notification without blocking.
type Notifier interface {
	Notify(ctx context.Context, userID, template string, payload map[string]any)
}

// Alerter records an admin alert without blocking.
type Alerter interface {
	Alert(ctx context.Context, kind, offerID, message string, details map[string]any)
}

// Service implements the approval tracker.
type Service struct {
	store    Store
	offers   Offers
	window   time.Duration
	verifier PaymentVerifier
	notifier Notifier
	alerter  Alerter
	onBoth   func(ctx context.Context, a *Approval)
	now      func() time.Time
}

// NewService creates a new escrow service. window is the time both parties
// get to approve before the approval is flagged stalled.
func NewService(store Store, offerSvc Offers, window time.Duration) *Service {
	return &Service{
		store:  store,
		offers: offerSvc,
		window: window,
		now:    time.Now,
	}
}

// WithPaymentVerifier makes Open confirm capture with the processor.
func (s *Service) WithPaymentVerifier(v PaymentVerifier) *Service {
	s.verifier = v
	return s
}

// WithNotifier adds a notification dispatcher.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithAlerter adds an admin alert recorder.
func (s *Service) WithAlerter(a Alerter) *Service {
	s.alerter = a
	return s
}

// OnBothApproved registers fn to run once, synchronously, when the second
// approval lands. fn owns its own error handling.
func (s *Service) OnBothApproved(fn func(ctx context.Context, a *Approval)) *Service {
	s.onBoth = fn
	return s
}

// Open creates the approval record for an accepted, paid offer.
func (s *Service) Open(ctx context.Context, offerID string) (*Approval, error) {
	offer, err := s.offers.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.Status != offers.StatusAccepted || offer.PaymentRef == "" {
		return nil, ErrPaymentRequired
	}
	if s.verifier != nil {
		captured, err := s.verifier.VerifyCaptured(ctx, offer.PaymentRef)
		if err != nil {
			return nil, fmt.Errorf("failed to verify payment: %w", err)
		}
		if !captured {
			return nil, fmt.Errorf("%w: payment %s is not captured", ErrPaymentRequired, offer.PaymentRef)
		}
	}

	now := s.now().UTC()
	a := &Approval{
		OfferID:          offer.ID,
		BuyerID:          offer.BuyerID,
		SellerID:         offer.SellerID,
		ApprovalDeadline: now.Add(s.window),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.Create(ctx, a); err != nil {
		return nil, err
	}

	metrics.EscrowsOpenedTotal.Inc()
	logging.L(ctx).Info("escrow opened", "offerId", offerID, "deadline", a.ApprovalDeadline)
	payload := s.payload(a)
	s.notify(ctx, a.BuyerID, TemplateEscrowOpened, payload)
	s.notify(ctx, a.SellerID, TemplateEscrowOpened, payload)
	return a, nil
}

// Fund records the captured payment on the offer and opens escrow. Repeated
// calls with the same payment return the existing approval.
func (s *Service) Fund(ctx context.Context, offerID, paymentRef, linkRef string) (*Approval, error) {
	if _, err := s.offers.AttachPayment(ctx, offerID, paymentRef, linkRef); err != nil {
		return nil, err
	}
	a, err := s.Open(ctx, offerID)
	if errors.Is(err, ErrAlreadyOpen) {
		return s.store.Get(ctx, offerID)
	}
	return a, err
}

// ApproveAsBuyer records the buyer's sign-off.
func (s *Service) ApproveAsBuyer(ctx context.Context, offerID, callerID string) (*Approval, error) {
	return s.approve(ctx, offerID, callerID, offers.RoleBuyer)
}

// ApproveAsSeller records the seller's sign-off.
func (s *Service) ApproveAsSeller(ctx context.Context, offerID, callerID string) (*Approval, error) {
	return s.approve(ctx, offerID, callerID, offers.RoleSeller)
}

// Approve records callerID's sign-off in whichever role they hold.
func (s *Service) Approve(ctx context.Context, offerID, callerID string) (*Approval, error) {
	offer, err := s.offers.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}
	role, ok := offer.RoleOf(callerID)
	if !ok {
		return nil, ErrUnauthorized
	}
	return s.approve(ctx, offerID, callerID, role)
}

func (s *Service) approve(ctx context.Context, offerID, callerID string, role offers.Role) (*Approval, error) {
	offer, err := s.offers.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if r, ok := offer.RoleOf(callerID); !ok || r != role {
		return nil, ErrUnauthorized
	}
	if offer.Status == offers.StatusDisputed {
		return nil, ErrDisputed
	}

	applied, both, err := s.store.Approve(ctx, offerID, role, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if !applied {
		current, err := s.store.Get(ctx, offerID)
		if err != nil {
			return nil, err
		}
		if current.FundsReleased {
			return nil, ErrAlreadyReleased
		}
		return nil, ErrAlreadyApproved
	}

	metrics.ApprovalsTotal.WithLabelValues(string(role)).Inc()
	logging.L(ctx).Info("escrow approved", "offerId", offerID, "party", role, "bothApproved", both)

	a, err := s.store.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, offer.Counterparty(role), TemplateEscrowApproved, s.payload(a))

	if both && s.onBoth != nil {
		s.onBoth(ctx, a)
		if refreshed, err := s.store.Get(ctx, offerID); err == nil {
			a = refreshed
		}
	}
	return a, nil
}

// SweepStalled flags approvals past their deadline and returns how many were
// newly flagged. Re-running with the same now changes nothing.
func (s *Service) SweepStalled(ctx context.Context, now time.Time) (int, error) {
	stalled, err := s.store.MarkStalled(ctx, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to mark stalled approvals: %w", err)
	}
	for _, a := range stalled {
		payload := s.payload(a)
		s.notify(ctx, a.BuyerID, TemplateEscrowStalled, payload)
		s.notify(ctx, a.SellerID, TemplateEscrowStalled, payload)
		if s.alerter != nil {
			s.alerter.Alert(ctx, AlertEscrowStalled, a.OfferID,
				"escrow approval deadline passed without both approvals", payload)
		}
	}
	if len(stalled) > 0 {
		metrics.SweepAffectedTotal.WithLabelValues("escrow_stalled").Add(float64(len(stalled)))
	}
	return len(stalled), nil
}

// SweepDeadlineWarnings warns parties that have not approved when the
// deadline is within lead. Each approval is warned at most once.
func (s *Service) SweepDeadlineWarnings(ctx context.Context, now time.Time, lead time.Duration) (int, error) {
	if lead <= 0 {
		return 0, nil
	}
	warned, err := s.store.MarkDeadlineWarnings(ctx, now.UTC(), lead)
	if err != nil {
		return 0, fmt.Errorf("failed to mark deadline warnings: %w", err)
	}
	for _, a := range warned {
		payload := s.payload(a)
		for _, role := range a.Missing() {
			s.notify(ctx, a.PartyID(role), TemplateDeadlineWarning, payload)
		}
	}
	if len(warned) > 0 {
		metrics.SweepAffectedTotal.WithLabelValues("escrow_deadline_warning").Add(float64(len(warned)))
	}
	return len(warned), nil
}

// Get returns the approval of an offer.
func (s *Service) Get(ctx context.Context, offerID string) (*Approval, error) {
	return s.store.Get(ctx, offerID)
}

func (s *Service) payload(a *Approval) map[string]any {
	missing := make([]string, 0, 2)
	for _, r := range a.Missing() {
		missing = append(missing, string(r))
	}
	return map[string]any{
		"offerId":          a.OfferID,
		"approvalDeadline": a.ApprovalDeadline.Format(time.RFC3339),
		"missing":          missing,
	}
}

func (s *Service) notify(ctx context.Context, userID, template string, payload map[string]any) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, userID, template, payload)
}
