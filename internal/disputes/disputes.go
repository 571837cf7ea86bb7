// Package disputes lets a party freeze settlement of an accepted offer.
//
// Raising a dispute flips the offer to disputed, which the settlement
// executor treats as a hard stop on every release attempt. An admin later
// resolves it either by resuming settlement or by leaving the offer frozen
// for a manual refund.
package disputes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kunsthall/settlement/internal/escrow"
	"github.com/kunsthall/settlement/internal/idgen"
	"github.com/kunsthall/settlement/internal/logging"
	"github.com/kunsthall/settlement/internal/metrics"
	"github.com/kunsthall/settlement/internal/offers"
	"github.com/kunsthall/settlement/internal/traces"
	"github.com/kunsthall/settlement/internal/validation"
)

var (
	ErrDisputeNotFound   = errors.New("dispute not found")
	ErrAlreadyResolved   = errors.New("dispute already resolved")
	ErrAlreadyOpen       = errors.New("offer already has an open dispute")
	ErrFundsReleased     = fmt.Errorf("%w: funds already released", offers.ErrInvalidState)
	ErrReleaseInFlight   = fmt.Errorf("%w: release already in progress", offers.ErrInvalidState)
	ErrInvalidResolution = fmt.Errorf("%w: resolution must be resume or refund", offers.ErrInvalidInput)
)

// MaxAttachmentLength bounds one attachment reference.
const MaxAttachmentLength = 2048

// Notification and alert keys sent by this package.
const (
	TemplateDisputeRaised   = "dispute_raised"
	TemplateDisputeResolved = "dispute_resolved"

	AlertDisputeRaised = "dispute_raised"
)

// Status is the dispute lifecycle state.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Resolution is the admin's decision on a dispute.
type Resolution string

const (
	// ResolutionResume returns the offer to accepted so settlement proceeds.
	ResolutionResume Resolution = "resume"
	// ResolutionRefund keeps the offer frozen; the refund happens outside
	// this service.
	ResolutionRefund Resolution = "refund"
)

// Dispute is a party's objection to an accepted offer.
type Dispute struct {
	ID             string      `json:"id"`
	OfferID        string      `json:"offerId"`
	InitiatorID    string      `json:"initiatorId"`
	InitiatorRole  offers.Role `json:"initiatorRole"`
	Reason         string      `json:"reason"`
	Description    string      `json:"description,omitempty"`
	Attachments    []string    `json:"attachments"`
	Status         Status      `json:"status"`
	Resolution     Resolution  `json:"resolution,omitempty"`
	ResolutionNote string      `json:"resolutionNote,omitempty"`
	ResolvedBy     string      `json:"resolvedBy,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	ResolvedAt     *time.Time  `json:"resolvedAt,omitempty"`
}

// RaiseRequest contains the parameters for raising a dispute.
type RaiseRequest struct {
	OfferID     string   `json:"-"`
	InitiatorID string   `json:"-"`
	Reason      string   `json:"reason"`
	Description string   `json:"description"`
	Attachments []string `json:"attachments"`
}

// Store persists disputes.
type Store interface {
	// Create inserts d; ErrAlreadyOpen when the offer has an open dispute.
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	ListByOffer(ctx context.Context, offerID string) ([]*Dispute, error)
	// Resolve closes an open dispute; ErrAlreadyResolved when it is not open.
	Resolve(ctx context.Context, id string, resolution Resolution, note, adminID string, now time.Time) error
}

// Offers is the slice of the offer service disputes drive.
type Offers interface {
	Get(ctx context.Context, id string) (*offers.Offer, error)
	Dispute(ctx context.Context, id, initiatorID string) (*offers.Offer, offers.Role, error)
	RevertDispute(ctx context.Context, id string) error
	ResolveDispute(ctx context.Context, id string) (*offers.Offer, error)
	ReinstateDispute(ctx context.Context, id string) error
}

// Approvals reads escrow state.
type Approvals interface {
	Get(ctx context.Context, offerID string) (*escrow.Approval, error)
}

// Notifier queues a user notification without blocking.
type Notifier interface {
	Notify(ctx context.Context, userID, template string, payload map[string]any)
}

// Alerter records an admin alert without blocking.
type Alerter interface {
	Alert(ctx context.Context, kind, offerID, message string, details map[string]any)
}

// Service implements the dispute gate.
type Service struct {
	store     Store
	offers    Offers
	approvals Approvals
	notifier  Notifier
	alerter   Alerter
	now       func() time.Time
}

// NewService creates a new dispute service.
func NewService(store Store, offerSvc Offers, approvals Approvals) *Service {
	return &Service{
		store:     store,
		offers:    offerSvc,
		approvals: approvals,
		now:       time.Now,
	}
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

// Raise opens a dispute on an accepted offer and freezes its settlement.
func (s *Service) Raise(ctx context.Context, req RaiseRequest) (d *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "disputes.Raise", traces.OfferID(req.OfferID), traces.UserID(req.InitiatorID))
	defer func() { traces.End(span, err) }()

	if err := validateRaise(&req); err != nil {
		return nil, err
	}

	if err := s.checkNotReleased(ctx, req.OfferID); err != nil {
		return nil, err
	}
	offer, role, err := s.offers.Dispute(ctx, req.OfferID, req.InitiatorID)
	if errors.Is(err, offers.ErrInvalidState) {
		// The release may have been claimed between the check and the flip.
		if relErr := s.checkNotReleased(ctx, req.OfferID); relErr != nil {
			return nil, relErr
		}
	}
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	d = &Dispute{
		ID:            idgen.WithPrefix(idgen.PrefixDispute),
		OfferID:       offer.ID,
		InitiatorID:   req.InitiatorID,
		InitiatorRole: role,
		Reason:        req.Reason,
		Description:   req.Description,
		Attachments:   req.Attachments,
		Status:        StatusOpen,
		CreatedAt:     now,
	}
	span.SetAttributes(traces.DisputeID(d.ID))
	if err := s.store.Create(ctx, d); err != nil {
		if revertErr := s.offers.RevertDispute(context.WithoutCancel(ctx), offer.ID); revertErr != nil {
			logging.L(ctx).Error("failed to revert offer after dispute write failed",
				"offerId", offer.ID, "error", revertErr)
		}
		return nil, fmt.Errorf("failed to store dispute: %w", err)
	}

	metrics.DisputesTotal.WithLabelValues("raised").Inc()
	logging.L(ctx).Info("dispute raised", "disputeId", d.ID, "offerId", offer.ID, "initiatorRole", role)

	payload := map[string]any{
		"disputeId":     d.ID,
		"offerId":       offer.ID,
		"initiatorRole": string(role),
		"reason":        d.Reason,
	}
	s.notify(ctx, offer.Counterparty(role), TemplateDisputeRaised, payload)
	if s.alerter != nil {
		s.alerter.Alert(ctx, AlertDisputeRaised, offer.ID, "dispute raised, settlement frozen", payload)
	}
	return d, nil
}

// checkNotReleased refuses disputes once money has left or is leaving.
func (s *Service) checkNotReleased(ctx context.Context, offerID string) error {
	a, err := s.approvals.Get(ctx, offerID)
	if errors.Is(err, escrow.ErrApprovalNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if a.FundsReleased {
		return ErrFundsReleased
	}
	if a.ReleaseClaimID != "" {
		return ErrReleaseInFlight
	}
	return nil
}

// Resolve closes an open dispute with the admin's decision.
func (s *Service) Resolve(ctx context.Context, disputeID, adminID string, resolution Resolution, note string) (*Dispute, error) {
	if resolution != ResolutionResume && resolution != ResolutionRefund {
		return nil, ErrInvalidResolution
	}
	note = strings.TrimSpace(note)
	if len(note) > validation.MaxDescriptionLength {
		return nil, fmt.Errorf("%w: note too long", offers.ErrInvalidInput)
	}

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, ErrAlreadyResolved
	}

	// The offer moves first: a dispute is only closed once its offer is in
	// the state the resolution promises, so a failed step can be retried.
	if resolution == ResolutionResume {
		if err := s.resumeOffer(ctx, d.OfferID); err != nil {
			return nil, fmt.Errorf("failed to resume offer: %w", err)
		}
	}
	if err := s.store.Resolve(ctx, disputeID, resolution, note, adminID, s.now().UTC()); err != nil {
		if resolution == ResolutionResume {
			if refreezeErr := s.offers.ReinstateDispute(context.WithoutCancel(ctx), d.OfferID); refreezeErr != nil {
				logging.L(ctx).Error("failed to refreeze offer after dispute write failed",
					"disputeId", disputeID, "offerId", d.OfferID, "error", refreezeErr)
			}
		}
		return nil, err
	}

	event := "refunded"
	if resolution == ResolutionResume {
		event = "resumed"
	}
	metrics.DisputesTotal.WithLabelValues(event).Inc()
	logging.L(ctx).Info("dispute resolved", "disputeId", disputeID, "offerId", d.OfferID, "resolution", resolution)

	resolved, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if offer, err := s.offers.Get(ctx, d.OfferID); err == nil {
		payload := map[string]any{
			"disputeId":  d.ID,
			"offerId":    d.OfferID,
			"resolution": string(resolution),
		}
		s.notify(ctx, offer.BuyerID, TemplateDisputeResolved, payload)
		s.notify(ctx, offer.SellerID, TemplateDisputeResolved, payload)
	}
	return resolved, nil
}

// resumeOffer returns a disputed offer to accepted. An offer already
// accepted is left from an earlier attempt that could not be refrozen.
func (s *Service) resumeOffer(ctx context.Context, offerID string) error {
	_, err := s.offers.ResolveDispute(ctx, offerID)
	if !errors.Is(err, offers.ErrInvalidState) {
		return err
	}
	current, getErr := s.offers.Get(ctx, offerID)
	if getErr == nil && current.Status == offers.StatusAccepted {
		return nil
	}
	return err
}

// IsParty reports whether userID is the buyer or seller of offerID.
func (s *Service) IsParty(ctx context.Context, offerID, userID string) (bool, error) {
	offer, err := s.offers.Get(ctx, offerID)
	if err != nil {
		return false, err
	}
	_, ok := offer.RoleOf(userID)
	return ok, nil
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// ListByOffer returns an offer's disputes, newest first.
func (s *Service) ListByOffer(ctx context.Context, offerID string) ([]*Dispute, error) {
	list, err := s.store.ListByOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*Dispute{}
	}
	return list, nil
}

func validateRaise(req *RaiseRequest) error {
	req.Reason = strings.TrimSpace(req.Reason)
	req.Description = strings.TrimSpace(req.Description)

	switch {
	case req.OfferID == "" || req.InitiatorID == "":
		return fmt.Errorf("%w: offer and initiator are required", offers.ErrInvalidInput)
	case req.Reason == "":
		return fmt.Errorf("%w: reason is required", offers.ErrInvalidInput)
	case len(req.Reason) > validation.MaxReasonLength:
		return fmt.Errorf("%w: reason exceeds %d characters", offers.ErrInvalidInput, validation.MaxReasonLength)
	case len(req.Description) > validation.MaxDescriptionLength:
		return fmt.Errorf("%w: description exceeds %d characters", offers.ErrInvalidInput, validation.MaxDescriptionLength)
	case len(req.Attachments) > validation.MaxAttachments:
		return fmt.Errorf("%w: at most %d attachments", offers.ErrInvalidInput, validation.MaxAttachments)
	}

	attachments := make([]string, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if len(a) > MaxAttachmentLength {
			return fmt.Errorf("%w: attachment reference too long", offers.ErrInvalidInput)
		}
		attachments = append(attachments, a)
	}
	req.Attachments = attachments
	return nil
}

func (s *Service) notify(ctx context.Context, userID, template string, payload map[string]any) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, userID, template, payload)
}
