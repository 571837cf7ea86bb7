// Package offers implements the offer lifecycle for listed artworks.
//
// States:
//
//	pending  → accepted | rejected | expired
//	accepted → disputed
//	disputed → accepted (admin resolution only)
//
// Every transition is a conditional update on the current status, so
// concurrent callers cannot both move the same offer.
package offers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kunsthall/settlement/internal/idgen"
	"github.com/kunsthall/settlement/internal/logging"
	"github.com/kunsthall/settlement/internal/metrics"
	"github.com/kunsthall/settlement/internal/pagination"
)

var (
	ErrOfferNotFound = errors.New("offer not found")
	ErrInvalidInput  = errors.New("invalid offer input")
	ErrInvalidState  = errors.New("invalid offer state for this operation")
	ErrUnauthorized  = errors.New("not authorized for this offer operation")
	// ErrPaymentAttached means a different payment is already recorded.
	ErrPaymentAttached = errors.New("offer already has a payment attached")
)

// Status represents the state of an offer.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
	StatusDisputed Status = "disputed"
)

// Role is a party's side of an offer.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Notification template keys sent by this package.
const (
	TemplateOfferReceived = "offer_received"
	TemplateOfferAccepted = "offer_accepted"
	TemplateOfferRejected = "offer_rejected"
)

// Offer is a price proposal by a buyer on a listed artwork. Prices are in
// minor currency units.
type Offer struct {
	ID                string    `json:"id"`
	ArtworkID         string    `json:"artworkId"`
	BuyerID           string    `json:"buyerId"`
	SellerID          string    `json:"sellerId"`
	ListPriceCents    int64     `json:"listPriceCents"`
	OfferedPriceCents int64     `json:"offeredPriceCents"`
	Message           string    `json:"message,omitempty"`
	Status            Status    `json:"status"`
	PaymentRef        string    `json:"paymentRef,omitempty"`
	PaymentLinkRef    string    `json:"paymentLinkRef,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// IsTerminal returns true for states no operation can leave.
func (o *Offer) IsTerminal() bool {
	return o.Status == StatusRejected || o.Status == StatusExpired
}

// RoleOf returns userID's role on the offer.
func (o *Offer) RoleOf(userID string) (Role, bool) {
	switch userID {
	case "":
		return "", false
	case o.BuyerID:
		return RoleBuyer, true
	case o.SellerID:
		return RoleSeller, true
	}
	return "", false
}

// Counterparty returns the other party's id.
func (o *Offer) Counterparty(role Role) string {
	if role == RoleBuyer {
		return o.SellerID
	}
	return o.BuyerID
}

// Store persists offers. Mutations are conditional: they succeed only when
// the stored row is in the expected state and report ErrInvalidState (or
// ErrOfferNotFound) otherwise.
type Store interface {
	Create(ctx context.Context, offer *Offer) error
	Get(ctx context.Context, id string) (*Offer, error)
	ListByUser(ctx context.Context, userID string, role Role, cursor *pagination.Cursor, limit int) ([]*Offer, error)

	// Transition moves id from one status to another.
	Transition(ctx context.Context, id string, from, to Status, now time.Time) error
	// AttachPayment records the captured payment on an accepted offer that
	// has none yet. Re-attaching the same reference is a no-op.
	AttachPayment(ctx context.Context, id, paymentRef, linkRef string, now time.Time) error
	// MarkDisputed moves an accepted, paid offer to disputed. The Postgres
	// store also refuses when the escrow release is claimed or done.
	MarkDisputed(ctx context.Context, id string, now time.Time) error
	// ExpirePending expires every pending offer created before cutoff.
	ExpirePending(ctx context.Context, cutoff, now time.Time) (int64, error)
}

// Notifier queues a user notification. Implementations must not block or fail
// the caller.
type Notifier interface {
	Notify(ctx context.Context, userID, template string, payload map[string]any)
}

// CreateRequest contains the parameters for placing an offer.
type CreateRequest struct {
	ArtworkID         string `json:"artworkId"`
	BuyerID           string `json:"-"`
	SellerID          string `json:"sellerId"`
	ListPriceCents    int64  `json:"listPriceCents"`
	OfferedPriceCents int64  `json:"offeredPriceCents"`
	Message           string `json:"message"`
}

// Page is one page of a user's offers, newest first.
type Page struct {
	Offers     []*Offer `json:"offers"`
	NextCursor string   `json:"nextCursor,omitempty"`
	HasMore    bool     `json:"hasMore"`
}

// Service implements the offer state machine.
type Service struct {
	store    Store
	notifier Notifier
	now      func() time.Time
}

// NewService creates a new offer service.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// WithNotifier adds a notification dispatcher.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Create places a new pending offer.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Offer, error) {
	req.ArtworkID = strings.TrimSpace(req.ArtworkID)
	req.BuyerID = strings.TrimSpace(req.BuyerID)
	req.SellerID = strings.TrimSpace(req.SellerID)

	switch {
	case req.ArtworkID == "" || req.BuyerID == "" || req.SellerID == "":
		return nil, fmt.Errorf("%w: artwork, buyer and seller are required", ErrInvalidInput)
	case req.ListPriceCents <= 0:
		return nil, fmt.Errorf("%w: list price must be positive", ErrInvalidInput)
	case req.OfferedPriceCents <= 0:
		return nil, fmt.Errorf("%w: offered price must be positive", ErrInvalidInput)
	case req.BuyerID == req.SellerID:
		return nil, fmt.Errorf("%w: buyer and seller must differ", ErrInvalidInput)
	}

	now := s.now().UTC()
	offer := &Offer{
		ID:                idgen.WithPrefix(idgen.PrefixOffer),
		ArtworkID:         req.ArtworkID,
		BuyerID:           req.BuyerID,
		SellerID:          req.SellerID,
		ListPriceCents:    req.ListPriceCents,
		OfferedPriceCents: req.OfferedPriceCents,
		Message:           req.Message,
		Status:            StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.Create(ctx, offer); err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}

	metrics.OfferTransitionsTotal.WithLabelValues(string(StatusPending)).Inc()
	s.notify(ctx, offer.SellerID, TemplateOfferReceived, offer)
	return offer, nil
}

// Accept moves a pending offer to accepted. Only the seller may accept.
func (s *Service) Accept(ctx context.Context, id, callerID string) (*Offer, error) {
	offer, err := s.sellerTransition(ctx, id, callerID, StatusAccepted)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, offer.BuyerID, TemplateOfferAccepted, offer)
	return offer, nil
}

// Reject moves a pending offer to rejected. Only the seller may reject.
func (s *Service) Reject(ctx context.Context, id, callerID string) (*Offer, error) {
	offer, err := s.sellerTransition(ctx, id, callerID, StatusRejected)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, offer.BuyerID, TemplateOfferRejected, offer)
	return offer, nil
}

func (s *Service) sellerTransition(ctx context.Context, id, callerID string, to Status) (*Offer, error) {
	offer, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != offer.SellerID {
		return nil, ErrUnauthorized
	}
	if err := s.store.Transition(ctx, id, StatusPending, to, s.now().UTC()); err != nil {
		return nil, err
	}
	metrics.OfferTransitionsTotal.WithLabelValues(string(to)).Inc()
	logging.L(ctx).Info("offer transitioned", "offerId", id, "to", to)
	return s.store.Get(ctx, id)
}

// ExpireStale expires every pending offer older than threshold and returns
// how many changed. Terminal and accepted offers are never touched, so
// overlapping runs are harmless.
func (s *Service) ExpireStale(ctx context.Context, now time.Time, threshold time.Duration) (int64, error) {
	if threshold <= 0 {
		return 0, fmt.Errorf("%w: expiry threshold must be positive", ErrInvalidInput)
	}
	n, err := s.store.ExpirePending(ctx, now.Add(-threshold), now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire offers: %w", err)
	}
	if n > 0 {
		metrics.OfferTransitionsTotal.WithLabelValues(string(StatusExpired)).Add(float64(n))
		metrics.SweepAffectedTotal.WithLabelValues("expire_offers").Add(float64(n))
	}
	return n, nil
}

// Dispute moves an accepted, paid offer to disputed on behalf of one of its
// parties and returns that party's role.
func (s *Service) Dispute(ctx context.Context, id, initiatorID string) (*Offer, Role, error) {
	offer, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	role, ok := offer.RoleOf(initiatorID)
	if !ok {
		return nil, "", ErrUnauthorized
	}
	if offer.Status != StatusAccepted {
		return nil, "", fmt.Errorf("%w: only accepted offers can be disputed", ErrInvalidState)
	}
	if offer.PaymentRef == "" {
		return nil, "", fmt.Errorf("%w: offer has no captured payment", ErrInvalidState)
	}
	if err := s.store.MarkDisputed(ctx, id, s.now().UTC()); err != nil {
		return nil, "", err
	}
	metrics.OfferTransitionsTotal.WithLabelValues(string(StatusDisputed)).Inc()

	offer.Status = StatusDisputed
	return offer, role, nil
}

// RevertDispute undoes Dispute when the dispute record could not be stored.
func (s *Service) RevertDispute(ctx context.Context, id string) error {
	return s.store.Transition(ctx, id, StatusDisputed, StatusAccepted, s.now().UTC())
}

// ResolveDispute returns a disputed offer to accepted so settlement can proceed.
func (s *Service) ResolveDispute(ctx context.Context, id string) (*Offer, error) {
	if err := s.store.Transition(ctx, id, StatusDisputed, StatusAccepted, s.now().UTC()); err != nil {
		return nil, err
	}
	metrics.OfferTransitionsTotal.WithLabelValues(string(StatusAccepted)).Inc()
	return s.store.Get(ctx, id)
}

// ReinstateDispute freezes an offer again after a resumption could not be
// recorded. Like Dispute it is refused once a release has started.
func (s *Service) ReinstateDispute(ctx context.Context, id string) error {
	return s.store.MarkDisputed(ctx, id, s.now().UTC())
}

// AttachPayment records the processor's payment reference on an accepted offer.
func (s *Service) AttachPayment(ctx context.Context, id, paymentRef, linkRef string) (*Offer, error) {
	paymentRef = strings.TrimSpace(paymentRef)
	if paymentRef == "" {
		return nil, fmt.Errorf("%w: payment reference is required", ErrInvalidInput)
	}
	if err := s.store.AttachPayment(ctx, id, paymentRef, strings.TrimSpace(linkRef), s.now().UTC()); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}

// Get returns an offer by ID.
func (s *Service) Get(ctx context.Context, id string) (*Offer, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns one page of offers where userID has the given role.
func (s *Service) ListByUser(ctx context.Context, userID string, role Role, cursor string, limit int) (*Page, error) {
	if role != RoleBuyer && role != RoleSeller {
		return nil, fmt.Errorf("%w: role must be buyer or seller", ErrInvalidInput)
	}
	c, err := pagination.Decode(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if limit <= 0 || limit > pagination.MaxLimit {
		limit = pagination.DefaultLimit
	}

	items, err := s.store.ListByUser(ctx, userID, role, c, limit+1)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.ComputePage(items, limit, func(o *Offer) (time.Time, string) {
		return o.CreatedAt, o.ID
	})
	if items == nil {
		items = []*Offer{}
	}
	return &Page{Offers: items, NextCursor: next, HasMore: more}, nil
}

func (s *Service) notify(ctx context.Context, userID, template string, o *Offer) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, userID, template, map[string]any{
		"offerId":           o.ID,
		"artworkId":         o.ArtworkID,
		"offeredPriceCents": o.OfferedPriceCents,
		"status":            string(o.Status),
	})
}
