package escrow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/kunsthall/settlement/internal/commission"
	"github.com/kunsthall/settlement/internal/offers"
)

// OfferViewer runs fn on an offer while its status cannot change.
type OfferViewer interface {
	View(id string, fn func(o offers.Offer)) error
}

// MemoryStore is an in-memory approval store for demo/development mode.
// Conditional updates are atomic under the store mutex. Linked to an offer
// store, release claims also check the offer under that store's lock; the
// offer lock is always taken first.
type MemoryStore struct {
	approvals map[string]*Approval
	mu        sync.RWMutex
	offers    OfferViewer
}

// NewMemoryStore creates a new in-memory approval store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{approvals: make(map[string]*Approval)}
}

// NewLinkedMemoryStore creates an approval store whose release claims and
// offerStore's dispute flips exclude each other.
func NewLinkedMemoryStore(offerStore *offers.MemoryStore) *MemoryStore {
	m := NewMemoryStore()
	m.offers = offerStore
	offerStore.WithReleaseGuard(m.ReleaseStarted)
	return m
}

// ReleaseStarted reports whether offerID has a release claim or completed
// release.
func (m *MemoryStore) ReleaseStarted(offerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.approvals[offerID]
	return ok && (a.FundsReleased || a.ReleaseClaimID != "")
}

func (m *MemoryStore) Create(_ context.Context, a *Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.approvals[a.OfferID]; ok {
		return ErrAlreadyOpen
	}
	m.approvals[a.OfferID] = copyApproval(a)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, offerID string) (*Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.approvals[offerID]
	if !ok {
		return nil, ErrApprovalNotFound
	}
	return copyApproval(a), nil
}

func (m *MemoryStore) Approve(_ context.Context, offerID string, role offers.Role, now time.Time) (bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.approvals[offerID]
	if !ok {
		return false, false, ErrApprovalNotFound
	}
	if a.FundsReleased {
		return false, a.BothApproved(), nil
	}
	at := now
	switch role {
	case offers.RoleBuyer:
		if a.BuyerApproved {
			return false, a.BothApproved(), nil
		}
		a.BuyerApproved = true
		a.BuyerApprovedAt = &at
	case offers.RoleSeller:
		if a.SellerApproved {
			return false, a.BothApproved(), nil
		}
		a.SellerApproved = true
		a.SellerApprovedAt = &at
	default:
		return false, false, ErrUnauthorized
	}
	a.UpdatedAt = now
	return true, a.BothApproved(), nil
}

func (m *MemoryStore) MarkStalled(_ context.Context, now time.Time) ([]*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var flagged []*Approval
	for _, a := range m.approvals {
		if a.IsStalled || a.FundsReleased || a.BothApproved() || !now.After(a.ApprovalDeadline) {
			continue
		}
		at := now
		a.IsStalled = true
		a.StalledAt = &at
		a.UpdatedAt = now
		flagged = append(flagged, copyApproval(a))
	}
	sortByOffer(flagged)
	return flagged, nil
}

func (m *MemoryStore) MarkDeadlineWarnings(_ context.Context, now time.Time, lead time.Duration) ([]*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	horizon := now.Add(lead)
	var warned []*Approval
	for _, a := range m.approvals {
		if a.DeadlineWarnedAt != nil || a.IsStalled || a.FundsReleased || a.BothApproved() {
			continue
		}
		if a.ApprovalDeadline.Before(now) || !a.ApprovalDeadline.Before(horizon) {
			continue
		}
		at := now
		a.DeadlineWarnedAt = &at
		a.UpdatedAt = now
		warned = append(warned, copyApproval(a))
	}
	sortByOffer(warned)
	return warned, nil
}

func (m *MemoryStore) ClaimRelease(_ context.Context, offerID, claimID string, now, staleBefore time.Time) (int, bool, error) {
	if m.offers == nil {
		return m.claim(offerID, claimID, now, staleBefore)
	}

	var (
		attempt int
		claimed bool
		err     error
	)
	viewErr := m.offers.View(offerID, func(o offers.Offer) {
		if o.Status != offers.StatusAccepted || o.PaymentRef == "" {
			return
		}
		attempt, claimed, err = m.claim(offerID, claimID, now, staleBefore)
	})
	if errors.Is(viewErr, offers.ErrOfferNotFound) {
		return 0, false, ErrApprovalNotFound
	}
	if viewErr != nil {
		return 0, false, viewErr
	}
	return attempt, claimed, err
}

func (m *MemoryStore) claim(offerID, claimID string, now, staleBefore time.Time) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.approvals[offerID]
	if !ok {
		return 0, false, ErrApprovalNotFound
	}
	if !a.BothApproved() || a.FundsReleased {
		return a.ReleaseAttempt, false, nil
	}
	if a.ReleaseClaimID != "" && a.ReleaseClaimedAt != nil && !a.ReleaseClaimedAt.Before(staleBefore) {
		return a.ReleaseAttempt, false, nil
	}
	at := now
	a.ReleaseClaimID = claimID
	a.ReleaseClaimedAt = &at
	return a.ReleaseAttempt, true, nil
}

func (m *MemoryStore) CompleteRelease(_ context.Context, offerID, claimID, transferRef string, amounts commission.Amounts, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.approvals[offerID]
	if !ok {
		return ErrApprovalNotFound
	}
	if a.FundsReleased || a.ReleaseClaimID != claimID {
		return ErrClaimLost
	}
	at := now
	amt := amounts
	a.FundsReleased = true
	a.ReleaseTransferRef = transferRef
	a.Amounts = &amt
	a.ReleasedAt = &at
	a.UpdatedAt = now
	return nil
}

func (m *MemoryStore) AbandonRelease(_ context.Context, offerID, claimID string, refused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.approvals[offerID]
	if !ok {
		return ErrApprovalNotFound
	}
	if a.FundsReleased || a.ReleaseClaimID != claimID {
		return nil
	}
	a.ReleaseClaimID = ""
	a.ReleaseClaimedAt = nil
	if refused {
		a.ReleaseAttempt++
	}
	return nil
}

func (m *MemoryStore) ListReadyToRelease(_ context.Context, limit int) ([]*Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ready []*Approval
	for _, a := range m.approvals {
		if a.BothApproved() && !a.FundsReleased {
			ready = append(ready, copyApproval(a))
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		return ready[i].UpdatedAt.Before(ready[j].UpdatedAt)
	})
	if len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

func sortByOffer(list []*Approval) {
	sort.Slice(list, func(i, j int) bool { return list[i].OfferID < list[j].OfferID })
}

// copyApproval deep-copies so callers cannot mutate stored pointers.
func copyApproval(a *Approval) *Approval {
	cp := *a
	cp.BuyerApprovedAt = copyTime(a.BuyerApprovedAt)
	cp.SellerApprovedAt = copyTime(a.SellerApprovedAt)
	cp.ReleasedAt = copyTime(a.ReleasedAt)
	cp.StalledAt = copyTime(a.StalledAt)
	cp.DeadlineWarnedAt = copyTime(a.DeadlineWarnedAt)
	cp.ReleaseClaimedAt = copyTime(a.ReleaseClaimedAt)
	if a.Amounts != nil {
		amt := *a.Amounts
		cp.Amounts = &amt
	}
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
