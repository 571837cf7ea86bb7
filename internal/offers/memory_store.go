package offers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kunsthall/settlement/internal/pagination"
)

// MemoryStore is an in-memory offer store for demo/development mode.
// Conditional updates are atomic under the store mutex.
type MemoryStore struct {
	offers map[string]*Offer
	mu     sync.RWMutex

	// releaseStarted reports whether a release of the offer is claimed or
	// done. It is called with mu held and must not call back into the store.
	releaseStarted func(offerID string) bool
}

// NewMemoryStore creates a new in-memory offer store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offers: make(map[string]*Offer)}
}

// WithReleaseGuard makes MarkDisputed refuse offers for which started
// reports a claimed or completed release.
func (m *MemoryStore) WithReleaseGuard(started func(offerID string) bool) *MemoryStore {
	m.releaseStarted = started
	return m
}

// View calls fn with a copy of offer id while holding the store lock, so no
// status change interleaves with fn.
func (m *MemoryStore) View(id string, fn func(o Offer)) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.offers[id]
	if !ok {
		return ErrOfferNotFound
	}
	fn(*o)
	return nil
}

func (m *MemoryStore) Create(_ context.Context, offer *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *offer
	m.offers[offer.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, role Role, cursor *pagination.Cursor, limit int) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Offer
	for _, o := range m.offers {
		party := o.BuyerID
		if role == RoleSeller {
			party = o.SellerID
		}
		if party != userID || !cursor.After(o.CreatedAt, o.ID) {
			continue
		}
		cp := *o
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, from, to Status, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.offers[id]
	if !ok {
		return ErrOfferNotFound
	}
	if o.Status != from {
		return ErrInvalidState
	}
	o.Status = to
	o.UpdatedAt = now
	return nil
}

func (m *MemoryStore) AttachPayment(_ context.Context, id, paymentRef, linkRef string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.offers[id]
	if !ok {
		return ErrOfferNotFound
	}
	if o.Status != StatusAccepted {
		return ErrInvalidState
	}
	if o.PaymentRef != "" {
		if o.PaymentRef == paymentRef {
			return nil
		}
		return ErrPaymentAttached
	}
	o.PaymentRef = paymentRef
	o.PaymentLinkRef = linkRef
	o.UpdatedAt = now
	return nil
}

func (m *MemoryStore) MarkDisputed(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.offers[id]
	if !ok {
		return ErrOfferNotFound
	}
	if o.Status != StatusAccepted || o.PaymentRef == "" {
		return ErrInvalidState
	}
	if m.releaseStarted != nil && m.releaseStarted(id) {
		return ErrInvalidState
	}
	o.Status = StatusDisputed
	o.UpdatedAt = now
	return nil
}

func (m *MemoryStore) ExpirePending(_ context.Context, cutoff, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, o := range m.offers {
		if o.Status == StatusPending && o.CreatedAt.Before(cutoff) {
			o.Status = StatusExpired
			o.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
