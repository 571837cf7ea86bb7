//go:build integration

package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kunsthall/settlement/internal/commission"
	"github.com/kunsthall/settlement/internal/offers"
	"github.com/kunsthall/settlement/internal/testutil"
)

func newPGFixture(t *testing.T) *fixture {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)

	offerSvc := offers.NewService(offers.NewPostgresStore(db))
	store := NewPostgresStore(db)
	rec := &recorder{}
	return &fixture{
		offers: offerSvc,
		svc:    NewService(store, offerSvc, window).WithNotifier(rec).WithAlerter(rec),
		rec:    rec,
		pg:     store,
	}
}

func TestPostgresStore_ApprovalLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newPGFixture(t)
	a := f.openEscrow(t)

	_, err := f.svc.Open(ctx, a.OfferID)
	assert.ErrorIs(t, err, ErrAlreadyOpen)

	_, err = f.svc.ApproveAsBuyer(ctx, a.OfferID, buyer)
	require.NoError(t, err)
	_, err = f.svc.ApproveAsBuyer(ctx, a.OfferID, buyer)
	assert.ErrorIs(t, err, ErrAlreadyApproved)

	got, err := f.svc.ApproveAsSeller(ctx, a.OfferID, seller)
	require.NoError(t, err)
	assert.True(t, got.BothApproved())

	ready, err := f.pg.ListReadyToRelease(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)

	now := time.Now().UTC()
	_, ok, err := f.pg.ClaimRelease(ctx, a.OfferID, "clm_1", now, now.Add(-10*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = f.pg.ClaimRelease(ctx, a.OfferID, "clm_2", now, now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = f.offers.Dispute(ctx, a.OfferID, buyer)
	assert.ErrorIs(t, err, offers.ErrInvalidState, "claimed release blocks disputes")

	amounts, err := commission.Calculate(100000, commission.DefaultRates())
	require.NoError(t, err)
	assert.ErrorIs(t, f.pg.CompleteRelease(ctx, a.OfferID, "clm_2", "tr_x", amounts, now), ErrClaimLost)
	require.NoError(t, f.pg.CompleteRelease(ctx, a.OfferID, "clm_1", "tr_1", amounts, now))

	got, err = f.svc.Get(ctx, a.OfferID)
	require.NoError(t, err)
	assert.True(t, got.FundsReleased)
	assert.Equal(t, "tr_1", got.ReleaseTransferRef)
	require.NotNil(t, got.Amounts)
	assert.EqualValues(t, 75000, got.Amounts.SellerAmountCents)

	_, err = f.svc.ApproveAsSeller(ctx, a.OfferID, seller)
	assert.ErrorIs(t, err, ErrAlreadyReleased)
}

func TestPostgresStore_ClaimRequiresUndisputedOffer(t *testing.T) {
	ctx := context.Background()
	f := newPGFixture(t)
	a := f.openEscrow(t)
	_, err := f.svc.ApproveAsBuyer(ctx, a.OfferID, buyer)
	require.NoError(t, err)
	_, err = f.svc.ApproveAsSeller(ctx, a.OfferID, seller)
	require.NoError(t, err)

	_, _, err = f.offers.Dispute(ctx, a.OfferID, seller)
	require.NoError(t, err)

	now := time.Now().UTC()
	_, ok, err := f.pg.ClaimRelease(ctx, a.OfferID, "clm_1", now, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresStore_ReleaseAttempts(t *testing.T) {
	ctx := context.Background()
	f := newPGFixture(t)
	a := f.approvedEscrow(t)
	now := time.Now().UTC()
	stale := now.Add(-10 * time.Minute)

	attempt, ok, err := f.pg.ClaimRelease(ctx, a.OfferID, "clm_1", now, stale)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, attempt)

	require.NoError(t, f.pg.AbandonRelease(ctx, a.OfferID, "clm_1", false))
	attempt, ok, err = f.pg.ClaimRelease(ctx, a.OfferID, "clm_2", now, stale)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, attempt)

	require.NoError(t, f.pg.AbandonRelease(ctx, a.OfferID, "clm_2", true))
	attempt, ok, err = f.pg.ClaimRelease(ctx, a.OfferID, "clm_3", now, stale)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, attempt)

	got, err := f.pg.Get(ctx, a.OfferID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ReleaseAttempt)
}

func TestPostgresStore_SweepsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newPGFixture(t)
	start := time.Now().UTC().Add(-window - time.Hour)
	f.svc.now = func() time.Time { return start }
	f.openEscrow(t)

	now := time.Now().UTC()
	n, err := f.svc.SweepStalled(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.svc.SweepStalled(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.svc.SweepDeadlineWarnings(ctx, now, 72*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "stalled approvals are not warned")
}
