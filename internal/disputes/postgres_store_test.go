//go:build integration

package disputes

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kunsthall/settlement/internal/escrow"
	"github.com/kunsthall/settlement/internal/offers"
	"github.com/kunsthall/settlement/internal/testutil"
)

func TestPostgres_RaiseAndResolve(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	offerSvc := offers.NewService(offers.NewPostgresStore(db))
	escrowSvc := escrow.NewService(escrow.NewPostgresStore(db), offerSvc, 30*24*time.Hour)
	store := NewPostgresStore(db)
	svc := NewService(store, offerSvc, escrowSvc)

	o, err := offerSvc.Create(ctx, offers.CreateRequest{
		ArtworkID: "art_1", BuyerID: "usr_buyer", SellerID: "usr_seller",
		ListPriceCents: 50000, OfferedPriceCents: 45000,
	})
	require.NoError(t, err)
	_, err = offerSvc.Accept(ctx, o.ID, "usr_seller")
	require.NoError(t, err)
	_, err = escrowSvc.Fund(ctx, o.ID, "pi_"+o.ID, "")
	require.NoError(t, err)

	d, err := svc.Raise(ctx, RaiseRequest{
		OfferID: o.ID, InitiatorID: "usr_seller", Reason: "buyer unreachable",
		Attachments: []string{"https://cdn.example.com/a.jpg", "https://cdn.example.com/b.jpg"},
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, offers.RoleSeller, got.InitiatorRole)
	assert.Equal(t, []string{"https://cdn.example.com/a.jpg", "https://cdn.example.com/b.jpg"}, got.Attachments)
	assert.Nil(t, got.ResolvedAt)

	err = store.Create(ctx, &Dispute{
		ID: "dsp_dup", OfferID: o.ID, InitiatorID: "usr_buyer", InitiatorRole: offers.RoleBuyer,
		Reason: "dup", Status: StatusOpen, CreatedAt: time.Now(),
	})
	assert.ErrorIs(t, err, ErrAlreadyOpen)

	resolved, err := svc.Resolve(ctx, d.ID, "usr_admin", ResolutionResume, "")
	require.NoError(t, err)
	assert.Equal(t, ResolutionResume, resolved.Resolution)
	require.NotNil(t, resolved.ResolvedAt)

	err = store.Resolve(ctx, d.ID, ResolutionRefund, "", "usr_admin", time.Now())
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	err = store.Resolve(ctx, "dsp_missing", ResolutionRefund, "", "usr_admin", time.Now())
	assert.ErrorIs(t, err, ErrDisputeNotFound)

	current, err := offerSvc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, offers.StatusAccepted, current.Status)
}
