//go:build integration

package settlement

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kunsthall/settlement/internal/commission"
	"github.com/kunsthall/settlement/internal/disputes"
	"github.com/kunsthall/settlement/internal/escrow"
	"github.com/kunsthall/settlement/internal/offers"
	"github.com/kunsthall/settlement/internal/payments"
	"github.com/kunsthall/settlement/internal/testutil"
)

type pgFixture struct {
	offers    *offers.Service
	escrow    *escrow.Service
	disputes  *disputes.Service
	processor *payments.SandboxProcessor
	exec      *Executor
}

func newPGFixture(t *testing.T) (*pgFixture, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)

	offerSvc := offers.NewService(offers.NewPostgresStore(db))
	approvals := escrow.NewPostgresStore(db)
	accounts := payments.NewPostgresAccountStore(db)
	processor := payments.NewSandboxProcessor()

	_, err := accounts.Put(context.Background(), seller, sellerAccount, time.Now())
	require.NoError(t, err)

	escrowSvc := escrow.NewService(approvals, offerSvc, 30*24*time.Hour)
	return &pgFixture{
		offers:    offerSvc,
		escrow:    escrowSvc,
		disputes:  disputes.NewService(disputes.NewPostgresStore(db), offerSvc, escrowSvc),
		processor: processor,
		exec:      NewExecutor(offerSvc, approvals, accounts, processor, Config{Rates: commission.DefaultRates()}),
	}, cleanup
}

func (f *pgFixture) approvedOffer(t *testing.T) *offers.Offer {
	t.Helper()
	ctx := context.Background()
	o, err := f.offers.Create(ctx, offers.CreateRequest{
		ArtworkID: "art_1", BuyerID: buyer, SellerID: seller,
		ListPriceCents: 120000, OfferedPriceCents: 100000,
	})
	require.NoError(t, err)
	_, err = f.offers.Accept(ctx, o.ID, seller)
	require.NoError(t, err)
	_, err = f.escrow.Fund(ctx, o.ID, "pi_"+o.ID, "")
	require.NoError(t, err)
	_, err = f.escrow.ApproveAsBuyer(ctx, o.ID, buyer)
	require.NoError(t, err)
	_, err = f.escrow.ApproveAsSeller(ctx, o.ID, seller)
	require.NoError(t, err)
	return o
}

func TestPostgres_ConcurrentReleasesPayOnce(t *testing.T) {
	f, cleanup := newPGFixture(t)
	defer cleanup()
	o := f.approvedOffer(t)

	var calls atomic.Int32
	f.processor.BeforeTransfer = func(payments.TransferRequest) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
	}

	const n = 8
	var (
		wg        sync.WaitGroup
		start     = make(chan struct{})
		successes atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := f.exec.Release(context.Background(), o.ID); err == nil {
				successes.Add(1)
			} else {
				assert.ErrorIs(t, err, escrow.ErrAlreadyReleased)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), successes.Load())

	a, err := f.escrow.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.True(t, a.FundsReleased)
	require.NotNil(t, a.Amounts)
	assert.True(t, a.Amounts.Balanced())
}

func TestPostgres_DisputeDuringReleaseBlocksTransfer(t *testing.T) {
	f, cleanup := newPGFixture(t)
	defer cleanup()
	o := f.approvedOffer(t)
	ctx := context.Background()

	_, _, err := f.offers.Dispute(ctx, o.ID, buyer)
	require.NoError(t, err)

	_, err = f.exec.Release(ctx, o.ID)
	assert.ErrorIs(t, err, escrow.ErrDisputed)
	assert.Empty(t, f.processor.Transfers())
}

// A dispute and a release racing on the same offer must never end with a
// disputed offer whose money has already moved.
func TestPostgres_DisputeRacingReleaseNeverPaysOut(t *testing.T) {
	f, cleanup := newPGFixture(t)
	defer cleanup()
	ctx := context.Background()

	const rounds = 40
	var released, disputed int
	for i := 0; i < rounds; i++ {
		o := f.approvedOffer(t)

		var (
			wg         sync.WaitGroup
			start      = make(chan struct{})
			releaseErr error
			raiseErr   error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, releaseErr = f.exec.Release(ctx, o.ID)
		}()
		go func() {
			defer wg.Done()
			<-start
			_, raiseErr = f.disputes.Raise(ctx, disputes.RaiseRequest{
				OfferID: o.ID, InitiatorID: buyer, Reason: "item_not_as_described",
			})
		}()
		close(start)
		wg.Wait()

		got, err := f.offers.Get(ctx, o.ID)
		require.NoError(t, err)
		a, err := f.escrow.Get(ctx, o.ID)
		require.NoError(t, err)

		var paid int
		for _, tr := range f.processor.Transfers() {
			if tr.Metadata["offer_id"] == o.ID {
				paid++
			}
		}

		if got.Status == offers.StatusDisputed {
			disputed++
			assert.NoError(t, raiseErr)
			assert.Error(t, releaseErr, "round %d", i)
			assert.Zero(t, paid, "round %d: disputed offer was paid out", i)
			assert.False(t, a.FundsReleased, "round %d", i)
		} else {
			released++
			assert.NoError(t, releaseErr, "round %d", i)
			assert.Error(t, raiseErr, "round %d", i)
			assert.Equal(t, 1, paid, "round %d", i)
			assert.True(t, a.FundsReleased, "round %d", i)
		}
	}
	t.Logf("released=%d disputed=%d", released, disputed)
}
