//go:build integration

package payments

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kunsthall/settlement/internal/testutil"
)

func TestPostgresAccountStore_PutReplaces(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresAccountStore(db)
	ctx := context.Background()
	first := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	_, err := store.Get(ctx, "usr_seller")
	assert.ErrorIs(t, err, ErrNoPayoutAccount)

	a, err := store.Put(ctx, "usr_seller", "acct_1", first)
	require.NoError(t, err)
	assert.Equal(t, "acct_1", a.AccountID)

	b, err := store.Put(ctx, "usr_seller", "acct_2", first.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "acct_2", b.AccountID)
	assert.True(t, b.CreatedAt.Equal(a.CreatedAt), "created_at survives replacement")
	assert.True(t, b.UpdatedAt.After(a.UpdatedAt))

	got, err := store.Get(ctx, "usr_seller")
	require.NoError(t, err)
	assert.Equal(t, "acct_2", got.AccountID)
}
