//go:build integration

package wallet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/middlemark/escrowd/internal/testutil"
)

func TestPostgresStore_UpsertAndResolve(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	w := &Wallet{
		UserID:    "u_pg1",
		ChainID:   "base",
		Address:   "0x036cbd53842c5426634e7929541ec2318f3dcf7e",
		Label:     "main",
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.Upsert(ctx, w))
	require.NotEmpty(t, w.ID)

	got, err := store.Get(ctx, "u_pg1", "base")
	require.NoError(t, err)
	assert.Equal(t, w.Address, got.Address)

	// Re-registering replaces the address in place.
	w2 := &Wallet{
		UserID:    "u_pg1",
		ChainID:   "base",
		Address:   "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913",
		CreatedAt: now,
		UpdatedAt: now.Add(time.Minute),
	}
	require.NoError(t, store.Upsert(ctx, w2))

	got, err = store.Get(ctx, "u_pg1", "base")
	require.NoError(t, err)
	assert.Equal(t, w2.Address, got.Address)

	list, err := store.ListByUser(ctx, "u_pg1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.Delete(ctx, "u_pg1", "base"))
	_, err = store.Get(ctx, "u_pg1", "base")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "u_pg1", "base"), ErrNotFound)
}
