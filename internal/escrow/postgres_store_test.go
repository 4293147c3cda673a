//go:build integration

package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/middlemark/escrowd/internal/pagination"
	"github.com/middlemark/escrowd/internal/testutil"
)

func seedEscrow(t *testing.T, store *PostgresStore, id, bookingID string, status Status) *Escrow {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	e := &Escrow{
		ID:        id,
		BookingID: bookingID,
		BuyerID:   "u_buyer",
		SellerID:  "u_seller",
		Amount:    "100",
		Token:     "USDC",
		ChainID:   "base",
		FeeBPS:    125,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.Create(context.Background(), e))
	return e
}

func TestPostgresStore_CreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	e := seedEscrow(t, store, "esc_pg1", "bk_pg1", StatusAwaitingDeposit)

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.BookingID, got.BookingID)
	assert.Equal(t, StatusAwaitingDeposit, got.Status)
	assert.Equal(t, 125, got.FeeBPS)

	byBooking, err := store.GetByBooking(ctx, "bk_pg1")
	require.NoError(t, err)
	assert.Equal(t, e.ID, byBooking.ID)

	_, err = store.Get(ctx, "esc_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_DuplicateBooking(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)

	seedEscrow(t, store, "esc_pg2", "bk_pg2", StatusAwaitingDeposit)

	dup := seedEscrowValue("esc_pg2b", "bk_pg2")
	err := store.Create(context.Background(), dup)
	assert.ErrorIs(t, err, ErrDuplicateBooking)
}

func seedEscrowValue(id, bookingID string) *Escrow {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Escrow{
		ID: id, BookingID: bookingID,
		BuyerID: "u_buyer", SellerID: "u_seller",
		Amount: "100", ChainID: "base", FeeBPS: 125,
		Status: StatusAwaitingDeposit, CreatedAt: now, UpdatedAt: now,
	}
}

func TestPostgresStore_TransitionCAS(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	e := seedEscrow(t, store, "esc_pg3", "bk_pg3", StatusAwaitingDeposit)

	// Winner moves it to deposit_pending.
	e.Status = StatusDepositPending
	e.DepositTxHash = "0xdeadbeef"
	e.Touch()
	require.NoError(t, store.Transition(ctx, e, StatusAwaitingDeposit))

	// A stale writer with the old pre-state loses.
	stale := *e
	stale.Status = StatusDepositPending
	err := store.Transition(ctx, &stale, StatusAwaitingDeposit)
	assert.ErrorIs(t, err, ErrStatusConflict)

	// Missing escrow is not_found, not a conflict.
	missing := seedEscrowValue("esc_pg_gone", "bk_pg_gone")
	missing.Status = StatusDepositPending
	err = store.Transition(ctx, missing, StatusAwaitingDeposit)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDepositPending, got.Status)
	assert.Equal(t, "0xdeadbeef", got.DepositTxHash)
}

func TestPostgresStore_ListByUser(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	seedEscrow(t, store, "esc_pg4", "bk_pg4", StatusAwaitingDeposit)
	seedEscrow(t, store, "esc_pg5", "bk_pg5", StatusAwaitingDeposit)

	buyerSide, err := store.ListByUser(ctx, "u_buyer", nil, 10)
	require.NoError(t, err)
	assert.Len(t, buyerSide, 2)

	sellerSide, err := store.ListByUser(ctx, "u_seller", nil, 1)
	require.NoError(t, err)
	assert.Len(t, sellerSide, 1)

	none, err := store.ListByUser(ctx, "u_nobody", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	// Keyset pagination: a cursor at the first row yields the rest.
	first := buyerSide[0]
	rest, err := store.ListByUser(ctx, "u_buyer", &pagination.Cursor{
		CreatedAt: first.CreatedAt,
		ID:        first.ID,
	}, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.NotEqual(t, first.ID, rest[0].ID)
}
