//go:build integration

package verify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/middlemark/escrowd/internal/testutil"
)

func TestPostgresJobStore_Lifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresJobStore(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	job := &Job{
		ID:        "vjob_pg1",
		EscrowID:  "esc_pg1",
		Attempt:   1,
		NextRunAt: now.Add(-time.Second),
		State:     JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.Create(ctx, job))

	pending, err := store.PendingByEscrow(ctx, "esc_pg1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, pending.ID)

	due, err := store.Due(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	// Push the run time out; no longer due.
	job.Attempt = 2
	job.NextRunAt = now.Add(time.Hour)
	job.LastError = "awaiting finality"
	job.UpdatedAt = time.Now().UTC()
	require.NoError(t, store.Update(ctx, job))

	due, err = store.Due(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	// Terminal states stop showing up as pending.
	job.State = JobDone
	require.NoError(t, store.Update(ctx, job))
	_, err = store.PendingByEscrow(ctx, "esc_pg1")
	assert.ErrorIs(t, err, ErrNoJob)

	// Updating a vanished job reports ErrNoJob.
	ghost := *job
	ghost.ID = "vjob_ghost"
	assert.ErrorIs(t, store.Update(ctx, &ghost), ErrNoJob)
}
