package escrow

import (
	"context"

	"github.com/middlemark/escrowd/internal/pagination"
)

// Store persists escrows.
//
// Transition is the only write path after creation: it persists the
// escrow's current field values guarded by the expected pre-state, i.e.
// UPDATE ... WHERE id = $id AND status = $from. When the row's status
// no longer matches, the write is rejected with ErrStatusConflict and
// no fields change — this is what serializes concurrent settlement
// attempts.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetByBooking(ctx context.Context, bookingID string) (*Escrow, error)
	GetByDepositTx(ctx context.Context, txHash string) (*Escrow, error)

	// Transition persists e, requiring the stored status to equal from
	// and from -> e.Status to be a legal edge.
	Transition(ctx context.Context, e *Escrow, from Status) error

	// ListByUser returns escrows where the user is buyer or seller,
	// newest first. A non-nil before restricts the page to rows
	// strictly older than the cursor position.
	ListByUser(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Escrow, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error)
}

// checkTransition validates an edge before either store attempts the
// guarded write.
func checkTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return ErrInvalidTransition
	}
	return nil
}
