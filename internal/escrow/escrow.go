// Package escrow holds the authoritative escrow entity and its state
// machine. Every other payment component (verification, settlement,
// dispute arbitration) mutates escrows exclusively through this
// package's Store, whose Transition method is a compare-and-set against
// the expected pre-state: of two concurrent attempts to advance the
// same escrow, exactly one wins.
//
// Lifecycle:
//
//	awaiting_deposit -> deposit_pending -> funded -> pending_release -> released
//	                                       funded -> disputed -> resolved_seller | resolved_buyer
//	                                       funded -> resolved_buyer (admin refund, no dispute)
//	awaiting_deposit | deposit_pending -> cancelled
//
// Terminal escrows are retained forever for audit; nothing deletes them.
package escrow

import (
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("escrow: not found")
	ErrDuplicateBooking  = errors.New("escrow: booking already has an escrow")
	ErrStatusConflict    = errors.New("escrow: status changed concurrently")
	ErrInvalidTransition = errors.New("escrow: invalid status transition")
	ErrUnauthorized      = errors.New("escrow: not authorized for this operation")
	ErrInvalidInput      = errors.New("escrow: invalid input")
)

// Status is the escrow lifecycle state.
type Status string

const (
	StatusAwaitingDeposit Status = "awaiting_deposit"
	StatusDepositPending  Status = "deposit_pending"
	StatusFunded          Status = "funded"
	StatusPendingRelease  Status = "pending_release" // settlement in flight
	StatusReleased        Status = "released"
	StatusDisputed        Status = "disputed"
	StatusResolvedSeller  Status = "resolved_seller"
	StatusResolvedBuyer   Status = "resolved_buyer"
	StatusCancelled       Status = "cancelled"
)

// validTransitions is the authoritative state graph. pending_release is
// the in-flight settlement state for both directions; a failed
// settlement reverts to funded so the escrow is never stuck. disputed
// normalizes back to funded before an admin resolution reuses the
// settlement path. deposit_pending -> deposit_pending admits
// verification-detail writes without a status change.
var validTransitions = map[Status][]Status{
	StatusAwaitingDeposit: {StatusDepositPending, StatusCancelled},
	StatusDepositPending:  {StatusDepositPending, StatusFunded, StatusCancelled},
	StatusFunded:          {StatusPendingRelease, StatusDisputed},
	StatusPendingRelease:  {StatusReleased, StatusResolvedSeller, StatusResolvedBuyer, StatusFunded},
	StatusDisputed:        {StatusFunded},
	StatusReleased:        {},
	StatusResolvedSeller:  {},
	StatusResolvedBuyer:   {},
	StatusCancelled:       {},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusResolvedSeller, StatusResolvedBuyer, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Bounded dispute text lengths.
const (
	MaxDisputeReasonLen   = 2000
	MaxResolutionNotesLen = 4000
)

// Escrow is the central entity. Amounts are decimal strings at the
// token's precision; the fee rate is frozen per escrow in basis points
// at creation, so later global rate changes never touch in-flight
// escrows.
type Escrow struct {
	ID        string `json:"id"`
	BookingID string `json:"bookingId"` // unique: one escrow per booking
	InvoiceID string `json:"invoiceId"`

	BuyerID  string `json:"buyerId"`
	SellerID string `json:"sellerId"`

	Amount  string `json:"amount"` // deposit principal
	Token   string `json:"token"`  // "" = the chain's native coin
	ChainID string `json:"chainId"`
	FeeBPS  int    `json:"feeBps"`

	// Deposit leg
	DepositTxHash   string `json:"depositTxHash,omitempty"`
	DepositVerified bool   `json:"depositVerified"`
	VerifiedAmount  string `json:"verifiedAmount,omitempty"`
	VerifyFailure   string `json:"verifyFailure,omitempty"` // terminal negative verdict detail
	BuyerWallet     string `json:"buyerWallet,omitempty"`
	EscrowWallet    string `json:"escrowWallet,omitempty"`

	// Settlement leg: release XOR refund
	ReleaseTxHash string `json:"releaseTxHash,omitempty"`
	ReleaseAmount string `json:"releaseAmount,omitempty"`
	ReleaseTo     string `json:"releaseTo,omitempty"`
	RefundTxHash  string `json:"refundTxHash,omitempty"`
	RefundAmount  string `json:"refundAmount,omitempty"`
	PlatformFee   string `json:"platformFee,omitempty"`

	// Dispute leg
	DisputeReason   string     `json:"disputeReason,omitempty"`
	DisputeOpenerID string     `json:"disputeOpenerId,omitempty"`
	ResolverID      string     `json:"resolverId,omitempty"`
	ResolutionNotes string     `json:"resolutionNotes,omitempty"`
	DisputedAt      *time.Time `json:"disputedAt,omitempty"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`

	Status Status `json:"status"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	FundedAt   *time.Time `json:"fundedAt,omitempty"`
	ReleasedAt *time.Time `json:"releasedAt,omitempty"`
	RefundedAt *time.Time `json:"refundedAt,omitempty"`
}

// Touch stamps UpdatedAt. Every mutation path calls this before
// persisting.
func (e *Escrow) Touch() {
	e.UpdatedAt = time.Now().UTC()
}
