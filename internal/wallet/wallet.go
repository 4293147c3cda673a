// Package wallet keeps the payout address directory. Settlement pays
// sellers (and refunds buyers without a recorded sender wallet) to the
// address registered here for the escrow's chain.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/middlemark/escrowd/internal/validation"
)

var (
	ErrNotFound     = errors.New("wallet: not found")
	ErrInvalidInput = errors.New("wallet: invalid input")
)

// Wallet is one user's payout address on one chain.
type Wallet struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	ChainID   string    `json:"chainId"`
	Address   string    `json:"address"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists payout wallets. One wallet per (user, chain);
// Upsert replaces an existing registration.
type Store interface {
	Upsert(ctx context.Context, w *Wallet) error
	Get(ctx context.Context, userID, chainID string) (*Wallet, error)
	ListByUser(ctx context.Context, userID string) ([]*Wallet, error)
	Delete(ctx context.Context, userID, chainID string) error
}

// Directory validates and stores payout addresses and resolves them
// for settlement.
type Directory struct {
	store Store
}

// NewDirectory creates a payout address directory.
func NewDirectory(store Store) *Directory {
	return &Directory{store: store}
}

// Set registers (or replaces) the payout address for a user on a chain.
// The address format is checked against the chain's address scheme.
func (d *Directory) Set(ctx context.Context, userID, chainID, address, label string) (*Wallet, error) {
	errs := validation.Validate(
		validation.Required("userId", userID),
		validation.Required("chainId", chainID),
		validation.Required("address", address),
		validation.ValidAddressForChain("address", address, chainID),
		validation.MaxLength("label", label, 200),
	)
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, errs.Error())
	}
	address = validation.NormalizeAddress(chainID, address)

	now := time.Now().UTC()
	w := &Wallet{
		UserID:    userID,
		ChainID:   chainID,
		Address:   address,
		Label:     validation.SanitizeString(label, 200),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.store.Upsert(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Get returns the wallet registered for a user on a chain.
func (d *Directory) Get(ctx context.Context, userID, chainID string) (*Wallet, error) {
	return d.store.Get(ctx, userID, chainID)
}

// List returns all of a user's registered wallets.
func (d *Directory) List(ctx context.Context, userID string) ([]*Wallet, error) {
	return d.store.ListByUser(ctx, userID)
}

// Remove deletes a user's wallet on a chain.
func (d *Directory) Remove(ctx context.Context, userID, chainID string) error {
	return d.store.Delete(ctx, userID, chainID)
}

// PayoutAddress resolves the settlement destination for a user on a
// chain. A missing registration is not an error here; the settlement
// layer decides how to handle it.
func (d *Directory) PayoutAddress(ctx context.Context, userID, chainID string) (string, error) {
	w, err := d.store.Get(ctx, userID, chainID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return w.Address, nil
}
