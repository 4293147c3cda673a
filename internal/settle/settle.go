// Package settle executes on-chain settlements: releasing escrowed
// funds to the seller or refunding the buyer. A settlement holds the
// escrow in pending_release while the transfer is in flight; any
// failure puts it back to funded so no escrow is ever stuck, and the
// store's compare-and-set guarantees at most one settlement wins.
package settle

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/middlemark/escrowd/internal/chain"
	"github.com/middlemark/escrowd/internal/escrow"
	"github.com/middlemark/escrowd/internal/money"
	"github.com/middlemark/escrowd/internal/traces"
)

var settlementsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrowd",
	Subsystem: "settle",
	Name:      "settlements_total",
	Help:      "Settlement attempts by kind and outcome.",
}, []string{"kind", "outcome"})

func init() {
	prometheus.MustRegister(settlementsTotal)
}

// ErrNoPayoutWallet means the recipient has no wallet on the escrow's
// chain. The escrow stays funded and nothing moves. It is part of the
// invalid-input family so the HTTP layer maps it to a client error.
var ErrNoPayoutWallet = fmt.Errorf("%w: no payout wallet on this chain", escrow.ErrInvalidInput)

// Wallets resolves a user's payout address per chain.
type Wallets interface {
	PayoutAddress(ctx context.Context, userID, chainID string) (string, error)
}

// ChainSource resolves chain clients and confirmation timeouts.
type ChainSource interface {
	Client(chainID string) (chain.Client, error)
	ConfirmationTimeout(chainID string) time.Duration
}

// Executor implements escrow.Settler.
type Executor struct {
	store    escrow.Store
	chains   ChainSource
	wallets  Wallets
	bookings escrow.Bookings
	invoices escrow.Invoices
	notifier escrow.Notifier
	logger   *slog.Logger
}

var _ escrow.Settler = (*Executor)(nil)

// NewExecutor creates a settlement executor.
func NewExecutor(store escrow.Store, chains ChainSource, wallets Wallets, logger *slog.Logger) *Executor {
	return &Executor{
		store:   store,
		chains:  chains,
		wallets: wallets,
		logger:  logger,
	}
}

// WithBookings adds booking system integration.
func (x *Executor) WithBookings(b escrow.Bookings) *Executor {
	x.bookings = b
	return x
}

// WithInvoices adds invoice integration.
func (x *Executor) WithInvoices(i escrow.Invoices) *Executor {
	x.invoices = i
	return x
}

// WithNotifier adds lifecycle event delivery.
func (x *Executor) WithNotifier(n escrow.Notifier) *Executor {
	x.notifier = n
	return x
}

// Release pays the seller the deposit minus the platform fee. With a
// Resolution attached the escrow terminates as resolved_seller instead
// of released.
func (x *Executor) Release(ctx context.Context, escrowID string, res *escrow.Resolution) (*escrow.SettlementResult, error) {
	ctx, span := traces.StartSpan(ctx, "settle.Release", traces.EscrowID(escrowID))
	defer span.End()

	e, err := x.claim(ctx, escrowID)
	if err != nil {
		settlementsTotal.WithLabelValues("release", "conflict").Inc()
		return nil, err
	}

	payout, err := x.wallets.PayoutAddress(ctx, e.SellerID, e.ChainID)
	if err != nil || payout == "" {
		x.revert(ctx, e)
		settlementsTotal.WithLabelValues("release", "failed").Inc()
		return nil, fmt.Errorf("%w: seller %s on chain %s", ErrNoPayoutWallet, e.SellerID, e.ChainID)
	}

	net, fee, decimals, result, err := x.transfer(ctx, e, payout)
	if err != nil {
		x.revert(ctx, e)
		settlementsTotal.WithLabelValues("release", "failed").Inc()
		return nil, err
	}

	now := time.Now().UTC()
	e.ReleaseTxHash = result.TxHash
	e.ReleaseAmount = money.Format(net, decimals)
	e.ReleaseTo = payout
	e.PlatformFee = money.Format(fee, decimals)
	e.ReleasedAt = &now
	event := escrow.EventReleased
	if res != nil {
		e.Status = escrow.StatusResolvedSeller
		e.ResolverID = res.ResolverID
		e.ResolutionNotes = res.Notes
		e.ResolvedAt = &now
		event = escrow.EventResolved
	} else {
		e.Status = escrow.StatusReleased
	}
	e.Touch()
	if err := x.persistSettled(ctx, e); err != nil {
		settlementsTotal.WithLabelValues("release", "failed").Inc()
		return nil, err
	}
	settlementsTotal.WithLabelValues("release", "ok").Inc()

	if x.bookings != nil {
		if err := x.bookings.MarkCompleted(ctx, e.BookingID); err != nil {
			x.logger.Warn("marking booking completed failed", "escrow", e.ID, "booking", e.BookingID, "error", err)
		}
	}
	if x.notifier != nil {
		x.notifier.EscrowEvent(ctx, event, e)
	}
	x.logger.Info("escrow released", "escrow", e.ID, "tx", result.TxHash, "amount", e.ReleaseAmount, "fee", e.PlatformFee)

	return &escrow.SettlementResult{
		TxHash:      result.TxHash,
		Amount:      e.ReleaseAmount,
		PlatformFee: e.PlatformFee,
		Recipient:   payout,
	}, nil
}

// Refund returns the deposit minus the platform fee to the wallet the
// buyer deposited from. Terminates as resolved_buyer.
func (x *Executor) Refund(ctx context.Context, escrowID string, res *escrow.Resolution) (*escrow.SettlementResult, error) {
	ctx, span := traces.StartSpan(ctx, "settle.Refund", traces.EscrowID(escrowID))
	defer span.End()

	e, err := x.claim(ctx, escrowID)
	if err != nil {
		settlementsTotal.WithLabelValues("refund", "conflict").Inc()
		return nil, err
	}

	payout := e.BuyerWallet
	if payout == "" {
		// No sender wallet on record; fall back to a registered one.
		payout, err = x.wallets.PayoutAddress(ctx, e.BuyerID, e.ChainID)
		if err != nil || payout == "" {
			x.revert(ctx, e)
			settlementsTotal.WithLabelValues("refund", "failed").Inc()
			return nil, fmt.Errorf("%w: buyer %s on chain %s", ErrNoPayoutWallet, e.BuyerID, e.ChainID)
		}
	}

	net, fee, decimals, result, err := x.transfer(ctx, e, payout)
	if err != nil {
		x.revert(ctx, e)
		settlementsTotal.WithLabelValues("refund", "failed").Inc()
		return nil, err
	}

	now := time.Now().UTC()
	e.RefundTxHash = result.TxHash
	e.RefundAmount = money.Format(net, decimals)
	e.PlatformFee = money.Format(fee, decimals)
	e.RefundedAt = &now
	e.Status = escrow.StatusResolvedBuyer
	if res != nil {
		e.ResolverID = res.ResolverID
		e.ResolutionNotes = res.Notes
		e.ResolvedAt = &now
	}
	e.Touch()
	if err := x.persistSettled(ctx, e); err != nil {
		settlementsTotal.WithLabelValues("refund", "failed").Inc()
		return nil, err
	}
	settlementsTotal.WithLabelValues("refund", "ok").Inc()

	if x.invoices != nil && e.InvoiceID != "" {
		if err := x.invoices.MarkCancelled(ctx, e.InvoiceID); err != nil {
			x.logger.Warn("cancelling invoice failed", "escrow", e.ID, "invoice", e.InvoiceID, "error", err)
		}
	}
	if x.bookings != nil {
		if err := x.bookings.MarkCancelled(ctx, e.BookingID); err != nil {
			x.logger.Warn("cancelling booking failed", "escrow", e.ID, "booking", e.BookingID, "error", err)
		}
	}
	if x.notifier != nil {
		x.notifier.EscrowEvent(ctx, escrow.EventRefunded, e)
	}
	x.logger.Info("escrow refunded", "escrow", e.ID, "tx", result.TxHash, "amount", e.RefundAmount)

	return &escrow.SettlementResult{
		TxHash:      result.TxHash,
		Amount:      e.RefundAmount,
		PlatformFee: e.PlatformFee,
		Recipient:   payout,
	}, nil
}

// claim moves funded -> pending_release. Exactly one concurrent caller
// succeeds; losers see ErrStatusConflict.
func (x *Executor) claim(ctx context.Context, escrowID string) (*escrow.Escrow, error) {
	e, err := x.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.Status != escrow.StatusFunded {
		return nil, fmt.Errorf("%w: settlement requires funded, escrow is %s", escrow.ErrInvalidTransition, e.Status)
	}
	e.Status = escrow.StatusPendingRelease
	e.Touch()
	if err := x.store.Transition(ctx, e, escrow.StatusFunded); err != nil {
		return nil, err
	}
	return e, nil
}

// transfer moves the net amount to the payout address and waits for
// confirmation.
func (x *Executor) transfer(ctx context.Context, e *escrow.Escrow, payout string) (net, fee *big.Int, decimals int, result *chain.TransferResult, err error) {
	client, err := x.chains.Client(e.ChainID)
	if err != nil {
		return nil, nil, 0, nil, err
	}
	token, err := client.Token(e.Token)
	if err != nil {
		return nil, nil, 0, nil, err
	}

	amount := e.Amount
	if e.VerifiedAmount != "" {
		amount = e.VerifiedAmount
	}
	deposit, ok := money.Parse(amount, token.Decimals)
	if !ok || deposit.Sign() <= 0 {
		return nil, nil, 0, nil, fmt.Errorf("%w: unparseable escrow amount %q", escrow.ErrInvalidInput, amount)
	}
	netAmount, feeAmount := money.Split(deposit, e.FeeBPS)

	result, err = client.Transfer(ctx, chain.TransferRequest{
		To:     payout,
		Amount: netAmount,
		Token:  e.Token,
	})
	if err != nil {
		return nil, nil, 0, nil, fmt.Errorf("settlement transfer: %w", err)
	}
	if err := client.WaitForConfirmation(ctx, result.TxHash, x.chains.ConfirmationTimeout(e.ChainID)); err != nil {
		return nil, nil, 0, nil, fmt.Errorf("settlement confirmation: %w", err)
	}
	return netAmount, feeAmount, token.Decimals, result, nil
}

// revert puts an in-flight escrow back to funded after a failure.
func (x *Executor) revert(ctx context.Context, e *escrow.Escrow) {
	e.Status = escrow.StatusFunded
	e.Touch()
	if err := x.store.Transition(ctx, e, escrow.StatusPendingRelease); err != nil {
		x.logger.Error("reverting failed settlement", "escrow", e.ID, "error", err)
	}
}

// persistSettled records a completed settlement. The funds have already
// moved, so a write failure is retried once and then escalated for
// manual resolution rather than compensated.
func (x *Executor) persistSettled(ctx context.Context, e *escrow.Escrow) error {
	err := x.store.Transition(ctx, e, escrow.StatusPendingRelease)
	if err == nil {
		return nil
	}
	if retryErr := x.store.Transition(ctx, e, escrow.StatusPendingRelease); retryErr != nil {
		x.logger.Error("CRITICAL: funds moved but settlement record not persisted",
			"escrow", e.ID, "status", e.Status, "tx", e.ReleaseTxHash+e.RefundTxHash, "error", retryErr)
		return fmt.Errorf("persist settlement (requires manual resolution): %w", err)
	}
	return nil
}
