// Package verify checks recorded deposits against the chain and drives
// the escrow to funded. Verification is idempotent: once an escrow has
// left deposit_pending, further calls are no-ops that report the
// already-reached verdict.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/middlemark/escrowd/internal/chain"
	"github.com/middlemark/escrowd/internal/escrow"
	"github.com/middlemark/escrowd/internal/traces"
)

var verificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrowd",
	Subsystem: "verify",
	Name:      "attempts_total",
	Help:      "Deposit verification attempts by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(verificationsTotal)
}

// ChainSource resolves a chain id to a client.
type ChainSource interface {
	Client(chainID string) (chain.Client, error)
}

// Engine runs deposit verification.
type Engine struct {
	store    escrow.Store
	chains   ChainSource
	invoices escrow.Invoices
	notifier escrow.Notifier
	logger   *slog.Logger
}

// NewEngine creates a verification engine.
func NewEngine(store escrow.Store, chains ChainSource, logger *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		chains: chains,
		logger: logger,
	}
}

// WithInvoices adds invoice integration.
func (en *Engine) WithInvoices(i escrow.Invoices) *Engine {
	en.invoices = i
	return en
}

// WithNotifier adds lifecycle event delivery.
func (en *Engine) WithNotifier(n escrow.Notifier) *Engine {
	en.notifier = n
	return en
}

// Verify runs one verification attempt. Outcomes:
//   - escrow already funded or past it: verified, nothing touched;
//   - transaction not found or chain unreachable: pending (retryable);
//   - transaction failed on chain: terminal negative verdict, the
//     escrow stays deposit_pending with the failure recorded;
//   - transaction finalized: escrow moves deposit_pending -> funded via
//     compare-and-set, so of two concurrent verifiers exactly one
//     stamps fundedAt and emits the funded event.
func (en *Engine) Verify(ctx context.Context, escrowID string) (*escrow.VerifyResult, error) {
	ctx, span := traces.StartSpan(ctx, "verify.Verify", traces.EscrowID(escrowID))
	defer span.End()

	e, err := en.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}

	switch e.Status {
	case escrow.StatusDepositPending:
		// Proceed to the chain.
	case escrow.StatusAwaitingDeposit:
		return nil, fmt.Errorf("%w: no deposit recorded", escrow.ErrInvalidInput)
	case escrow.StatusCancelled:
		return &escrow.VerifyResult{Verified: false, Reason: "escrow cancelled"}, nil
	default:
		// funded or beyond: the deposit was already accepted.
		return &escrow.VerifyResult{Verified: true}, nil
	}

	client, err := en.chains.Client(e.ChainID)
	if err != nil {
		return nil, err
	}

	tx, err := client.GetTransaction(ctx, e.DepositTxHash)
	if err != nil {
		if chain.IsRetryable(err) {
			verificationsTotal.WithLabelValues("pending").Inc()
			return &escrow.VerifyResult{Pending: true, Reason: err.Error()}, nil
		}
		return nil, err
	}

	if tx.Failed {
		return en.markFailed(ctx, e, "deposit transaction failed on chain")
	}
	if !tx.Finalized {
		verificationsTotal.WithLabelValues("pending").Inc()
		return &escrow.VerifyResult{Pending: true, Reason: "awaiting finality"}, nil
	}

	now := time.Now().UTC()
	e.DepositVerified = true
	e.VerifiedAmount = e.Amount
	e.VerifyFailure = ""
	e.Status = escrow.StatusFunded
	e.FundedAt = &now
	e.Touch()

	if err := en.store.Transition(ctx, e, escrow.StatusDepositPending); err != nil {
		if errors.Is(err, escrow.ErrStatusConflict) {
			// A concurrent verifier won; report its verdict.
			return en.reread(ctx, escrowID)
		}
		return nil, err
	}

	verificationsTotal.WithLabelValues("verified").Inc()
	en.logger.Info("deposit verified", "escrow", e.ID, "tx", e.DepositTxHash, "chain", e.ChainID)

	if en.invoices != nil && e.InvoiceID != "" {
		if err := en.invoices.MarkPaid(ctx, e.InvoiceID); err != nil {
			en.logger.Warn("marking invoice paid failed", "escrow", e.ID, "invoice", e.InvoiceID, "error", err)
		}
	}
	if en.notifier != nil {
		en.notifier.EscrowEvent(ctx, escrow.EventFunded, e)
	}
	return &escrow.VerifyResult{Verified: true}, nil
}

// markFailed records a terminal negative verdict without changing the
// status. Manual re-verification stays possible.
func (en *Engine) markFailed(ctx context.Context, e *escrow.Escrow, reason string) (*escrow.VerifyResult, error) {
	e.DepositVerified = false
	e.VerifyFailure = reason
	e.Touch()
	if err := en.store.Transition(ctx, e, escrow.StatusDepositPending); err != nil {
		if errors.Is(err, escrow.ErrStatusConflict) {
			return en.reread(ctx, e.ID)
		}
		return nil, err
	}

	verificationsTotal.WithLabelValues("failed").Inc()
	en.logger.Warn("deposit verification failed", "escrow", e.ID, "tx", e.DepositTxHash, "reason", reason)
	if en.notifier != nil {
		en.notifier.EscrowEvent(ctx, escrow.EventVerifyFailed, e)
	}
	return &escrow.VerifyResult{Verified: false, Reason: reason}, nil
}

// reread reports the verdict already reached by a concurrent verifier.
func (en *Engine) reread(ctx context.Context, escrowID string) (*escrow.VerifyResult, error) {
	e, err := en.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.Status == escrow.StatusDepositPending {
		return &escrow.VerifyResult{Verified: e.DepositVerified, Reason: e.VerifyFailure}, nil
	}
	return &escrow.VerifyResult{Verified: e.DepositVerified}, nil
}
