package settle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/middlemark/escrowd/internal/chain"
	"github.com/middlemark/escrowd/internal/escrow"
)

type fakeClient struct {
	transferCalls atomic.Int32
	transferErr   error
	confirmErr    error
}

func (f *fakeClient) Family() chain.Family { return chain.FamilyEVM }

func (f *fakeClient) GetTransaction(ctx context.Context, txHash string) (*chain.TxStatus, error) {
	return &chain.TxStatus{Finalized: true}, nil
}

func (f *fakeClient) AccountExists(ctx context.Context, address string) (bool, error) {
	return true, nil
}

func (f *fakeClient) Transfer(ctx context.Context, req chain.TransferRequest) (*chain.TransferResult, error) {
	f.transferCalls.Add(1)
	if f.transferErr != nil {
		return nil, f.transferErr
	}
	return &chain.TransferResult{TxHash: "0xsettled", From: "0xhot", To: req.To, Amount: req.Amount}, nil
}

func (f *fakeClient) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) error {
	return f.confirmErr
}

func (f *fakeClient) Token(symbol string) (chain.Token, error) {
	if symbol == "" {
		return chain.Token{Decimals: 18}, nil
	}
	return chain.Token{Symbol: symbol, Asset: "0xusdc", Decimals: 6}, nil
}

func (f *fakeClient) HotWalletAddress() string { return "0xhot" }
func (f *fakeClient) Close() error             { return nil }

type fakeChains struct{ c chain.Client }

func (f *fakeChains) Client(chainID string) (chain.Client, error) { return f.c, nil }
func (f *fakeChains) ConfirmationTimeout(chainID string) time.Duration {
	return time.Second
}

type fakeWallets struct {
	addrs map[string]string // userID -> address
}

func (f *fakeWallets) PayoutAddress(ctx context.Context, userID, chainID string) (string, error) {
	return f.addrs[userID], nil
}

type fakeHooks struct {
	mu        sync.Mutex
	completed []string
	cancelled []string
	invoices  []string
	events    []string
}

func (f *fakeHooks) MarkEscrowLinked(ctx context.Context, bookingID, escrowID string) error {
	return nil
}

func (f *fakeHooks) MarkCompleted(ctx context.Context, bookingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, bookingID)
	return nil
}

func (f *fakeHooks) MarkCancelled(ctx context.Context, bookingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, bookingID)
	return nil
}

func (f *fakeHooks) MarkPaid(ctx context.Context, invoiceID string) error { return nil }

func (f *fakeHooks) markInvoiceCancelled(invoiceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoices = append(f.invoices, invoiceID)
}

func (f *fakeHooks) EscrowEvent(ctx context.Context, eventType string, e *escrow.Escrow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
}

type invoiceRecorder struct{ hooks *fakeHooks }

func (r invoiceRecorder) MarkPaid(ctx context.Context, invoiceID string) error { return nil }
func (r invoiceRecorder) MarkCancelled(ctx context.Context, invoiceID string) error {
	r.hooks.markInvoiceCancelled(invoiceID)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func seedFundedEscrow(t *testing.T, store escrow.Store, amount string) *escrow.Escrow {
	t.Helper()
	now := time.Now().UTC()
	funded := now.Add(-time.Minute)
	e := &escrow.Escrow{
		ID:              "esc_settle1",
		BookingID:       "bk_1",
		InvoiceID:       "inv_1",
		BuyerID:         "u_buyer",
		SellerID:        "u_seller",
		Amount:          amount,
		Token:           "USDC",
		ChainID:         "base",
		FeeBPS:          125,
		DepositTxHash:   "0xdeposit",
		DepositVerified: true,
		VerifiedAmount:  amount,
		BuyerWallet:     "0xbuyerwallet",
		Status:          escrow.StatusFunded,
		CreatedAt:       now,
		UpdatedAt:       now,
		FundedAt:        &funded,
	}
	require.NoError(t, store.Create(context.Background(), e))
	return e
}

func newExecutor(store escrow.Store, client *fakeClient, wallets *fakeWallets, hooks *fakeHooks) *Executor {
	return NewExecutor(store, &fakeChains{c: client}, wallets, testLogger()).
		WithBookings(hooks).
		WithInvoices(invoiceRecorder{hooks: hooks}).
		WithNotifier(hooks)
}

func TestRelease_HappyPath(t *testing.T) {
	ctx := context.Background()
	store := escrow.NewMemoryStore()
	e := seedFundedEscrow(t, store, "100")

	client := &fakeClient{}
	hooks := &fakeHooks{}
	x := newExecutor(store, client, &fakeWallets{addrs: map[string]string{"u_seller": "0xsellerwallet"}}, hooks)

	result, err := x.Release(ctx, e.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "98.75", result.Amount)
	assert.Equal(t, "1.25", result.PlatformFee)
	assert.Equal(t, "0xsellerwallet", result.Recipient)
	assert.Equal(t, "0xsettled", result.TxHash)

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, got.Status)
	assert.Equal(t, "98.75", got.ReleaseAmount)
	assert.Equal(t, "1.25", got.PlatformFee)
	require.NotNil(t, got.ReleasedAt)
	assert.Equal(t, []string{"bk_1"}, hooks.completed)
	assert.Contains(t, hooks.events, escrow.EventReleased)
}

func TestRelease_ConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := escrow.NewMemoryStore()
	e := seedFundedEscrow(t, store, "100")

	client := &fakeClient{}
	x := newExecutor(store, client, &fakeWallets{addrs: map[string]string{"u_seller": "0xsellerwallet"}}, &fakeHooks{})

	const n = 8
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := x.Release(ctx, e.ID, nil)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, escrow.ErrStatusConflict), errors.Is(err, escrow.ErrInvalidTransition):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one release wins")
	assert.Equal(t, int32(n-1), conflicts.Load())
	assert.Equal(t, int32(1), client.transferCalls.Load(), "funds move once")
}

func TestRelease_MissingWalletLeavesFunded(t *testing.T) {
	ctx := context.Background()
	store := escrow.NewMemoryStore()
	e := seedFundedEscrow(t, store, "100")

	client := &fakeClient{}
	x := newExecutor(store, client, &fakeWallets{addrs: map[string]string{}}, &fakeHooks{})

	_, err := x.Release(ctx, e.ID, nil)
	require.ErrorIs(t, err, ErrNoPayoutWallet)

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusFunded, got.Status, "escrow must revert to funded")
	assert.Equal(t, int32(0), client.transferCalls.Load(), "nothing may be submitted")
	assert.Empty(t, got.ReleaseTxHash)
}

func TestRelease_TransferFailureReverts(t *testing.T) {
	ctx := context.Background()
	store := escrow.NewMemoryStore()
	e := seedFundedEscrow(t, store, "100")

	client := &fakeClient{transferErr: chain.ErrUnavailable}
	x := newExecutor(store, client, &fakeWallets{addrs: map[string]string{"u_seller": "0xsellerwallet"}}, &fakeHooks{})

	_, err := x.Release(ctx, e.ID, nil)
	require.ErrorIs(t, err, chain.ErrUnavailable)

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusFunded, got.Status)

	// The revert leaves the escrow retryable.
	client.transferErr = nil
	_, err = x.Release(ctx, e.ID, nil)
	assert.NoError(t, err)
}

func TestRelease_ConfirmationTimeoutReverts(t *testing.T) {
	ctx := context.Background()
	store := escrow.NewMemoryStore()
	e := seedFundedEscrow(t, store, "100")

	client := &fakeClient{confirmErr: chain.ErrUnavailable}
	x := newExecutor(store, client, &fakeWallets{addrs: map[string]string{"u_seller": "0xsellerwallet"}}, &fakeHooks{})

	_, err := x.Release(ctx, e.ID, nil)
	require.Error(t, err)

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusFunded, got.Status)
}

func TestRelease_WithResolutionTerminatesResolvedSeller(t *testing.T) {
	ctx := context.Background()
	store := escrow.NewMemoryStore()
	e := seedFundedEscrow(t, store, "100")

	hooks := &fakeHooks{}
	x := newExecutor(store, &fakeClient{}, &fakeWallets{addrs: map[string]string{"u_seller": "0xsellerwallet"}}, hooks)

	_, err := x.Release(ctx, e.ID, &escrow.Resolution{ResolverID: "op_1", Notes: "evidence reviewed"})
	require.NoError(t, err)

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusResolvedSeller, got.Status)
	assert.Equal(t, "op_1", got.ResolverID)
	assert.Equal(t, "evidence reviewed", got.ResolutionNotes)
	require.NotNil(t, got.ResolvedAt)
	assert.Contains(t, hooks.events, escrow.EventResolved)
}

func TestRefund_PaysBuyerWalletMinusFee(t *testing.T) {
	ctx := context.Background()
	store := escrow.NewMemoryStore()
	e := seedFundedEscrow(t, store, "200")

	hooks := &fakeHooks{}
	x := newExecutor(store, &fakeClient{}, &fakeWallets{addrs: map[string]string{}}, hooks)

	result, err := x.Refund(ctx, e.ID, &escrow.Resolution{ResolverID: "op_1"})
	require.NoError(t, err)
	assert.Equal(t, "197.5", result.Amount)
	assert.Equal(t, "2.5", result.PlatformFee)
	assert.Equal(t, "0xbuyerwallet", result.Recipient)

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusResolvedBuyer, got.Status)
	assert.Equal(t, "197.5", got.RefundAmount)
	require.NotNil(t, got.RefundedAt)
	assert.Equal(t, []string{"inv_1"}, hooks.invoices, "invoice must be cancelled")
	assert.Contains(t, hooks.events, escrow.EventRefunded)
}

func TestRefund_NoWalletAnywhereLeavesFunded(t *testing.T) {
	ctx := context.Background()
	store := escrow.NewMemoryStore()
	now := time.Now().UTC()
	e := &escrow.Escrow{
		ID: "esc_nowallet", BookingID: "bk_nw", BuyerID: "u_buyer", SellerID: "u_seller",
		Amount: "200", Token: "USDC", ChainID: "base", FeeBPS: 125,
		DepositVerified: true, VerifiedAmount: "200",
		Status: escrow.StatusFunded, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.Create(ctx, e))

	client := &fakeClient{}
	x := newExecutor(store, client, &fakeWallets{addrs: map[string]string{}}, &fakeHooks{})

	_, err := x.Refund(ctx, e.ID, nil)
	require.ErrorIs(t, err, ErrNoPayoutWallet)

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusFunded, got.Status)
	assert.Equal(t, int32(0), client.transferCalls.Load())
}

func TestSettle_RequiresFunded(t *testing.T) {
	ctx := context.Background()
	store := escrow.NewMemoryStore()
	e := seedFundedEscrow(t, store, "100")
	e.Status = escrow.StatusDisputed
	now := time.Now().UTC()
	e.DisputedAt = &now
	e.Touch()
	require.NoError(t, store.Transition(ctx, e, escrow.StatusFunded))

	x := newExecutor(store, &fakeClient{}, &fakeWallets{addrs: map[string]string{"u_seller": "0xsellerwallet"}}, &fakeHooks{})

	_, err := x.Release(ctx, e.ID, nil)
	assert.ErrorIs(t, err, escrow.ErrInvalidTransition)
}
