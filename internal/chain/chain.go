// Package chain provides a uniform client interface over heterogeneous
// blockchain RPC endpoints.
//
// Two chain families are supported: EVM-style chains (Base, Polygon,
// Ethereum) and account-model chains (Solana). Each client drives an
// ordered list of RPC endpoints and fails over to the next endpoint on
// transport or RPC-level errors. An endpoint answering "transaction not
// found" is an answer, not a failure: ErrTxNotFound and ErrUnavailable
// are distinct outcomes and callers treat only the latter as an
// infrastructure problem.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"
)

var (
	ErrTxNotFound     = errors.New("chain: transaction not found")
	ErrTxFailed       = errors.New("chain: transaction failed on-chain")
	ErrUnavailable    = errors.New("chain: no rpc endpoint available")
	ErrInvalidAddress = errors.New("chain: invalid address")
	ErrUnknownChain   = errors.New("chain: unknown chain")
	ErrUnknownToken   = errors.New("chain: unknown token")
)

// Family identifies a class of blockchains sharing a transaction model.
type Family string

const (
	FamilyEVM    Family = "evm"
	FamilySolana Family = "solana"
)

// Network selects between production and test networks. It is injected
// at construction; nothing in this package reads global state.
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
)

// TxStatus reports what a chain knows about a transaction.
type TxStatus struct {
	Finalized bool
	Failed    bool
}

// Token describes a transferable asset on a chain. For EVM chains Asset
// is the ERC20 contract address; for Solana it is the mint. An empty
// Asset means the chain's native coin.
type Token struct {
	Symbol   string
	Asset    string
	Decimals int
}

// TransferRequest asks a client to move funds from its hot wallet.
type TransferRequest struct {
	To     string
	Amount *big.Int // smallest units
	Token  string   // symbol; "" = native coin
}

// TransferResult describes a submitted transfer.
type TransferResult struct {
	TxHash string
	From   string
	To     string
	Amount *big.Int
}

// Client is the per-family chain adapter contract.
//
// Implementations serialize nonce/blockhash acquisition internally, so
// concurrent Transfer calls against the same hot wallet are safe.
type Client interface {
	Family() Family

	// GetTransaction looks up a transaction. Returns ErrTxNotFound when
	// every endpoint answered but none knows the hash, ErrUnavailable
	// when no endpoint answered.
	GetTransaction(ctx context.Context, txHash string) (*TxStatus, error)

	// AccountExists reports whether an address exists on the chain.
	AccountExists(ctx context.Context, address string) (bool, error)

	// Transfer builds, signs, and submits a transfer from the hot wallet.
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)

	// WaitForConfirmation polls until the transaction is final, fails,
	// or the timeout elapses (timeout maps to ErrUnavailable).
	WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) error

	// Token resolves a token symbol to its metadata; "" resolves to the
	// chain's native coin.
	Token(symbol string) (Token, error)

	// HotWalletAddress returns the custodial deposit address.
	HotWalletAddress() string

	Close() error
}

// Registry maps chain identifiers ("base", "solana", ...) to clients.
// Dispatch happens once per chain id; there is no string-sniffing at
// call sites.
type Registry struct {
	clients  map[string]Client
	timeouts map[string]time.Duration
}

// NewRegistry creates an empty chain registry.
func NewRegistry() *Registry {
	return &Registry{
		clients:  make(map[string]Client),
		timeouts: make(map[string]time.Duration),
	}
}

// Register adds a client for a chain id with its confirmation timeout.
func (r *Registry) Register(chainID string, c Client, confirmTimeout time.Duration) {
	r.clients[chainID] = c
	r.timeouts[chainID] = confirmTimeout
}

// Client returns the adapter for a chain id.
func (r *Registry) Client(chainID string) (Client, error) {
	c, ok := r.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChain, chainID)
	}
	return c, nil
}

// ConfirmationTimeout returns the per-chain confirmation timeout.
// Lower-latency chains configure shorter timeouts.
func (r *Registry) ConfirmationTimeout(chainID string) time.Duration {
	if d, ok := r.timeouts[chainID]; ok && d > 0 {
		return d
	}
	return 60 * time.Second
}

// Chains lists the registered chain ids.
func (r *Registry) Chains() []string {
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	return ids
}

// Close closes every registered client.
func (r *Registry) Close() {
	for _, c := range r.clients {
		_ = c.Close()
	}
}

// IsRetryable reports whether an error is a transient chain condition
// (not yet visible, or infrastructure trouble) rather than a verdict.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTxNotFound) || errors.Is(err, ErrUnavailable)
}
