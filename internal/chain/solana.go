package chain

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/ethereum/go-ethereum/rpc"
)

const (
	solConfirmPollEvery   = 2 * time.Second
	solDefaultCallTimeout = 8 * time.Second
)

// SolanaConfig configures an account-model (Solana) client.
type SolanaConfig struct {
	ChainID     string   // registry id, e.g. "solana"
	Endpoints   []string // ordered RPC endpoints
	SecretKey   string   // hot wallet: base58-encoded 64-byte ed25519 secret key
	Tokens      []Token  // SPL tokens accepted on this chain
	CallTimeout time.Duration
}

// SolanaClient implements Client for Solana. The Solana JSON-RPC API is
// plain JSON-RPC 2.0, so the transport is go-ethereum's generic rpc
// client; only the method payloads are Solana-specific.
type SolanaClient struct {
	chainID     string
	pool        *endpointPool
	key         ed25519.PrivateKey
	hotWallet   solPubkey
	tokens      map[string]Token
	callTimeout time.Duration

	// submitMu serializes blockhash acquisition and submission for the
	// shared hot wallet.
	submitMu sync.Mutex

	dialMu  sync.Mutex
	clients map[string]*rpc.Client
}

var _ Client = (*SolanaClient)(nil)

// NewSolana creates a Solana chain client.
func NewSolana(cfg SolanaConfig) (*SolanaClient, error) {
	pool, err := newEndpointPool(cfg.ChainID, cfg.Endpoints)
	if err != nil {
		return nil, err
	}

	secret := base58.Decode(cfg.SecretKey)
	if len(secret) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("chain %s: secret key must be a base58-encoded 64-byte ed25519 key", cfg.ChainID)
	}
	key := ed25519.PrivateKey(secret)

	var hotWallet solPubkey
	copy(hotWallet[:], key.Public().(ed25519.PublicKey))

	tokens := make(map[string]Token, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		tokens[t.Symbol] = t
	}

	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = solDefaultCallTimeout
	}

	return &SolanaClient{
		chainID:     cfg.ChainID,
		pool:        pool,
		key:         key,
		hotWallet:   hotWallet,
		tokens:      tokens,
		callTimeout: callTimeout,
		clients:     make(map[string]*rpc.Client),
	}, nil
}

func (c *SolanaClient) Family() Family { return FamilySolana }

func (c *SolanaClient) HotWalletAddress() string { return c.hotWallet.String() }

// Token resolves a configured SPL token symbol; "" is native SOL.
func (c *SolanaClient) Token(symbol string) (Token, error) {
	if symbol == "" {
		return Token{Decimals: 9}, nil
	}
	t, ok := c.tokens[symbol]
	if !ok {
		return Token{}, fmt.Errorf("%w: %q on chain %s", ErrUnknownToken, symbol, c.chainID)
	}
	return t, nil
}

func (c *SolanaClient) client(ctx context.Context, endpoint string) (*rpc.Client, error) {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()
	if cl, ok := c.clients[endpoint]; ok {
		return cl, nil
	}
	cl, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	c.clients[endpoint] = cl
	return cl, nil
}

// call performs a single JSON-RPC method call with endpoint failover.
func (c *SolanaClient) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	return c.pool.do(func(endpoint string) error {
		cl, err := c.client(ctx, endpoint)
		if err != nil {
			return failover(err)
		}
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
		if err := cl.CallContext(callCtx, result, method, args...); err != nil {
			return failover(err)
		}
		return nil
	})
}

type solSignatureStatus struct {
	ConfirmationStatus string          `json:"confirmationStatus"`
	Err                json.RawMessage `json:"err"`
}

type solSignatureStatuses struct {
	Value []*solSignatureStatus `json:"value"`
}

// GetTransaction reports finality via getSignatureStatuses. A null
// status entry means no endpoint-visible record: ErrTxNotFound.
func (c *SolanaClient) GetTransaction(ctx context.Context, txHash string) (*TxStatus, error) {
	var resp solSignatureStatuses
	err := c.call(ctx, &resp, "getSignatureStatuses",
		[]string{txHash},
		map[string]interface{}{"searchTransactionHistory": true},
	)
	if err != nil {
		return nil, err
	}
	if len(resp.Value) == 0 || resp.Value[0] == nil {
		return nil, ErrTxNotFound
	}

	st := resp.Value[0]
	failed := len(st.Err) > 0 && string(st.Err) != "null"
	return &TxStatus{
		Finalized: st.ConfirmationStatus == "finalized" || failed,
		Failed:    failed,
	}, nil
}

type solAccountInfo struct {
	Value *struct {
		Lamports uint64 `json:"lamports"`
		Owner    string `json:"owner"`
	} `json:"value"`
}

// AccountExists reports whether the account has been created on chain.
// Unlike EVM, Solana accounts must exist (hold rent) to be visible.
func (c *SolanaClient) AccountExists(ctx context.Context, address string) (bool, error) {
	pk, err := parsePubkey(address)
	if err != nil {
		return false, err
	}

	var resp solAccountInfo
	if err := c.call(ctx, &resp, "getAccountInfo", pk.String(), map[string]interface{}{"encoding": "base64"}); err != nil {
		return false, err
	}
	return resp.Value != nil, nil
}

type solLatestBlockhash struct {
	Value struct {
		Blockhash string `json:"blockhash"`
	} `json:"value"`
}

// Transfer sends SOL or an SPL token from the hot wallet. For token
// transfers, the recipient's associated token account is created first
// when it does not exist yet.
func (c *SolanaClient) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	to, err := parsePubkey(req.To)
	if err != nil {
		return nil, err
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("chain %s: transfer amount must be positive", c.chainID)
	}
	if !req.Amount.IsUint64() {
		return nil, fmt.Errorf("chain %s: transfer amount overflows u64", c.chainID)
	}
	amount := req.Amount.Uint64()

	var instrs []instruction
	if req.Token == "" {
		instrs = append(instrs, systemTransferIx(c.hotWallet, to, amount))
	} else {
		token, ok := c.tokens[req.Token]
		if !ok {
			return nil, fmt.Errorf("%w: %q on chain %s", ErrUnknownToken, req.Token, c.chainID)
		}
		mint, err := parsePubkey(token.Asset)
		if err != nil {
			return nil, fmt.Errorf("token %s mint: %w", req.Token, err)
		}
		sourceATA, err := deriveATA(c.hotWallet, mint)
		if err != nil {
			return nil, err
		}
		destATA, err := deriveATA(to, mint)
		if err != nil {
			return nil, err
		}

		exists, err := c.AccountExists(ctx, destATA.String())
		if err != nil {
			return nil, err
		}
		if !exists {
			instrs = append(instrs, createATAIx(c.hotWallet, destATA, to, mint))
		}
		instrs = append(instrs, tokenTransferIx(sourceATA, destATA, c.hotWallet, amount))
	}

	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	var bh solLatestBlockhash
	if err := c.call(ctx, &bh, "getLatestBlockhash", map[string]interface{}{"commitment": "finalized"}); err != nil {
		return nil, err
	}
	blockhash, err := parsePubkey(bh.Value.Blockhash)
	if err != nil {
		return nil, fmt.Errorf("bad blockhash from rpc: %w", err)
	}

	raw, err := buildTransaction(c.key, c.hotWallet, blockhash, instrs)
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}

	var signature string
	err = c.call(ctx, &signature, "sendTransaction",
		base64.StdEncoding.EncodeToString(raw),
		map[string]interface{}{"encoding": "base64"},
	)
	if err != nil {
		return nil, err
	}

	return &TransferResult{
		TxHash: signature,
		From:   c.hotWallet.String(),
		To:     req.To,
		Amount: req.Amount,
	}, nil
}

// WaitForConfirmation polls signature status until finalized, failed,
// or timed out.
func (c *SolanaClient) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(solConfirmPollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: confirmation timeout for %s", ErrUnavailable, txHash)
			}
			return ctx.Err()
		case <-ticker.C:
			status, err := c.GetTransaction(ctx, txHash)
			if err != nil {
				continue
			}
			if status.Failed {
				return fmt.Errorf("%w: %s", ErrTxFailed, txHash)
			}
			if status.Finalized {
				return nil
			}
		}
	}
}

func (c *SolanaClient) Close() error {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()
	for _, cl := range c.clients {
		cl.Close()
	}
	c.clients = make(map[string]*rpc.Client)
	return nil
}
