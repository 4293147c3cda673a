package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Minimal ERC20 ABI: transfer + balanceOf.
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const (
	evmDefaultGasLimit    = uint64(100000)
	evmConfirmPollEvery   = 2 * time.Second
	evmDefaultCallTimeout = 10 * time.Second
)

var evmAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// EVMConfig configures an EVM-family client.
type EVMConfig struct {
	ChainID     string   // registry id, e.g. "base"
	NetworkID   int64    // EIP-155 chain id
	Endpoints   []string // ordered RPC endpoints
	PrivateKey  string   // hot wallet key, hex, optional 0x prefix
	Tokens      []Token  // ERC20 tokens accepted on this chain
	CallTimeout time.Duration
}

// EVMClient implements Client for EVM-style chains over go-ethereum.
type EVMClient struct {
	chainID     string
	networkID   *big.Int
	pool        *endpointPool
	privateKey  *ecdsa.PrivateKey
	address     common.Address
	tokens      map[string]Token
	erc20       abi.ABI
	callTimeout time.Duration

	// nonceMu serializes nonce acquisition and submission so concurrent
	// settlements through the shared hot wallet cannot reuse a nonce.
	nonceMu sync.Mutex

	dialMu  sync.Mutex
	clients map[string]*ethclient.Client
}

var _ Client = (*EVMClient)(nil)

// NewEVM creates an EVM chain client.
func NewEVM(cfg EVMConfig) (*EVMClient, error) {
	pool, err := newEndpointPool(cfg.ChainID, cfg.Endpoints)
	if err != nil {
		return nil, err
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain %s: invalid private key: %w", cfg.ChainID, err)
	}
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("chain %s: failed to derive public key", cfg.ChainID)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}

	tokens := make(map[string]Token, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		tokens[t.Symbol] = t
	}

	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = evmDefaultCallTimeout
	}

	return &EVMClient{
		chainID:     cfg.ChainID,
		networkID:   big.NewInt(cfg.NetworkID),
		pool:        pool,
		privateKey:  key,
		address:     crypto.PubkeyToAddress(*pub),
		tokens:      tokens,
		erc20:       parsedABI,
		callTimeout: callTimeout,
		clients:     make(map[string]*ethclient.Client),
	}, nil
}

func (c *EVMClient) Family() Family { return FamilyEVM }

func (c *EVMClient) HotWalletAddress() string { return c.address.Hex() }

// Token resolves a configured ERC20 symbol; "" is the native coin.
func (c *EVMClient) Token(symbol string) (Token, error) {
	if symbol == "" {
		return Token{Decimals: 18}, nil
	}
	t, ok := c.tokens[symbol]
	if !ok {
		return Token{}, fmt.Errorf("%w: %q on chain %s", ErrUnknownToken, symbol, c.chainID)
	}
	return t, nil
}

func (c *EVMClient) client(endpoint string) (*ethclient.Client, error) {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()
	if cl, ok := c.clients[endpoint]; ok {
		return cl, nil
	}
	cl, err := ethclient.Dial(endpoint)
	if err != nil {
		return nil, err
	}
	c.clients[endpoint] = cl
	return cl, nil
}

// do runs fn against the endpoint pool with the per-call timeout applied.
func (c *EVMClient) do(ctx context.Context, fn func(ctx context.Context, cl *ethclient.Client) error) error {
	return c.pool.do(func(endpoint string) error {
		cl, err := c.client(endpoint)
		if err != nil {
			return failover(err)
		}
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
		return fn(callCtx, cl)
	})
}

// GetTransaction reports finality via the transaction receipt. A known
// but unmined transaction is "found, not finalized"; an unknown hash is
// ErrTxNotFound. Transport failures fail over to the next endpoint.
func (c *EVMClient) GetTransaction(ctx context.Context, txHash string) (*TxStatus, error) {
	hash := common.HexToHash(txHash)
	var status *TxStatus

	err := c.do(ctx, func(ctx context.Context, cl *ethclient.Client) error {
		receipt, err := cl.TransactionReceipt(ctx, hash)
		if err == nil {
			status = &TxStatus{Finalized: true, Failed: receipt.Status == types.ReceiptStatusFailed}
			return nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return failover(err)
		}

		// No receipt. The transaction may still be in the mempool.
		_, pending, err := cl.TransactionByHash(ctx, hash)
		if err == nil && pending {
			status = &TxStatus{Finalized: false}
			return nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return failover(err)
		}
		return ErrTxNotFound
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// AccountExists validates the address format. EVM accounts need no
// prior on-chain footprint to receive funds, so any well-formed address
// is accepted.
func (c *EVMClient) AccountExists(ctx context.Context, address string) (bool, error) {
	if !evmAddressRegex.MatchString(address) {
		return false, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return true, nil
}

// Transfer sends native coin or an ERC20 token from the hot wallet.
func (c *EVMClient) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if !evmAddressRegex.MatchString(req.To) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, req.To)
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("chain %s: transfer amount must be positive", c.chainID)
	}
	to := common.HexToAddress(req.To)

	var (
		txTo    common.Address
		value   *big.Int
		data    []byte
		err     error
	)
	if req.Token == "" {
		txTo = to
		value = req.Amount
	} else {
		token, ok := c.tokens[req.Token]
		if !ok {
			return nil, fmt.Errorf("%w: %q on chain %s", ErrUnknownToken, req.Token, c.chainID)
		}
		txTo = common.HexToAddress(token.Asset)
		value = big.NewInt(0)
		data, err = c.erc20.Pack("transfer", to, req.Amount)
		if err != nil {
			return nil, fmt.Errorf("pack erc20 transfer: %w", err)
		}
	}

	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	var txHash string
	err = c.do(ctx, func(ctx context.Context, cl *ethclient.Client) error {
		nonce, err := cl.PendingNonceAt(ctx, c.address)
		if err != nil {
			return failover(err)
		}
		gasPrice, err := cl.SuggestGasPrice(ctx)
		if err != nil {
			return failover(err)
		}
		gasLimit, err := cl.EstimateGas(ctx, ethereum.CallMsg{
			From:  c.address,
			To:    &txTo,
			Value: value,
			Data:  data,
		})
		if err != nil {
			gasLimit = evmDefaultGasLimit
		}

		tx := types.NewTransaction(nonce, txTo, value, gasLimit, gasPrice, data)
		signed, err := types.SignTx(tx, types.NewEIP155Signer(c.networkID), c.privateKey)
		if err != nil {
			return fmt.Errorf("sign transfer: %w", err)
		}
		if err := cl.SendTransaction(ctx, signed); err != nil {
			return failover(err)
		}
		txHash = signed.Hash().Hex()
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &TransferResult{
		TxHash: txHash,
		From:   c.address.Hex(),
		To:     req.To,
		Amount: req.Amount,
	}, nil
}

// WaitForConfirmation polls for the receipt until the timeout elapses.
func (c *EVMClient) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(evmConfirmPollEvery)
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
				// Not visible yet, or endpoints down: keep polling
				// until the deadline decides.
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

func (c *EVMClient) Close() error {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()
	for _, cl := range c.clients {
		cl.Close()
	}
	c.clients = make(map[string]*ethclient.Client)
	return nil
}
