package chain

import (
	"crypto/ed25519"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Dispatch(t *testing.T) {
	r := NewRegistry()

	_, err := r.Client("solana")
	require.ErrorIs(t, err, ErrUnknownChain)

	key, err := NewEVM(EVMConfig{
		ChainID:    "base",
		NetworkID:  8453,
		Endpoints:  []string{"http://localhost:8545"},
		PrivateKey: "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
	})
	require.NoError(t, err)
	r.Register("base", key, 30*time.Second)

	got, err := r.Client("base")
	require.NoError(t, err)
	assert.Equal(t, FamilyEVM, got.Family())
	assert.Equal(t, 30*time.Second, r.ConfirmationTimeout("base"))

	// Unregistered chains fall back to the default timeout.
	assert.Equal(t, 60*time.Second, r.ConfirmationTimeout("unknown"))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrTxNotFound))
	assert.True(t, IsRetryable(ErrUnavailable))
	assert.False(t, IsRetryable(ErrTxFailed))
	assert.False(t, IsRetryable(errors.New("boom")))
}

func TestEndpointPool_FailsOverInOrder(t *testing.T) {
	pool, err := newEndpointPool("test", []string{"a", "b", "c"})
	require.NoError(t, err)

	var tried []string
	err = pool.do(func(endpoint string) error {
		tried = append(tried, endpoint)
		if endpoint != "c" {
			return failover(errors.New("connection refused"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, tried)

	// The last healthy endpoint stays preferred.
	tried = nil
	err = pool.do(func(endpoint string) error {
		tried = append(tried, endpoint)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, tried)
}

func TestEndpointPool_AnswerStopsFailover(t *testing.T) {
	pool, err := newEndpointPool("test", []string{"a", "b"})
	require.NoError(t, err)

	var tried []string
	err = pool.do(func(endpoint string) error {
		tried = append(tried, endpoint)
		return ErrTxNotFound // an answer, not an endpoint failure
	})
	assert.ErrorIs(t, err, ErrTxNotFound)
	assert.Equal(t, []string{"a"}, tried, "NotFound must not trigger failover")
}

func TestEndpointPool_AllDownIsUnavailable(t *testing.T) {
	pool, err := newEndpointPool("test", []string{"a", "b"})
	require.NoError(t, err)

	err = pool.do(func(endpoint string) error {
		return failover(errors.New("timeout"))
	})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, ErrTxNotFound)
}

func TestCompactU16(t *testing.T) {
	tests := []struct {
		n    int
		want []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{127, []byte{0x7f}},
		{128, []byte{0x80, 0x01}},
		{255, []byte{0xff, 0x01}},
		{16384, []byte{0x80, 0x80, 0x01}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, compactU16(tt.n), "n=%d", tt.n)
	}
}

func TestParsePubkey(t *testing.T) {
	pk, err := parsePubkey("11111111111111111111111111111111")
	require.NoError(t, err)
	assert.Equal(t, "11111111111111111111111111111111", pk.String())

	_, err = parsePubkey("0xdeadbeef")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestDeriveATA(t *testing.T) {
	owner := mustPubkey("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	mint := mustPubkey("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")

	ata, err := deriveATA(owner, mint)
	require.NoError(t, err)
	assert.NotEqual(t, owner, ata)
	assert.False(t, isOnCurve(ata), "a PDA must be off-curve")

	// Derivation is deterministic.
	again, err := deriveATA(owner, mint)
	require.NoError(t, err)
	assert.Equal(t, ata, again)
}

func TestSystemTransferIx_Layout(t *testing.T) {
	from := mustPubkey("11111111111111111111111111111111")
	to := mustPubkey("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")

	ix := systemTransferIx(from, to, 1_000_000_000)
	require.Len(t, ix.data, 12)
	assert.Equal(t, []byte{2, 0, 0, 0}, ix.data[:4], "instruction index")
	assert.Equal(t, byte(0x00), ix.data[11], "high lamport bytes")
	assert.True(t, ix.accounts[0].signer)
	assert.True(t, ix.accounts[0].writable)
	assert.False(t, ix.accounts[1].signer)
}

func TestBuildTransaction(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var payer solPubkey
	copy(payer[:], priv.Public().(ed25519.PublicKey))

	to := mustPubkey("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	blockhash := mustPubkey("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")

	raw, err := buildTransaction(priv, payer, blockhash, []instruction{
		systemTransferIx(payer, to, 42),
	})
	require.NoError(t, err)

	// One signature followed by the message.
	require.Greater(t, len(raw), 1+64)
	assert.Equal(t, byte(1), raw[0], "signature count")

	msg := raw[1+64:]
	sig := raw[1 : 1+64]
	assert.True(t, ed25519.Verify(priv.Public().(ed25519.PublicKey), msg, sig))

	// Header: 1 required signature, 0 readonly signed, 1 readonly
	// unsigned (the system program).
	assert.Equal(t, byte(1), msg[0])
	assert.Equal(t, byte(0), msg[1])
	assert.Equal(t, byte(1), msg[2])
	assert.Equal(t, byte(3), msg[3], "account count")
}
