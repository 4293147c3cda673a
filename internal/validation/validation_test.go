package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidEVMAddress(t *testing.T) {
	assert.True(t, IsValidEVMAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"))
	assert.False(t, IsValidEVMAddress("036CbD53842c5426634e7929541eC2318f3dCF7e"), "missing 0x prefix")
	assert.False(t, IsValidEVMAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7"), "too short")
	assert.False(t, IsValidEVMAddress("0xZZ6CbD53842c5426634e7929541eC2318f3dCF7e"), "non-hex")
	assert.False(t, IsValidEVMAddress(""))
}

func TestIsValidEVMTxHash(t *testing.T) {
	assert.True(t, IsValidEVMTxHash("0x"+string(make64hex())))
	assert.False(t, IsValidEVMTxHash("0xabc"))
	assert.False(t, IsValidEVMTxHash(""))
}

func make64hex() []byte {
	b := make([]byte, 64)
	for i := range b {
		b[i] = "0123456789abcdef"[i%16]
	}
	return b
}

func TestIsValidSolanaAddress(t *testing.T) {
	// USDC mint on mainnet.
	assert.True(t, IsValidSolanaAddress("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"))
	// Devnet USDC mint.
	assert.True(t, IsValidSolanaAddress("4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"))
	assert.False(t, IsValidSolanaAddress("notbase58!!!"))
	assert.False(t, IsValidSolanaAddress("abc"))
	assert.False(t, IsValidSolanaAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"), "EVM address is not a Solana key")
}

func TestValidAddressForChain(t *testing.T) {
	errs := Validate(
		ValidAddressForChain("wallet", "0x036CbD53842c5426634e7929541eC2318f3dCF7e", "base"),
		ValidAddressForChain("wallet", "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", "solana"),
	)
	assert.Empty(t, errs)

	errs = Validate(ValidAddressForChain("wallet", "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", "base"))
	assert.Len(t, errs, 1)
	assert.Equal(t, "wallet", errs[0].Field)

	errs = Validate(ValidAddressForChain("wallet", "0x036CbD53842c5426634e7929541eC2318f3dCF7e", "solana"))
	assert.Len(t, errs, 1)
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hello  ", 100))
	assert.Equal(t, "hel", SanitizeString("hello", 3))
	assert.Equal(t, "ab", SanitizeString("a\x00b", 100))
}

func TestSanitizeEVMAddress(t *testing.T) {
	assert.Equal(t, "0xabcdef1234567890abcdef1234567890abcdef12",
		SanitizeEVMAddress("  0xABCDEF1234567890abcdef1234567890ABCDEF12  "))
	assert.Equal(t, "0xabcdef1234567890abcdef1234567890abcdef12",
		SanitizeEVMAddress("ABCDEF1234567890abcdef1234567890ABCDEF12"))
}

func TestValidAmount(t *testing.T) {
	for _, ok := range []string{"1", "0.5", "100.25", "42"} {
		assert.Empty(t, Validate(ValidAmount("amount", ok)), ok)
	}
	for _, bad := range []string{"0", "0.0", "-1", "1.2.3", ".5", "5.", "abc"} {
		assert.NotEmpty(t, Validate(ValidAmount("amount", bad)), bad)
	}
}

func TestValidateCollectsAll(t *testing.T) {
	errs := Validate(
		Required("a", ""),
		Required("b", "present"),
		MaxLength("c", "toolong", 3),
	)
	assert.Len(t, errs, 2)
	assert.Equal(t, "a: is required", errs.Error())
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "0x036cbd53842c5426634e7929541ec2318f3dcf7e",
		NormalizeAddress("base", "0x036CbD53842c5426634e7929541eC2318f3dCF7e"))
	assert.Equal(t, "0x036cbd53842c5426634e7929541ec2318f3dcf7e",
		NormalizeAddress("ethereum", " 0x036CbD53842c5426634e7929541eC2318f3dCF7e "))

	// Base58 is case-sensitive; Solana addresses must pass through intact.
	mint := "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	assert.Equal(t, mint, NormalizeAddress("solana", " "+mint+" "))
}
