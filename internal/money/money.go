// Package money provides amount parsing, formatting, and fee math.
//
// Amounts cross the wire as decimal strings (e.g. "98.75") and are
// handled internally as big.Int values in the token's smallest unit.
// The number of decimals varies per token (USDC: 6, SOL: 9, ETH: 18),
// so every conversion takes the decimals explicitly.
package money

import (
	"math/big"
	"strings"
)

// BPSDenominator is the divisor for basis-point fee rates (125 bps = 1.25%).
const BPSDenominator = 10000

// Parse converts a decimal string to its smallest-unit big.Int
// representation at the given number of decimals.
// Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional digits beyond the token's precision are truncated
func Parse(s string, decimals int) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < decimals {
		frac += "0"
	}
	frac = frac[:decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	if !ok || result.Sign() < 0 {
		return nil, false
	}
	return result, true
}

// Format converts a smallest-unit big.Int to a decimal string at the
// given number of decimals, with trailing fractional zeros trimmed
// ("98.750000" -> "98.75", "100.000000" -> "100").
func Format(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole := new(big.Int).Quo(amount, divisor)
	remainder := new(big.Int).Mod(amount, divisor)

	if remainder.Sign() == 0 {
		return whole.String()
	}

	frac := remainder.String()
	for len(frac) < decimals {
		frac = "0" + frac
	}
	frac = strings.TrimRight(frac, "0")
	return whole.String() + "." + frac
}

// Split divides a deposit into the net settlement amount and the
// platform fee at the given basis-point rate.
//
// fee = deposit * feeBPS / 10000, rounded down; net = deposit - fee.
// The integer-division remainder therefore stays with the recipient,
// never the fee, and net + fee == deposit holds exactly.
func Split(deposit *big.Int, feeBPS int) (net, fee *big.Int) {
	fee = new(big.Int).Mul(deposit, big.NewInt(int64(feeBPS)))
	fee.Quo(fee, big.NewInt(BPSDenominator))
	net = new(big.Int).Sub(deposit, fee)
	return net, fee
}
