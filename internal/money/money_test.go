package money

import (
	"math/big"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		decimals int
		want     int64
		ok       bool
	}{
		{"whole", "100", 6, 100_000000, true},
		{"fractional", "1.5", 6, 1_500000, true},
		{"full precision", "0.000001", 6, 1, true},
		{"nine decimals", "2.25", 9, 2_250000000, true},
		{"truncates excess", "1.1234567", 6, 1_123456, true},
		{"empty is zero", "", 6, 0, true},
		{"negative rejected", "-1", 6, 0, false},
		{"two points rejected", "1.2.3", 6, 0, false},
		{"garbage rejected", "abc", 6, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input, tt.decimals)
			if ok != tt.ok {
				t.Fatalf("Parse(%q) ok = %v, want %v", tt.input, ok, tt.ok)
			}
			if ok && got.Int64() != tt.want {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got.Int64(), tt.want)
			}
		})
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name     string
		input    int64
		decimals int
		want     string
	}{
		{"whole trims fraction", 100_000000, 6, "100"},
		{"trims trailing zeros", 98_750000, 6, "98.75"},
		{"keeps significant digits", 1_234567, 6, "1.234567"},
		{"sub-unit", 500, 6, "0.0005"},
		{"zero", 0, 6, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Format(big.NewInt(tt.input), tt.decimals); got != tt.want {
				t.Errorf("Format(%d) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}

	if got := Format(nil, 6); got != "0" {
		t.Errorf("Format(nil) = %q, want 0", got)
	}
}

func TestSplit(t *testing.T) {
	// 100 USDC at 125 bps: fee 1.25, net 98.75.
	deposit, _ := Parse("100", 6)
	net, fee := Split(deposit, 125)

	if got := Format(fee, 6); got != "1.25" {
		t.Errorf("fee = %s, want 1.25", got)
	}
	if got := Format(net, 6); got != "98.75" {
		t.Errorf("net = %s, want 98.75", got)
	}

	// net + fee must equal the deposit exactly.
	sum := new(big.Int).Add(net, fee)
	if sum.Cmp(deposit) != 0 {
		t.Errorf("net + fee = %s, want %s", sum, deposit)
	}
}

func TestSplit_RemainderStaysWithRecipient(t *testing.T) {
	// 1 smallest unit short of an even split: fee rounds down.
	deposit := big.NewInt(9999)
	net, fee := Split(deposit, 125)

	if fee.Int64() != 124 { // 9999*125/10000 = 124.98 -> 124
		t.Errorf("fee = %d, want 124", fee.Int64())
	}
	if net.Int64() != 9875 {
		t.Errorf("net = %d, want 9875", net.Int64())
	}
}

func TestSplit_ZeroRate(t *testing.T) {
	deposit := big.NewInt(1_000000)
	net, fee := Split(deposit, 0)
	if fee.Sign() != 0 {
		t.Errorf("fee = %s, want 0", fee)
	}
	if net.Cmp(deposit) != 0 {
		t.Errorf("net = %s, want %s", net, deposit)
	}
}
