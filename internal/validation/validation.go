// Package validation provides input validation helpers and middleware
// for the escrow API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

var (
	// evmAddressRegex validates EVM addresses
	evmAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	// evmTxHashRegex validates EVM transaction hashes
	evmTxHashRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
	// hexRegex validates hex strings (for signatures, etc)
	hexRegex = regexp.MustCompile(`^(0x)?[a-fA-F0-9]+$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEVMAddress checks if a string is a valid EVM address
func IsValidEVMAddress(addr string) bool {
	return evmAddressRegex.MatchString(addr)
}

// IsValidEVMTxHash checks if a string is a valid EVM transaction hash
func IsValidEVMTxHash(hash string) bool {
	return evmTxHashRegex.MatchString(hash)
}

// IsValidSolanaAddress checks if a string is a valid Solana public key
// (base58, 32 bytes decoded).
func IsValidSolanaAddress(addr string) bool {
	if len(addr) < 32 || len(addr) > 44 {
		return false
	}
	return len(base58.Decode(addr)) == 32
}

// IsValidSolanaSignature checks if a string is a valid Solana
// transaction signature (base58, 64 bytes decoded).
func IsValidSolanaSignature(sig string) bool {
	if len(sig) < 64 || len(sig) > 90 {
		return false
	}
	return len(base58.Decode(sig)) == 64
}

// IsValidHex checks if a string is valid hex
func IsValidHex(s string) bool {
	return hexRegex.MatchString(s)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}

// SanitizeEVMAddress normalizes an EVM address
func SanitizeEVMAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.ToLower(addr)

	// Ensure 0x prefix
	if !strings.HasPrefix(addr, "0x") && len(addr) == 40 {
		addr = "0x" + addr
	}

	return addr
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// isSolanaChain is the single place a chain id maps to its address
// scheme. Everything not named here uses the EVM formats.
func isSolanaChain(chainID string) bool {
	return chainID == "solana"
}

// NormalizeAddress canonicalizes an address for its chain's scheme:
// EVM addresses are lowercased and 0x-prefixed, Solana addresses are
// case-sensitive base58 and pass through trimmed.
func NormalizeAddress(chainID, address string) string {
	if isSolanaChain(chainID) {
		return strings.TrimSpace(address)
	}
	return SanitizeEVMAddress(address)
}

// ValidAddressForChain checks a wallet address against the address
// format of the named chain. Unknown chains are not rejected here;
// the chain registry decides what exists.
func ValidAddressForChain(field, value, chainID string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if isSolanaChain(chainID) {
			if !IsValidSolanaAddress(value) {
				return &ValidationError{Field: field, Message: "must be a valid Solana address (base58)"}
			}
		} else if !IsValidEVMAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid EVM address (0x + 40 hex chars)"}
		}
		return nil
	}
}

// ValidTxHashForChain checks a transaction reference against the
// format of the named chain.
func ValidTxHashForChain(field, value, chainID string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if isSolanaChain(chainID) {
			if !IsValidSolanaSignature(value) {
				return &ValidationError{Field: field, Message: "must be a valid Solana transaction signature"}
			}
		} else if !IsValidEVMTxHash(value) {
			return &ValidationError{Field: field, Message: "must be a valid transaction hash (0x + 64 hex chars)"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidAmount checks if a value is a valid decimal amount (must be positive)
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		// Should be a positive decimal number with at most one decimal point
		decimalCount := 0
		hasNonZero := false
		for i, c := range value {
			if c == '.' {
				decimalCount++
				if decimalCount > 1 {
					return &ValidationError{Field: field, Message: "invalid amount format"}
				}
				if i == 0 || i == len(value)-1 {
					return &ValidationError{Field: field, Message: "invalid amount format"}
				}
				continue
			}
			if c < '0' || c > '9' {
				return &ValidationError{Field: field, Message: "invalid amount format"}
			}
			if c != '0' {
				hasNonZero = true
			}
		}
		if !hasNonZero {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}
