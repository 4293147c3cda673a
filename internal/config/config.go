// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database (optional, in-memory stores if not set)
	DatabaseURL string

	// Network selects mainnet or testnet chain endpoints. It is passed
	// down explicitly at wiring time; nothing reads it as global state.
	Network string

	// Platform fee in basis points, frozen onto each escrow at creation.
	FeeBPS int

	// EVM chain (Base)
	EVMChainID        string // registry id
	EVMNetworkID      int64  // EIP-155 chain id
	EVMEndpoints      []string
	EVMPrivateKey     string // hot wallet key, hex
	EVMUSDCContract   string
	EVMConfirmTimeout time.Duration

	// Solana
	SolanaEndpoints      []string
	SolanaSecretKey      string // hot wallet, base58 64-byte secret key
	SolanaUSDCMint       string
	SolanaConfirmTimeout time.Duration

	// Deposit verification retry schedule
	VerifyBaseDelay   time.Duration
	VerifyMaxDelay    time.Duration
	VerifyMaxAttempts int

	// HTTP surface. The API normally sits behind the platform gateway;
	// CORSOrigins only matters for the operator feed, which browsers
	// reach directly.
	CORSOrigins       []string
	RequestsPerMinute int

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"
	DefaultNetwork  = "testnet"
	DefaultFeeBPS   = 125 // 1.25%

	// Base Sepolia / Solana devnet defaults for testnet mode.
	defaultEVMTestnetRPC    = "https://sepolia.base.org"
	defaultEVMMainnetRPC    = "https://mainnet.base.org"
	defaultSolanaTestnetRPC = "https://api.devnet.solana.com"
	defaultSolanaMainnetRPC = "https://api.mainnet-beta.solana.com"

	defaultEVMTestnetUSDC = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	defaultEVMMainnetUSDC = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"

	defaultSolanaTestnetUSDC = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"
	defaultSolanaMainnetUSDC = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

// Load reads configuration from environment variables. It loads a .env
// file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	network := getEnv("NETWORK", DefaultNetwork)
	mainnet := network == "mainnet"

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Network:     network,
		FeeBPS:      getEnvInt("ESCROW_FEE_BPS", DefaultFeeBPS),

		EVMChainID:        getEnv("EVM_CHAIN_ID", "base"),
		EVMNetworkID:      getEnvInt64("EVM_NETWORK_ID", pick64(mainnet, 8453, 84532)),
		EVMEndpoints:      getEnvList("EVM_RPC_ENDPOINTS", pick(mainnet, defaultEVMMainnetRPC, defaultEVMTestnetRPC)),
		EVMPrivateKey:     os.Getenv("EVM_PRIVATE_KEY"),
		EVMUSDCContract:   getEnv("EVM_USDC_CONTRACT", pick(mainnet, defaultEVMMainnetUSDC, defaultEVMTestnetUSDC)),
		EVMConfirmTimeout: getEnvDuration("EVM_CONFIRM_TIMEOUT", 90*time.Second),

		SolanaEndpoints:      getEnvList("SOLANA_RPC_ENDPOINTS", pick(mainnet, defaultSolanaMainnetRPC, defaultSolanaTestnetRPC)),
		SolanaSecretKey:      os.Getenv("SOLANA_SECRET_KEY"),
		SolanaUSDCMint:       getEnv("SOLANA_USDC_MINT", pick(mainnet, defaultSolanaMainnetUSDC, defaultSolanaTestnetUSDC)),
		SolanaConfirmTimeout: getEnvDuration("SOLANA_CONFIRM_TIMEOUT", 60*time.Second),

		VerifyBaseDelay:   getEnvDuration("VERIFY_BASE_DELAY", 10*time.Second),
		VerifyMaxDelay:    getEnvDuration("VERIFY_MAX_DELAY", 60*time.Second),
		VerifyMaxAttempts: getEnvInt("VERIFY_MAX_ATTEMPTS", 10),

		CORSOrigins:       getEnvList("CORS_ORIGINS", "*"),
		RequestsPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 120),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is coherent. Hot wallet keys
// are optional in development (the chain adapters are simply not
// wired) but required in production.
func (c *Config) Validate() error {
	if c.Network != "mainnet" && c.Network != "testnet" {
		return fmt.Errorf("NETWORK must be mainnet or testnet, got %q", c.Network)
	}
	if c.FeeBPS < 0 || c.FeeBPS >= 10000 {
		return fmt.Errorf("ESCROW_FEE_BPS must be in [0, 10000), got %d", c.FeeBPS)
	}
	if c.VerifyMaxAttempts <= 0 {
		return fmt.Errorf("VERIFY_MAX_ATTEMPTS must be positive")
	}
	if c.IsProduction() {
		if c.EVMPrivateKey == "" {
			return fmt.Errorf("EVM_PRIVATE_KEY is required in production")
		}
		if c.SolanaSecretKey == "" {
			return fmt.Errorf("SOLANA_SECRET_KEY is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}

	key := strings.TrimPrefix(c.EVMPrivateKey, "0x")
	if key != "" && len(key) != 64 {
		return fmt.Errorf("EVM_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	return int(getEnvInt64(key, int64(defaultValue)))
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList parses a comma-separated endpoint list, preserving order.
// Order matters: earlier endpoints are preferred, later ones are
// failover targets.
func getEnvList(key, defaultValue string) []string {
	raw := getEnv(key, defaultValue)
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func pick(cond bool, a, b string) string {
	if cond {
		return a
	}
	return b
}

func pick64(cond bool, a, b int64) int64 {
	if cond {
		return a
	}
	return b
}
