package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "NETWORK", "")
	setEnv(t, "ENV", "development")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "testnet", cfg.Network)
	assert.Equal(t, DefaultFeeBPS, cfg.FeeBPS)
	assert.Equal(t, int64(84532), cfg.EVMNetworkID, "testnet defaults to Base Sepolia")
	assert.Equal(t, []string{defaultEVMTestnetRPC}, cfg.EVMEndpoints)
	assert.Equal(t, []string{defaultSolanaTestnetRPC}, cfg.SolanaEndpoints)
	assert.Equal(t, 10*time.Second, cfg.VerifyBaseDelay)
	assert.Equal(t, 10, cfg.VerifyMaxAttempts)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, 120, cfg.RequestsPerMinute)
}

func TestLoad_HTTPSurfaceOverrides(t *testing.T) {
	setEnv(t, "NETWORK", "")
	setEnv(t, "ENV", "development")
	setEnv(t, "CORS_ORIGINS", "https://ops.middlemark.io, https://staging-ops.middlemark.io")
	setEnv(t, "RATE_LIMIT_PER_MINUTE", "30")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://ops.middlemark.io", "https://staging-ops.middlemark.io"}, cfg.CORSOrigins)
	assert.Equal(t, 30, cfg.RequestsPerMinute)
}

func TestLoad_MainnetDefaults(t *testing.T) {
	setEnv(t, "NETWORK", "mainnet")
	setEnv(t, "ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(8453), cfg.EVMNetworkID)
	assert.Equal(t, defaultEVMMainnetUSDC, cfg.EVMUSDCContract)
	assert.Equal(t, defaultSolanaMainnetUSDC, cfg.SolanaUSDCMint)
}

func TestLoad_EndpointListParsing(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "EVM_RPC_ENDPOINTS", "https://rpc-a.test, https://rpc-b.test ,, https://rpc-c.test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://rpc-a.test", "https://rpc-b.test", "https://rpc-c.test"}, cfg.EVMEndpoints,
		"order is preserved: earlier endpoints are preferred")
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		Env:               "development",
		Network:           "testnet",
		FeeBPS:            125,
		VerifyMaxAttempts: 10,
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid dev config", func(c *Config) {}, ""},
		{"bad network", func(c *Config) { c.Network = "localnet" }, "NETWORK"},
		{"fee out of range", func(c *Config) { c.FeeBPS = 10000 }, "ESCROW_FEE_BPS"},
		{"negative fee", func(c *Config) { c.FeeBPS = -1 }, "ESCROW_FEE_BPS"},
		{"zero attempts", func(c *Config) { c.VerifyMaxAttempts = 0 }, "VERIFY_MAX_ATTEMPTS"},
		{"short evm key", func(c *Config) { c.EVMPrivateKey = "abc123" }, "64 hex characters"},
		{"prefixed evm key ok", func(c *Config) {
			c.EVMPrivateKey = "0x0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
		}, ""},
		{"production requires keys", func(c *Config) { c.Env = "production" }, "EVM_PRIVATE_KEY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvHelpers(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")
	setEnv(t, "TEST_DUR", "45s")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // falls back on parse error
	assert.Equal(t, 45*time.Second, getEnvDuration("TEST_DUR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("NONEXISTENT_VAR", time.Second))
}
