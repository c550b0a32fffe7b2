package config

import (
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known development key; never funded on mainnet.
const testPrivateKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestLoad_Defaults(t *testing.T) {
	cleanupEnv()
	defer cleanupEnv()

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Empty(t, cfg.NATSURL)
	assert.Equal(t, DefaultRPCEndpoints, cfg.RPCEndpoints)
	assert.Equal(t, big.NewInt(1), cfg.ChainID)
	assert.Nil(t, cfg.TreasuryKey)
	assert.False(t, cfg.CanSign())
	assert.Equal(t, common.HexToAddress(DefaultTreasuryAddress), cfg.TreasuryAddress)
	assert.Equal(t, common.HexToAddress(DefaultCoinbaseAddress), cfg.CoinbaseAddress)
	assert.True(t, cfg.ETHPriceUSD.Equal(decimal.NewFromInt(3450)))
	assert.True(t, cfg.FeeReserveETH.Equal(decimal.RequireFromString("0.003")))
	assert.True(t, cfg.MinGasETH.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, cfg.RecycleMinEarningsUSD.Equal(decimal.NewFromInt(35)))
	assert.True(t, cfg.AutoRecycleEnabled)
	assert.Equal(t, 6*time.Second, cfg.ProbeTimeout)
	assert.Equal(t, 3, cfg.ConnectAttempts)
	assert.Equal(t, time.Second, cfg.ConnectBackoff)
	assert.Equal(t, 3*time.Minute, cfg.ConfirmTimeout)
	assert.Equal(t, 4*time.Second, cfg.ConfirmPollInterval)
}

func TestLoad_CustomValues(t *testing.T) {
	cleanupEnv()
	os.Setenv("SERVER_ADDR", ":9090")
	os.Setenv("LOG_LEVEL", "debug")
	os.Setenv("DATABASE_URL", "postgres://localhost/test")
	os.Setenv("NATS_URL", "nats://nats.example.com:4222")
	os.Setenv("RPC_ENDPOINTS", "https://a.example.com, https://b.example.com ,")
	os.Setenv("CHAIN_ID", "11155111")
	os.Setenv("ETH_PRICE_USD", "2000.50")
	os.Setenv("FEE_RESERVE_ETH", "0.001")
	os.Setenv("AUTO_RECYCLE_ENABLED", "false")
	os.Setenv("PROBE_TIMEOUT", "2s")
	defer cleanupEnv()

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ServerAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "postgres://localhost/test", cfg.DatabaseURL)
	assert.Equal(t, "nats://nats.example.com:4222", cfg.NATSURL)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.RPCEndpoints)
	assert.Equal(t, big.NewInt(11155111), cfg.ChainID)
	assert.True(t, cfg.ETHPriceUSD.Equal(decimal.RequireFromString("2000.50")))
	assert.True(t, cfg.FeeReserveETH.Equal(decimal.RequireFromString("0.001")))
	assert.False(t, cfg.AutoRecycleEnabled)
	assert.Equal(t, 2*time.Second, cfg.ProbeTimeout)
}

func TestLoad_PortOverridesServerAddr(t *testing.T) {
	cleanupEnv()
	os.Setenv("SERVER_ADDR", ":9090")
	os.Setenv("PORT", "3000")
	defer cleanupEnv()

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":3000", cfg.ServerAddr)
}

func TestLoad_PrivateKeyDerivesTreasuryAddress(t *testing.T) {
	cleanupEnv()
	os.Setenv("TREASURY_PRIVATE_KEY", testPrivateKey)
	defer cleanupEnv()

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg.TreasuryKey)
	assert.True(t, cfg.CanSign())
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), cfg.TreasuryAddress)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "malformed private key",
			env:     map[string]string{"TREASURY_PRIVATE_KEY": "not-a-key"},
			wantErr: "TREASURY_PRIVATE_KEY",
		},
		{
			name:    "malformed endpoint",
			env:     map[string]string{"RPC_ENDPOINTS": "ftp://example.com"},
			wantErr: "unsupported scheme",
		},
		{
			name:    "endpoint without host",
			env:     map[string]string{"RPC_ENDPOINTS": "https://"},
			wantErr: "missing host",
		},
		{
			name:    "bad chain id",
			env:     map[string]string{"CHAIN_ID": "mainnet"},
			wantErr: "invalid integer",
		},
		{
			name:    "bad duration",
			env:     map[string]string{"PROBE_TIMEOUT": "soon"},
			wantErr: "invalid duration",
		},
		{
			name:    "bad price",
			env:     map[string]string{"ETH_PRICE_USD": "lots"},
			wantErr: "invalid decimal",
		},
		{
			name:    "zero price",
			env:     map[string]string{"ETH_PRICE_USD": "0"},
			wantErr: "ETHPriceUSD must be positive",
		},
		{
			name:    "bad coinbase address",
			env:     map[string]string{"COINBASE_ADDRESS": "0x1234"},
			wantErr: "COINBASE_ADDRESS",
		},
		{
			name:    "bad bool",
			env:     map[string]string{"AUTO_RECYCLE_ENABLED": "maybe"},
			wantErr: "invalid boolean",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleanupEnv()
			defer cleanupEnv()
			for k, v := range tt.env {
				os.Setenv(k, v)
			}

			cfg, err := Load()
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty pool", func(c *Config) { c.RPCEndpoints = nil }, "at least one endpoint"},
		{"nil chain id", func(c *Config) { c.ChainID = nil }, "ChainID must be positive"},
		{"negative reserve", func(c *Config) { c.FeeReserveETH = decimal.NewFromInt(-1) }, "FeeReserveETH cannot be negative"},
		{"zero attempts", func(c *Config) { c.ConnectAttempts = 0 }, "ConnectAttempts must be at least 1"},
		{"poll exceeds timeout", func(c *Config) { c.ConfirmPollInterval = time.Hour }, "ConfirmPollInterval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParsePrivateKey(t *testing.T) {
	_, err := ParsePrivateKey(testPrivateKey)
	assert.NoError(t, err)

	_, err = ParsePrivateKey(testPrivateKey[2:])
	assert.NoError(t, err)

	_, err = ParsePrivateKey("0xdeadbeef")
	assert.Error(t, err)
}

func TestMustLoad_Panics(t *testing.T) {
	cleanupEnv()
	os.Setenv("RPC_ENDPOINTS", "not a url")
	defer cleanupEnv()

	assert.Panics(t, func() {
		MustLoad()
	})
}

func TestMustLoad_Success(t *testing.T) {
	cleanupEnv()
	defer cleanupEnv()

	assert.NotPanics(t, func() {
		cfg := MustLoad()
		assert.NotNil(t, cfg)
	})
}

func validConfig() *Config {
	return &Config{
		ServerAddr:            ":8080",
		RPCEndpoints:          []string{"https://eth.example.com"},
		ChainID:               big.NewInt(1),
		CoinbaseAddress:       common.HexToAddress(DefaultCoinbaseAddress),
		TreasuryAddress:       common.HexToAddress(DefaultTreasuryAddress),
		ETHPriceUSD:           decimal.NewFromInt(3450),
		FeeReserveETH:         decimal.RequireFromString("0.003"),
		MinGasETH:             decimal.RequireFromString("0.01"),
		RecycleMinEarningsUSD: decimal.NewFromInt(35),
		ProbeTimeout:          time.Second,
		ConnectAttempts:       1,
		ConfirmTimeout:        time.Minute,
		ConfirmPollInterval:   time.Second,
	}
}

// cleanupEnv clears all environment variables used in tests
func cleanupEnv() {
	for _, key := range []string{
		"SERVER_ADDR", "PORT", "LOG_LEVEL", "DATABASE_URL", "NATS_URL",
		"RPC_ENDPOINTS", "CHAIN_ID", "TREASURY_PRIVATE_KEY", "TREASURY_ADDRESS",
		"COINBASE_ADDRESS", "EXPLORER_TX_URL", "ETH_PRICE_USD", "FEE_RESERVE_ETH",
		"MIN_GAS_ETH", "RECYCLE_MIN_EARNINGS_USD", "AUTO_RECYCLE_ENABLED",
		"PROBE_TIMEOUT", "CONNECT_ATTEMPTS", "CONNECT_BACKOFF", "CONFIRM_TIMEOUT",
		"CONFIRM_POLL_INTERVAL",
	} {
		os.Unsetenv(key)
	}
}
