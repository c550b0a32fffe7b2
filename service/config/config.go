package config

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// Default wallet addresses and endpoint pool used when the environment does
// not override them.
const (
	DefaultTreasuryAddress = "0x0fF31D4cdCE8B3f7929c04EbD4cd852608DC09f4"
	DefaultCoinbaseAddress = "0x4024Fd78E2AD5532FBF3ec2B3eC83870FAe45fC7"
	DefaultExplorerTxURL   = "https://etherscan.io/tx/"
)

// DefaultRPCEndpoints is the ordered fallback pool. Earlier entries are tried first.
var DefaultRPCEndpoints = []string{
	"https://eth.llamarpc.com",
	"https://rpc.ankr.com/eth",
	"https://ethereum.publicnode.com",
	"https://1rpc.io/eth",
	"https://eth-mainnet.public.blastapi.io",
	"https://eth.drpc.org",
}

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Optional integrations. Empty disables them.
	DatabaseURL string
	NATSURL     string

	// Chain configuration
	RPCEndpoints []string
	ChainID      *big.Int
	// TreasuryKey is nil when no signing key is configured; the service is read-only then.
	TreasuryKey     *ecdsa.PrivateKey
	TreasuryAddress common.Address
	CoinbaseAddress common.Address
	ExplorerTxURL   string

	// Pricing and reserve policy
	ETHPriceUSD           decimal.Decimal
	FeeReserveETH         decimal.Decimal
	MinGasETH             decimal.Decimal
	RecycleMinEarningsUSD decimal.Decimal
	AutoRecycleEnabled    bool

	// Connection and confirmation timing
	ProbeTimeout        time.Duration
	ConnectAttempts     int
	ConnectBackoff      time.Duration
	ConfirmTimeout      time.Duration
	ConfirmPollInterval time.Duration
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	if port := os.Getenv("PORT"); port != "" {
		cfg.ServerAddr = ":" + port
	}
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.NATSURL = os.Getenv("NATS_URL")

	// Chain configuration
	if raw := os.Getenv("RPC_ENDPOINTS"); raw != "" {
		cfg.RPCEndpoints = splitList(raw)
	} else {
		cfg.RPCEndpoints = append([]string(nil), DefaultRPCEndpoints...)
	}
	for _, endpoint := range cfg.RPCEndpoints {
		if err := validateEndpointURL(endpoint); err != nil {
			errs = append(errs, fmt.Errorf("RPC_ENDPOINTS: %w", err))
		}
	}
	if len(cfg.RPCEndpoints) == 0 {
		errs = append(errs, fmt.Errorf("RPC_ENDPOINTS must contain at least one endpoint"))
	}

	chainID, err := parseInt("CHAIN_ID", 1)
	if err != nil {
		errs = append(errs, err)
	} else if chainID <= 0 {
		errs = append(errs, fmt.Errorf("CHAIN_ID must be positive, got %d", chainID))
	} else {
		cfg.ChainID = big.NewInt(int64(chainID))
	}

	if raw := os.Getenv("TREASURY_PRIVATE_KEY"); raw != "" {
		key, err := ParsePrivateKey(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("TREASURY_PRIVATE_KEY: %w", err))
		} else {
			cfg.TreasuryKey = key
		}
	}

	treasury, err := parseAddress("TREASURY_ADDRESS", DefaultTreasuryAddress)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.TreasuryAddress = treasury
	// A configured key always wins over the static address.
	if cfg.TreasuryKey != nil {
		cfg.TreasuryAddress = crypto.PubkeyToAddress(cfg.TreasuryKey.PublicKey)
	}

	coinbase, err := parseAddress("COINBASE_ADDRESS", DefaultCoinbaseAddress)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.CoinbaseAddress = coinbase
	cfg.ExplorerTxURL = getEnvOrDefault("EXPLORER_TX_URL", DefaultExplorerTxURL)

	// Pricing and reserve policy
	if cfg.ETHPriceUSD, err = parseDecimal("ETH_PRICE_USD", "3450"); err != nil {
		errs = append(errs, err)
	}
	if cfg.FeeReserveETH, err = parseDecimal("FEE_RESERVE_ETH", "0.003"); err != nil {
		errs = append(errs, err)
	}
	if cfg.MinGasETH, err = parseDecimal("MIN_GAS_ETH", "0.01"); err != nil {
		errs = append(errs, err)
	}
	if cfg.RecycleMinEarningsUSD, err = parseDecimal("RECYCLE_MIN_EARNINGS_USD", "35"); err != nil {
		errs = append(errs, err)
	}
	if cfg.AutoRecycleEnabled, err = parseBool("AUTO_RECYCLE_ENABLED", true); err != nil {
		errs = append(errs, err)
	}

	// Connection and confirmation timing
	if cfg.ProbeTimeout, err = parseDuration("PROBE_TIMEOUT", "6s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.ConnectAttempts, err = parseInt("CONNECT_ATTEMPTS", 3); err != nil {
		errs = append(errs, err)
	}
	if cfg.ConnectBackoff, err = parseDuration("CONNECT_BACKOFF", "1s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.ConfirmTimeout, err = parseDuration("CONFIRM_TIMEOUT", "3m"); err != nil {
		errs = append(errs, err)
	}
	if cfg.ConfirmPollInterval, err = parseDuration("CONFIRM_POLL_INTERVAL", "4s"); err != nil {
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.ServerAddr == "" {
		errs = append(errs, fmt.Errorf("ServerAddr is required"))
	}

	if len(c.RPCEndpoints) == 0 {
		errs = append(errs, fmt.Errorf("RPCEndpoints must contain at least one endpoint"))
	}
	for _, endpoint := range c.RPCEndpoints {
		if err := validateEndpointURL(endpoint); err != nil {
			errs = append(errs, err)
		}
	}

	if c.ChainID == nil || c.ChainID.Sign() <= 0 {
		errs = append(errs, fmt.Errorf("ChainID must be positive"))
	}

	if c.CoinbaseAddress == (common.Address{}) {
		errs = append(errs, fmt.Errorf("CoinbaseAddress is required"))
	}

	if !c.ETHPriceUSD.IsPositive() {
		errs = append(errs, fmt.Errorf("ETHPriceUSD must be positive"))
	}

	if c.FeeReserveETH.IsNegative() {
		errs = append(errs, fmt.Errorf("FeeReserveETH cannot be negative"))
	}

	if c.MinGasETH.IsNegative() {
		errs = append(errs, fmt.Errorf("MinGasETH cannot be negative"))
	}

	if c.RecycleMinEarningsUSD.IsNegative() {
		errs = append(errs, fmt.Errorf("RecycleMinEarningsUSD cannot be negative"))
	}

	if c.ProbeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ProbeTimeout must be positive"))
	}

	if c.ConnectAttempts < 1 {
		errs = append(errs, fmt.Errorf("ConnectAttempts must be at least 1"))
	}

	if c.ConfirmTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ConfirmTimeout must be positive"))
	}

	if c.ConfirmPollInterval <= 0 || c.ConfirmPollInterval > c.ConfirmTimeout {
		errs = append(errs, fmt.Errorf("ConfirmPollInterval must be positive and not exceed ConfirmTimeout"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// CanSign reports whether a treasury signing key is configured.
func (c *Config) CanSign() bool {
	return c.TreasuryKey != nil
}

// ParsePrivateKey parses a hex-encoded secp256k1 key, with or without 0x prefix.
func ParsePrivateKey(raw string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

func validateEndpointURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid endpoint %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("invalid endpoint %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid endpoint %q: missing host", raw)
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

func parseBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q: %w", key, value, err)
	}
	return result, nil
}

func parseDecimal(key, defaultValue string) (decimal.Decimal, error) {
	value := getEnvOrDefault(key, defaultValue)
	result, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q: %w", key, value, err)
	}
	return result, nil
}

func parseAddress(key, defaultValue string) (common.Address, error) {
	value := getEnvOrDefault(key, defaultValue)
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", key, value)
	}
	return common.HexToAddress(value), nil
}
