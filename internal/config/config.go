package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Chain       ChainConfig       `yaml:"chain"`
	Account     AccountConfig     `yaml:"account"`
	Contracts   ContractsConfig   `yaml:"contracts"`
	Tokens      []TokenConfig     `yaml:"tokens"`
	Pools       []PoolConfig      `yaml:"pools"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Market      MarketConfig      `yaml:"market"`
	Probe       ProbeConfig       `yaml:"probe"`
	Registry    RegistryConfig    `yaml:"registry"`
	RPC         RPCConfig         `yaml:"rpc"`
	Ingestion   IngestionConfig   `yaml:"ingestion"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ChainConfig holds blockchain connection settings.
type ChainConfig struct {
	RPCURL  string `yaml:"rpc_url"`
	WSURL   string `yaml:"ws_url"`
	ChainID int64  `yaml:"chain_id"`
}

// AccountConfig identifies the trading account. PrivateKey is optional; without it swaps are
// logged but never signed.
type AccountConfig struct {
	Address    string `yaml:"address"`
	PrivateKey string `yaml:"private_key"`
}

// ContractsConfig holds smart contract addresses.
type ContractsConfig struct {
	Router       string `yaml:"router"`
	NativeOracle string `yaml:"native_oracle"`
}

// TokenConfig describes an ERC-20 token the bot trades.
type TokenConfig struct {
	Symbol   string `yaml:"symbol"`
	Address  string `yaml:"address"`
	Decimals int32  `yaml:"decimals"`
}

// PoolConfig describes a watched pool. Token0 and Token1 are token symbols.
type PoolConfig struct {
	Name    string  `yaml:"name"`
	Address string  `yaml:"address"`
	Token0  string  `yaml:"token0"`
	Token1  string  `yaml:"token1"`
	// Fee overrides strategy.swap_fee when set. An explicit 0 is a fee-free pool.
	Fee *float64 `yaml:"fee"`
}

// StrategyConfig holds the sizing, profitability and bidding constants.
type StrategyConfig struct {
	SwapAmountUSD   float64       `yaml:"swap_amount_usd"`
	ProfitTargetUSD float64       `yaml:"profit_target_usd"`
	SwapFee         float64       `yaml:"swap_fee"`
	FeeRatio        float64       `yaml:"fee_ratio"`
	Deadline        time.Duration `yaml:"deadline"`
}

// MarketConfig holds market snapshot refresh settings.
type MarketConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// ProbeConfig describes the fixed swap used for gas estimation.
type ProbeConfig struct {
	TokenIn      string `yaml:"token_in"`
	TokenOut     string `yaml:"token_out"`
	AmountIn     uint64 `yaml:"amount_in"`
	AmountOutMin uint64 `yaml:"amount_out_min"`
	Account      string `yaml:"account"`
}

// RegistryConfig controls on-chain verification of pool and token metadata.
type RegistryConfig struct {
	VerifyOnChain bool `yaml:"verify_on_chain"`
}

// RPCConfig holds request pacing and circuit breaker settings.
type RPCConfig struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	BreakerFailures   uint32        `yaml:"breaker_failures"`
	BreakerTimeout    time.Duration `yaml:"breaker_timeout"`
}

// IngestionConfig holds event stream settings.
type IngestionConfig struct {
	DedupeSize int `yaml:"dedupe_size"`
}

// PersistenceConfig holds database settings.
type PersistenceConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	cfg.setDefaults()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if len(data) > 0 {
		// Expand environment variables in YAML content
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for all configuration options.
func (c *Config) setDefaults() {
	c.Chain = ChainConfig{
		ChainID: 43114, // Avalanche C-Chain
	}
	c.Contracts = ContractsConfig{
		Router:       "0x60aE616a2155Ee3d9A68541Ba4544862310933d4", // Trader Joe
		NativeOracle: "0x0a77230d17318075983913bc2145db16c7366156", // Chainlink AVAX/USD
	}
	c.Tokens = []TokenConfig{
		{Symbol: "USDT.e", Address: "0xc7198437980c041c805a1edcba50c1ce5db95118", Decimals: 6},
		{Symbol: "USDC", Address: "0xb97ef9ef8734c71904d8002f8b6bc66dd9c48a6e", Decimals: 6},
		{Symbol: "MIM", Address: "0x130966628846bfd36ff31a822705796e8cb8c18d", Decimals: 18},
		{Symbol: "DAI.e", Address: "0xd586e7f844cea2f87f50152665bcbc2c279d8d70", Decimals: 18},
		{Symbol: "USDC.e", Address: "0xa7d7079b0fead91f3e65f86e8915cb59c1a4c664", Decimals: 6},
		{Symbol: "USDT", Address: "0x9702230a8ea53601f5cd2dc00fdbc13d4df4a8c7", Decimals: 6},
	}
	c.Pools = []PoolConfig{
		{Name: "MIM/USDT.e", Address: "0xeaae66c72513796363181e0d3954a15a0a64cc22", Token0: "MIM", Token1: "USDT.e"},
		{Name: "MIM/USDC.e", Address: "0x50141c21e4e861d4b2cbeb825b9a2b5e5e09a186", Token0: "MIM", Token1: "USDC.e"},
		{Name: "USDC/USDC.e", Address: "0x2a8a315e82f85d1f0658c5d66a452bbdd9356783", Token0: "USDC", Token1: "USDC.e"},
		{Name: "USDC.e/USDT.e", Address: "0x2e02539203256c83c7a9f6fa6f8608a32a2b1ca2", Token0: "USDC.e", Token1: "USDT.e"},
		{Name: "USDT/USDT.e", Address: "0x74b651eff97871ea99fcc14423e611d85eb0ea93", Token0: "USDT", Token1: "USDT.e"},
		{Name: "USDT.e/DAI.e", Address: "0xa6908c7e3be8f4cd2eb704b5cb73583ebf56ee62", Token0: "USDT.e", Token1: "DAI.e"},
		{Name: "USDC.e/DAI.e", Address: "0x63abe32d0ee76c05a11838722a63e012008416e6", Token0: "USDC.e", Token1: "DAI.e"},
		{Name: "USDC/MIM", Address: "0xa503a768aaff4237a5ebb1b7d3177703b56901eb", Token0: "USDC", Token1: "MIM"},
	}
	c.Strategy = StrategyConfig{
		SwapAmountUSD:   50,
		ProfitTargetUSD: 3,
		SwapFee:         0.003,
		FeeRatio:        0.1,
		Deadline:        30 * time.Minute,
	}
	c.Market = MarketConfig{
		RefreshInterval: 15 * time.Second,
	}
	c.Probe = ProbeConfig{
		TokenIn:      "USDT.e",
		TokenOut:     "USDC",
		AmountIn:     5_000_000,
		AmountOutMin: 1_000_000,
		Account:      "0xf518FfEdE07512A3C24537fE6F4c6C7dBDacb418",
	}
	c.Registry = RegistryConfig{
		VerifyOnChain: true,
	}
	c.RPC = RPCConfig{
		RequestsPerSecond: 10,
		Burst:             5,
		BreakerFailures:   5,
		BreakerTimeout:    30 * time.Second,
	}
	c.Ingestion = IngestionConfig{
		DedupeSize: 4096,
	}
	c.Persistence = PersistenceConfig{
		SQLitePath: "./data/arbwatcher.db",
	}
	c.Metrics = MetricsConfig{
		Enabled: true,
		Port:    8080,
		Path:    "/metrics",
	}
	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
	}
}

// applyEnvOverrides applies environment variable overrides to configuration.
func (c *Config) applyEnvOverrides() {
	// Chain config
	if v := os.Getenv("NODE_URL"); v != "" {
		c.Chain.WSURL = v
	}
	if v := os.Getenv("RPC_URL"); v != "" {
		c.Chain.RPCURL = v
	}
	if c.Chain.RPCURL == "" {
		c.Chain.RPCURL = c.Chain.WSURL
	}

	// Account config
	if v := os.Getenv("TRADER_ACCOUNT_PUBLIC_KEY"); v != "" {
		c.Account.Address = v
	}
	if v := os.Getenv("TRADER_PRIVATE_KEY"); v != "" {
		c.Account.PrivateKey = v
	}

	// Strategy config
	if v := os.Getenv("SWAP_AMOUNT_USD"); v != "" {
		var amount float64
		if _, err := fmt.Sscanf(v, "%f", &amount); err == nil && amount > 0 {
			c.Strategy.SwapAmountUSD = amount
		}
	}
	if v := os.Getenv("PROFIT_TARGET_USD"); v != "" {
		var target float64
		if _, err := fmt.Sscanf(v, "%f", &target); err == nil && target >= 0 {
			c.Strategy.ProfitTargetUSD = target
		}
	}
	if v := os.Getenv("SWAP_FEE"); v != "" {
		var fee float64
		if _, err := fmt.Sscanf(v, "%f", &fee); err == nil && fee >= 0 && fee < 1 {
			c.Strategy.SwapFee = fee
		}
	}

	// Market config
	if v := os.Getenv("MARKET_REFRESH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Market.RefreshInterval = d
		}
	}

	// Metrics config
	if v := os.Getenv("METRICS_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			c.Metrics.Port = port
		}
	}

	// Persistence config
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Persistence.SQLitePath = v
	}

	// Logging config
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// validate checks that all required configuration values are present and valid.
func (c *Config) validate() error {
	if c.Chain.WSURL == "" {
		return fmt.Errorf("chain.ws_url is required (set NODE_URL env var)")
	}
	if !common.IsHexAddress(c.Account.Address) {
		return fmt.Errorf("account.address must be a valid address (set TRADER_ACCOUNT_PUBLIC_KEY env var)")
	}
	if !common.IsHexAddress(c.Contracts.Router) {
		return fmt.Errorf("contracts.router must be a valid address")
	}
	if !common.IsHexAddress(c.Contracts.NativeOracle) {
		return fmt.Errorf("contracts.native_oracle must be a valid address")
	}

	symbols := make(map[string]bool, len(c.Tokens))
	for _, t := range c.Tokens {
		if !common.IsHexAddress(t.Address) {
			return fmt.Errorf("token %s: invalid address %q", t.Symbol, t.Address)
		}
		if t.Decimals < 0 || t.Decimals > 36 {
			return fmt.Errorf("token %s: decimals out of range", t.Symbol)
		}
		symbols[t.Symbol] = true
	}
	if len(c.Pools) == 0 {
		return fmt.Errorf("at least one pool is required")
	}
	for _, p := range c.Pools {
		if !common.IsHexAddress(p.Address) {
			return fmt.Errorf("pool %s: invalid address %q", p.Name, p.Address)
		}
		if !symbols[p.Token0] || !symbols[p.Token1] {
			return fmt.Errorf("pool %s: unknown token symbol", p.Name)
		}
		if p.Fee != nil && (*p.Fee < 0 || *p.Fee >= 1) {
			return fmt.Errorf("pool %s: fee must be in [0, 1)", p.Name)
		}
	}
	if !symbols[c.Probe.TokenIn] || !symbols[c.Probe.TokenOut] {
		return fmt.Errorf("probe tokens must reference configured symbols")
	}
	if !common.IsHexAddress(c.Probe.Account) {
		return fmt.Errorf("probe.account must be a valid address")
	}

	if c.Strategy.SwapAmountUSD <= 0 {
		return fmt.Errorf("strategy.swap_amount_usd must be positive")
	}
	if c.Strategy.SwapFee < 0 || c.Strategy.SwapFee >= 1 {
		return fmt.Errorf("strategy.swap_fee must be in [0, 1)")
	}
	if c.Strategy.FeeRatio < 0 || c.Strategy.FeeRatio > 1 {
		return fmt.Errorf("strategy.fee_ratio must be in [0, 1]")
	}
	if c.Strategy.Deadline <= 0 {
		return fmt.Errorf("strategy.deadline must be positive")
	}
	if c.Market.RefreshInterval <= 0 {
		return fmt.Errorf("market.refresh_interval must be positive")
	}
	if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be a valid port number")
	}
	return nil
}

// PoolFee returns the pool's fee, falling back to the strategy swap fee when unset.
func (c *Config) PoolFee(p PoolConfig) float64 {
	if p.Fee != nil {
		return *p.Fee
	}
	return c.Strategy.SwapFee
}
