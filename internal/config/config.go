package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ChainConfig describes one monitored chain.
type ChainConfig struct {
	Name       string   `mapstructure:"name"`
	RPCURL     string   `mapstructure:"rpc"`
	Tokens     []string `mapstructure:"tokens"`
	StartBlock uint64   `mapstructure:"start-block"`
}

// LedgerConfig describes the remote ledger contract and dispatch policy.
type LedgerConfig struct {
	RPCURL          string
	ContractAddress string
	PrivateKey      string
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	Concurrency     int
	PollInterval    time.Duration
}

// RelayConfig describes the optional liquidity routing service.
type RelayConfig struct {
	Enabled     bool
	BaseURL     string
	DestChain   string
	DestToken   string
	DestAddress string
	SlippageBps int
	Timeout     time.Duration
}

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	Treasury      string
	TokenPrice    decimal.Decimal
	Chains        []ChainConfig
	PollInterval  time.Duration
	Confirmations uint64
	BatchSize     uint64
	MaxRetries    int
	RetryBackoff  time.Duration
	PGDSN         string
	AuditLog      string
	Ledger        LedgerConfig
	Relay         RelayConfig
	LogLevel      string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CONTRIBWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("poll-interval", 15*time.Second)
	v.SetDefault("confirmations", uint64(3))
	v.SetDefault("batch-size", uint64(2000))
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("dispatch-max-attempts", 5)
	v.SetDefault("dispatch-backoff-base", 2*time.Second)
	v.SetDefault("dispatch-backoff-cap", 5*time.Minute)
	v.SetDefault("dispatch-concurrency", 4)
	v.SetDefault("dispatch-poll-interval", 10*time.Second)
	v.SetDefault("relay-slippage-bps", 300)
	v.SetDefault("relay-timeout", 30*time.Second)
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	price, err := parsePrice(v.GetString("token-price"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Treasury:      v.GetString("treasury"),
		TokenPrice:    price,
		PollInterval:  v.GetDuration("poll-interval"),
		Confirmations: v.GetUint64("confirmations"),
		BatchSize:     v.GetUint64("batch-size"),
		MaxRetries:    v.GetInt("max-retries"),
		RetryBackoff:  v.GetDuration("retry-backoff"),
		PGDSN:         v.GetString("pg-dsn"),
		AuditLog:      v.GetString("audit-log"),
		Ledger: LedgerConfig{
			RPCURL:          v.GetString("ledger-rpc"),
			ContractAddress: v.GetString("ledger-contract"),
			PrivateKey:      v.GetString("ledger-key"),
			MaxAttempts:     v.GetInt("dispatch-max-attempts"),
			BackoffBase:     v.GetDuration("dispatch-backoff-base"),
			BackoffCap:      v.GetDuration("dispatch-backoff-cap"),
			Concurrency:     v.GetInt("dispatch-concurrency"),
			PollInterval:    v.GetDuration("dispatch-poll-interval"),
		},
		Relay: RelayConfig{
			Enabled:     v.GetBool("relay-enabled"),
			BaseURL:     v.GetString("relay-url"),
			DestChain:   v.GetString("relay-dest-chain"),
			DestToken:   v.GetString("relay-dest-token"),
			DestAddress: v.GetString("relay-dest-address"),
			SlippageBps: v.GetInt("relay-slippage-bps"),
			Timeout:     v.GetDuration("relay-timeout"),
		},
		LogLevel: v.GetString("log-level"),
	}

	if err := v.UnmarshalKey("chains", &cfg.Chains); err != nil {
		return Config{}, fmt.Errorf("parse chains: %w", err)
	}

	return cfg, nil
}

func parsePrice(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid token price %q: %w", raw, err)
	}
	return price, nil
}

// Validate rejects configurations the process must refuse to run with.
func (c Config) Validate() error {
	if !common.IsHexAddress(c.Treasury) {
		return fmt.Errorf("treasury address is required and must be a hex address")
	}
	if !c.TokenPrice.IsPositive() {
		return fmt.Errorf("token price must be positive, got %s", c.TokenPrice)
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain is required")
	}
	for _, chain := range c.Chains {
		if chain.Name == "" {
			return fmt.Errorf("chain name is required")
		}
		if chain.RPCURL == "" {
			return fmt.Errorf("chain %s: rpc url is required", chain.Name)
		}
		if len(chain.Tokens) == 0 {
			return fmt.Errorf("chain %s: at least one token address is required", chain.Name)
		}
		for _, token := range chain.Tokens {
			if !common.IsHexAddress(token) {
				return fmt.Errorf("chain %s: invalid token address: %s", chain.Name, token)
			}
		}
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.PGDSN == "" {
		return fmt.Errorf("pg dsn is required")
	}
	if c.Ledger.RPCURL == "" {
		return fmt.Errorf("ledger rpc url is required")
	}
	if !common.IsHexAddress(c.Ledger.ContractAddress) {
		return fmt.Errorf("ledger contract address is required and must be a hex address")
	}
	if c.Ledger.PrivateKey == "" {
		return fmt.Errorf("ledger signing key is required")
	}
	if c.Ledger.MaxAttempts <= 0 {
		return fmt.Errorf("dispatch max attempts must be positive")
	}
	if c.Ledger.PollInterval <= 0 {
		return fmt.Errorf("dispatch poll interval must be positive, got %s", c.Ledger.PollInterval)
	}
	if c.Relay.Enabled {
		if c.Relay.BaseURL == "" {
			return fmt.Errorf("relay url is required when relay is enabled")
		}
		if c.Relay.SlippageBps <= 0 || c.Relay.SlippageBps > 10_000 {
			return fmt.Errorf("relay slippage must be in (0, 10000] bps")
		}
	}
	return nil
}
