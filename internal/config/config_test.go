package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func validConfig() Config {
	return Config{
		Treasury:   "0xBBBB00000000000000000000000000000000BBBB",
		TokenPrice: decimal.RequireFromString("0.0035"),
		Chains: []ChainConfig{
			{
				Name:   "base",
				RPCURL: "https://base.example",
				Tokens: []string{"0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"},
			},
		},
		PollInterval:  15 * time.Second,
		Confirmations: 3,
		BatchSize:     2000,
		PGDSN:         "postgres://localhost/contribwatch",
		Ledger: LedgerConfig{
			RPCURL:          "https://fil.example",
			ContractAddress: "0xc00E7716ceeCE9A2b76a845c3b587c373a4856f9",
			PrivateKey:      "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
			MaxAttempts:     5,
			BackoffBase:     2 * time.Second,
			BackoffCap:      5 * time.Minute,
			Concurrency:     4,
			PollInterval:    10 * time.Second,
		},
		LogLevel: "info",
	}
}

func TestValidateAccepts(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing treasury", func(c *Config) { c.Treasury = "" }},
		{"malformed treasury", func(c *Config) { c.Treasury = "not-hex" }},
		{"zero price", func(c *Config) { c.TokenPrice = decimal.Zero }},
		{"negative price", func(c *Config) { c.TokenPrice = decimal.RequireFromString("-1") }},
		{"no chains", func(c *Config) { c.Chains = nil }},
		{"chain without rpc", func(c *Config) { c.Chains[0].RPCURL = "" }},
		{"chain without tokens", func(c *Config) { c.Chains[0].Tokens = nil }},
		{"bad token address", func(c *Config) { c.Chains[0].Tokens = []string{"nope"} }},
		{"missing dsn", func(c *Config) { c.PGDSN = "" }},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }},
		{"negative dispatch poll interval", func(c *Config) { c.Ledger.PollInterval = -time.Second }},
		{"missing ledger rpc", func(c *Config) { c.Ledger.RPCURL = "" }},
		{"missing ledger contract", func(c *Config) { c.Ledger.ContractAddress = "" }},
		{"missing signing key", func(c *Config) { c.Ledger.PrivateKey = "" }},
		{"zero max attempts", func(c *Config) { c.Ledger.MaxAttempts = 0 }},
		{"relay without url", func(c *Config) { c.Relay.Enabled = true }},
		{"relay slippage out of range", func(c *Config) {
			c.Relay.Enabled = true
			c.Relay.BaseURL = "https://router.example"
			c.Relay.SlippageBps = 20000
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
