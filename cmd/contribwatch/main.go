package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"contribwatch/internal/chain"
	"contribwatch/internal/config"
	"contribwatch/internal/dispatcher"
	"contribwatch/internal/ledger"
	"contribwatch/internal/relay"
	"contribwatch/internal/store"
	"contribwatch/internal/store/postgres"
	"contribwatch/internal/watcher"
)

// Supported stablecoins (USDC/USDT) all carry 6 decimals.
const stablecoinDecimals = 6

func main() {
	root := &cobra.Command{
		Use:          "contribwatch",
		Short:        "Cross-chain contribution monitor and allocation reconciler",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the monitor",
		RunE:  runMonitor,
	}

	runCmd.Flags().String("treasury", "", "treasury address receiving contributions")
	runCmd.Flags().String("token-price", "", "USD price per allocated token")
	runCmd.Flags().String("pg-dsn", "", "Postgres DSN")
	runCmd.Flags().Duration("poll-interval", 15*time.Second, "chain poll interval")
	runCmd.Flags().Uint64("confirmations", 3, "blocks to wait before processing")
	runCmd.Flags().Uint64("batch-size", 2000, "blocks per log query")
	runCmd.Flags().Int("max-retries", 5, "maximum RPC retry attempts")
	runCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial RPC retry backoff")
	runCmd.Flags().String("audit-log", "", "optional JSONL audit trail path")
	runCmd.Flags().String("ledger-rpc", "", "ledger chain RPC URL")
	runCmd.Flags().String("ledger-contract", "", "ledger contract address")
	runCmd.Flags().String("ledger-key", "", "ledger signing key (hex)")
	runCmd.Flags().Int("dispatch-max-attempts", 5, "maximum dispatch attempts per record")
	runCmd.Flags().Duration("dispatch-backoff-base", 2*time.Second, "initial dispatch retry backoff")
	runCmd.Flags().Duration("dispatch-backoff-cap", 5*time.Minute, "maximum dispatch retry backoff")
	runCmd.Flags().Int("dispatch-concurrency", 4, "concurrent dispatch workers")
	runCmd.Flags().Duration("dispatch-poll-interval", 10*time.Second, "dispatcher drain interval")
	runCmd.Flags().Bool("relay-enabled", false, "enable the liquidity relay")
	runCmd.Flags().String("relay-url", "", "liquidity routing service base URL")
	runCmd.Flags().String("relay-dest-chain", "", "liquidity destination chain")
	runCmd.Flags().String("relay-dest-token", "", "liquidity destination token address")
	runCmd.Flags().String("relay-dest-address", "", "liquidity destination address")
	runCmd.Flags().Int("relay-slippage-bps", 300, "acceptable slippage in basis points")
	runCmd.Flags().Duration("relay-timeout", 30*time.Second, "routing service request timeout")
	runCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(runCmd)
	root.AddCommand(newStatusCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pgStore, err := postgres.NewStore(ctx, cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pgStore.Close()

	if err := pgStore.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	var audit *store.AuditLog
	if cfg.AuditLog != "" {
		audit = store.NewAuditLog(cfg.AuditLog)
	}

	ledgerClient, err := chain.NewClient(ctx, cfg.Ledger.RPCURL)
	if err != nil {
		return fmt.Errorf("connect ledger rpc: %w", err)
	}
	defer ledgerClient.Close()

	caller, err := ledger.NewCaller(ctx, ledgerClient, cfg.Ledger.ContractAddress, cfg.Ledger.PrivateKey, logger)
	if err != nil {
		return err
	}

	var notifier dispatcher.Notifier
	if cfg.Relay.Enabled {
		notifier = relay.NewClient(relay.Config{
			BaseURL:     cfg.Relay.BaseURL,
			DestChain:   cfg.Relay.DestChain,
			DestToken:   cfg.Relay.DestToken,
			DestAddress: cfg.Relay.DestAddress,
			SlippageBps: cfg.Relay.SlippageBps,
			Timeout:     cfg.Relay.Timeout,
		}, logger)
	}

	dispatch := dispatcher.New(dispatcher.Config{
		MaxAttempts:  cfg.Ledger.MaxAttempts,
		BackoffBase:  cfg.Ledger.BackoffBase,
		BackoffCap:   cfg.Ledger.BackoffCap,
		Concurrency:  cfg.Ledger.Concurrency,
		PollInterval: cfg.Ledger.PollInterval,
	}, pgStore, caller, notifier, logger)

	group, gctx := errgroup.WithContext(ctx)

	for _, chainCfg := range cfg.Chains {
		tokens, err := watcher.ParseAddresses(chainCfg.Tokens)
		if err != nil {
			return fmt.Errorf("chain %s: %w", chainCfg.Name, err)
		}

		chainClient, err := chain.NewClient(ctx, chainCfg.RPCURL)
		if err != nil {
			return fmt.Errorf("chain %s: connect rpc: %w", chainCfg.Name, err)
		}
		defer chainClient.Close()

		w := watcher.New(watcher.Config{
			ChainName:     chainCfg.Name,
			Treasury:      common.HexToAddress(cfg.Treasury),
			Tokens:        tokens,
			TokenDecimals: stablecoinDecimals,
			TokenPrice:    cfg.TokenPrice,
			StartBlock:    chainCfg.StartBlock,
			Confirmations: cfg.Confirmations,
			BatchSize:     cfg.BatchSize,
			PollInterval:  cfg.PollInterval,
			MaxRetries:    cfg.MaxRetries,
			RetryBackoff:  cfg.RetryBackoff,
		}, chainClient, pgStore, audit, logger)

		group.Go(func() error { return w.Run(gctx) })
	}

	group.Go(func() error { return dispatch.Run(gctx) })

	logger.Info("contribwatch start",
		zap.String("treasury", cfg.Treasury),
		zap.String("token_price", cfg.TokenPrice.String()),
		zap.Int("chains", len(cfg.Chains)),
		zap.Bool("relay_enabled", cfg.Relay.Enabled),
	)

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
