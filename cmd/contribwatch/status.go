package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"contribwatch/internal/model"
	"contribwatch/internal/store/postgres"
)

func envOr(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show ledger record counts and abandoned records",
		RunE:  runStatus,
	}

	cmd.Flags().String("pg-dsn", "", "Postgres DSN")

	return cmd
}

func runStatus(cmd *cobra.Command, _ []string) error {
	dsn, _ := cmd.Flags().GetString("pg-dsn")
	if dsn == "" {
		dsn = envOr("CONTRIBWATCH_PG_DSN", "")
	}
	if dsn == "" {
		return fmt.Errorf("pg dsn is required")
	}

	ctx := context.Background()
	pgStore, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pgStore.Close()

	counts, err := pgStore.Counts(ctx)
	if err != nil {
		return fmt.Errorf("count records: %w", err)
	}

	statuses := []model.Status{
		model.StatusPending,
		model.StatusDispatched,
		model.StatusConfirmed,
		model.StatusDispatchFailed,
		model.StatusAbandoned,
	}
	fmt.Println("ledger records:")
	for _, status := range statuses {
		fmt.Printf("  %-16s %d\n", status, counts[status])
	}

	abandoned, err := pgStore.ListAbandoned(ctx)
	if err != nil {
		return fmt.Errorf("list abandoned: %w", err)
	}
	if len(abandoned) > 0 {
		fmt.Println("\nabandoned records (operator attention required):")
		for _, rec := range abandoned {
			fmt.Printf("  %s contributor=%s tokens_owed=%s attempts=%d\n",
				rec.Key(), rec.Contributor, rec.TokensOwed, rec.Attempts)
		}
	}

	return nil
}
