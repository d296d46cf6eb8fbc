package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"sms-relay/internal/config"
	"sms-relay/internal/conversation"
	"sms-relay/internal/domain"
	"sms-relay/internal/repository"
	"sms-relay/internal/usage"
)

func usageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Inspect trial usage",
	}
	var region string
	get := &cobra.Command{
		Use:   "get <sender>",
		Short: "Print how many trial messages a sender has used",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(cfg config.Config, store repository.Store) error {
				if region == "" {
					region = cfg.DefaultRegion
				}
				sender := domain.CanonicalSender(args[0], region)
				ledger, err := usage.New(store, cfg.TrialLimit)
				if err != nil {
					return err
				}
				n, err := ledger.Count(cmd.Context(), sender)
				if err != nil {
					return err
				}
				remaining := ledger.Limit() - n
				if remaining < 0 {
					remaining = 0
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s used=%d limit=%d remaining=%d\n", sender, n, ledger.Limit(), remaining)
				return nil
			})
		},
	}
	get.Flags().StringVar(&region, "region", "", "Region for numbers without a country code (default DEFAULT_REGION)")
	cmd.AddCommand(get)
	return cmd
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect stored conversations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <sender>",
		Short: "Print the stored conversation window for a sender",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(cfg config.Config, store repository.Store) error {
				sender := domain.CanonicalSender(args[0], cfg.DefaultRegion)
				conv, err := conversation.New(store, cfg.HistoryMax, cfg.HistoryTTL)
				if err != nil {
					return err
				}
				entries, err := conv.Context(cmd.Context(), sender)
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: no history\n", sender)
					return nil
				}
				for _, e := range entries {
					fmt.Fprintf(cmd.OutOrStdout(), "%-9s %s\n", e.Role+":", e.Content)
				}
				return nil
			})
		},
	})
	return cmd
}

// withStore opens the configured store for a one-off command.
func withStore(ctx context.Context, fn func(cfg config.Config, store repository.Store) error) error {
	cfg, err := loadConfig(ctx, slog.Default(), false)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.LogLevel, "text")
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(cfg, store)
}
