package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/spf13/cobra"

	"sms-relay/internal/config"
	"sms-relay/internal/integrations/paramstore"
	"sms-relay/internal/repository"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sms-relay",
		Short:         "SMS to LLM conversational relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(serveCmd(), usageCmd(), historyCmd())
	return cmd
}

// loadConfig reads configuration and, when PARAM_PREFIX is set, resolves
// blank secrets from SSM Parameter Store.
func loadConfig(ctx context.Context, logger *slog.Logger, withSecrets bool) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if !withSecrets || cfg.ParamPrefix == "" {
		return cfg, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return config.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg), cfg.ParamPrefix)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.ResolveSecrets(ctx, params); err != nil {
		return config.Config{}, err
	}
	logger.Debug("secrets resolved from parameter store", "prefix", cfg.ParamPrefix)
	return cfg, nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (repository.Store, error) {
	if err := cfg.ValidateStore(); err != nil {
		return nil, err
	}
	switch cfg.StoreBackend {
	case config.BackendDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		logger.Info("using dynamodb store", "table", cfg.StateTable)
		return repository.NewDynamoDB(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
	case config.BackendMemory:
		logger.Warn("using in-memory store; state is lost on restart")
		return repository.NewMemory(), nil
	default:
		logger.Info("using redis store")
		return repository.DialRedis(ctx, cfg.RedisURL, repository.RedisOptions{
			DialTimeout:  cfg.StoreTimeout,
			ReadTimeout:  cfg.StoreTimeout,
			WriteTimeout: cfg.StoreTimeout,
		})
	}
}

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
