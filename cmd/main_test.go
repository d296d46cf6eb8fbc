package main

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"sms-relay/internal/config"
	"sms-relay/internal/domain"
	"sms-relay/internal/integrations/echo"
)

func TestSetupLogger_Levels(t *testing.T) {
	ctx := context.Background()
	require.True(t, setupLogger("debug", "json").Enabled(ctx, slog.LevelDebug))
	require.False(t, setupLogger("info", "json").Enabled(ctx, slog.LevelDebug))
	require.False(t, setupLogger("warn", "text").Enabled(ctx, slog.LevelInfo))
	require.False(t, setupLogger("error", "text").Enabled(ctx, slog.LevelWarn))
	require.True(t, setupLogger("bogus", "json").Enabled(ctx, slog.LevelInfo))
}

func TestGenerationBackend_Echo(t *testing.T) {
	c, closeFn, err := generationBackend(context.Background(), config.Config{GenerationBackend: config.GenerationEcho})
	require.NoError(t, err)
	require.IsType(t, &echo.Client{}, c)
	closeFn()
}

func TestGenerationBackend_OpenAIRequiresKey(t *testing.T) {
	_, _, err := generationBackend(context.Background(), config.Config{GenerationBackend: config.GenerationOpenAI})
	require.Error(t, err)
}

func TestOpenStore_Memory(t *testing.T) {
	store, err := openStore(context.Background(), config.Config{StoreBackend: config.BackendMemory}, slog.Default())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = openStore(context.Background(), config.Config{StoreBackend: "sqlite"}, slog.Default())
	require.ErrorContains(t, err, "STORE_BACKEND")
}

func TestUsageGet_MemoryBackend(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("TRIAL_LIMIT", "5")
	t.Setenv("PARAM_PREFIX", "")
	t.Setenv("DEFAULT_REGION", "")

	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"usage", "get", "(415) 555-0100"})
	require.NoError(t, cmd.Execute())
	require.Equal(t, "+14155550100 used=0 limit=5 remaining=5\n", out.String())
}

func TestHistoryGet_Empty(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("PARAM_PREFIX", "")
	t.Setenv("DEFAULT_REGION", "")

	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"history", "get", "+14155550100"})
	require.NoError(t, cmd.Execute())
	require.Equal(t, "+14155550100: no history\n", out.String())
}

func TestCanonicalSenderMatchesWebhook(t *testing.T) {
	// The CLI and the webhook must derive the same key for one handset.
	require.Equal(t, domain.CanonicalSender("+1 415 555 0100", ""), domain.CanonicalSender("(415) 555-0100", "US"))
}
