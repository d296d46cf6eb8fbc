package echo

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"sms-relay/internal/domain"
)

func TestComplete_QuotesMessage(t *testing.T) {
	c := NewClient(0)
	got, err := c.Complete(context.Background(), domain.CompletionRequest{Message: "hello"})
	require.NoError(t, err)
	require.Equal(t, `TextNet received: "hello". This is a mock response. Real LLM integration pending.`, got)
}

func TestComplete_Truncates(t *testing.T) {
	c := NewClient(0)
	got, err := c.Complete(context.Background(), domain.CompletionRequest{Message: strings.Repeat("é", 200)})
	require.NoError(t, err)
	require.LessOrEqual(t, utf8.RuneCountInString(got), maxReplyChars)
	require.True(t, strings.HasSuffix(got, "..."))
}

func TestComplete_Latency(t *testing.T) {
	c := NewClient(30 * time.Millisecond)
	start := time.Now()
	_, err := c.Complete(context.Background(), domain.CompletionRequest{Message: "x"})
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestComplete_Canceled(t *testing.T) {
	c := NewClient(time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Complete(ctx, domain.CompletionRequest{Message: "x"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "abc", truncate("abc", 5))
	require.Equal(t, "ab...", truncate("abcdef", 5))
}
