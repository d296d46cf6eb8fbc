// Package echo is a generation backend for local runs. It answers after a
// simulated delay without calling any external service.
package echo

import (
	"context"
	"fmt"
	"time"

	"sms-relay/internal/domain"
)

const (
	DefaultLatency = 3 * time.Second
	maxReplyChars  = 150
	maxQuoteChars  = 50
)

type Client struct {
	latency time.Duration
}

func NewClient(latency time.Duration) *Client {
	if latency < 0 {
		latency = 0
	}
	return &Client{latency: latency}
}

func (c *Client) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	if c.latency > 0 {
		timer := time.NewTimer(c.latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return "", fmt.Errorf("echo: %w", ctx.Err())
		}
	}
	reply := fmt.Sprintf("TextNet received: %q. This is a mock response. Real LLM integration pending.",
		truncate(req.Message, maxQuoteChars))
	return truncate(reply, maxReplyChars), nil
}

// truncate shortens s to max runes, marking the cut with "...".
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
