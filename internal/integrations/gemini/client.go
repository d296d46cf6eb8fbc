// Package gemini is the Google Gemini generation backend.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"sms-relay/internal/domain"
)

const (
	DefaultModel         = "gemini-2.5-flash"
	defaultMaxConcurrent = 8

	roleUser  = "user"
	roleModel = "model"
)

// request is one chat turn as handed to the SDK.
type request struct {
	model           string
	instruction     string
	maxOutputTokens int32
	history         []*genai.Content
	message         string
}

type sendFunc func(ctx context.Context, req request) (*genai.GenerateContentResponse, error)

// Client sends chat turns to Gemini. At most maxConcurrent calls are in
// flight at once; further callers wait or give up with their context.
type Client struct {
	sdk   *genai.Client
	model string
	sem   chan struct{}
	send  sendFunc
}

type Option func(*Client)

func WithModel(model string) Option {
	return func(c *Client) {
		if s := strings.TrimSpace(model); s != "" {
			c.model = s
		}
	}
}

func WithMaxConcurrent(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.sem = make(chan struct{}, n)
		}
	}
}

// NewClient dials the Gemini API with apiKey. The returned Client must be
// closed.
func NewClient(ctx context.Context, apiKey string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini: api key must not be empty")
	}
	sdk, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	c := newClient(sdkSend(sdk), opts...)
	c.sdk = sdk
	return c, nil
}

func newClient(send sendFunc, opts ...Option) *Client {
	c := &Client{
		model: DefaultModel,
		sem:   make(chan struct{}, defaultMaxConcurrent),
		send:  send,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// sdkSend starts a fresh chat session per call; a GenerativeModel is not
// shared between concurrent requests.
func sdkSend(sdk *genai.Client) sendFunc {
	return func(ctx context.Context, req request) (*genai.GenerateContentResponse, error) {
		model := sdk.GenerativeModel(req.model)
		if req.instruction != "" {
			model.SystemInstruction = genai.NewUserContent(genai.Text(req.instruction))
		}
		if req.maxOutputTokens > 0 {
			model.SetMaxOutputTokens(req.maxOutputTokens)
		}
		cs := model.StartChat()
		cs.History = req.history
		return cs.SendMessage(ctx, genai.Text(req.message))
	}
}

// Complete returns the text of the first candidate.
func (c *Client) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return "", fmt.Errorf("gemini: wait for slot: %w", ctx.Err())
	}

	resp, err := c.send(ctx, request{
		model:           c.model,
		instruction:     req.SystemInstruction,
		maxOutputTokens: int32(req.MaxOutputTokens),
		history:         toContents(req.History),
		message:         req.Message,
	})
	if err != nil {
		return "", fmt.Errorf("gemini: send message: %w", err)
	}
	return extractText(resp)
}

// toContents maps history onto Gemini roles. Gemini calls the assistant
// "model".
func toContents(history []domain.HistoryEntry) []*genai.Content {
	out := make([]*genai.Content, 0, len(history))
	for _, h := range history {
		role := roleUser
		if h.Role == domain.RoleAssistant {
			role = roleModel
		}
		out = append(out, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(h.Content)}})
	}
	return out
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", errors.New("gemini: empty response")
	}
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
			return "", fmt.Errorf("gemini: prompt blocked: %s", resp.PromptFeedback.BlockReason)
		}
		return "", errors.New("gemini: no response candidates")
	}
	cand := resp.Candidates[0]
	if cand.Content == nil {
		return "", nil
	}
	var b strings.Builder
	for _, part := range cand.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String(), nil
}

func (c *Client) Close() error {
	if c.sdk == nil {
		return nil
	}
	return c.sdk.Close()
}
