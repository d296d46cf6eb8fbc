package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"sms-relay/internal/domain"
)

const (
	defaultGenerationTimeout = 20 * time.Second
	defaultMaxOutputTokens   = 512
)

// Completer is a text-generation backend.
type Completer interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (string, error)
}

// GenerationObserver is told how every generation call ended: "ok", "empty"
// or "error".
type GenerationObserver interface {
	Generation(result string)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Generator wraps a Completer and never fails: backend errors and blank output
// are replaced with fixed texts.
type Generator struct {
	backend         Completer
	logger          *slog.Logger
	observer        GenerationObserver
	timeout         time.Duration
	maxOutputTokens int
	instruction     string
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithGenerationTimeout bounds each backend call. Default 20s.
func WithGenerationTimeout(d time.Duration) GeneratorOption {
	return func(g *Generator) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithMaxOutputTokens caps the length of a generated reply. Default 512.
func WithMaxOutputTokens(n int) GeneratorOption {
	return func(g *Generator) {
		if n > 0 {
			g.maxOutputTokens = n
		}
	}
}

// WithGeneratorLogger sets the logger for absorbed failures.
func WithGeneratorLogger(l *slog.Logger) GeneratorOption {
	return func(g *Generator) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithGenerationObserver reports every call's result, typically to metrics.
func WithGenerationObserver(o GenerationObserver) GeneratorOption {
	return func(g *Generator) {
		g.observer = o
	}
}

// NewGenerator wraps backend with the relay's system instruction.
func NewGenerator(backend Completer, opts ...GeneratorOption) (*Generator, error) {
	if backend == nil {
		return nil, errors.New("usecase: completer must not be nil")
	}
	g := &Generator{
		backend:         backend,
		logger:          slog.Default(),
		timeout:         defaultGenerationTimeout,
		maxOutputTokens: defaultMaxOutputTokens,
		instruction:     systemInstruction(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Generate returns the reply to in.Body given the prior history. The result
// is never blank. Absorbed failures are logged against the sender.
func (g *Generator) Generate(ctx context.Context, in domain.Inbound, history []domain.HistoryEntry) string {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	logger := g.logger.With("sender", in.Sender, "correlation_id", in.CorrelationID)

	text, err := g.backend.Complete(ctx, domain.CompletionRequest{
		SystemInstruction: g.instruction,
		History:           domain.TrimLeadingAssistant(history),
		Message:           in.Body,
		MaxOutputTokens:   g.maxOutputTokens,
	})
	if err != nil {
		genErr := newError(ErrorGeneration, generationReason(err), StateGenerate, err)
		logger.ErrorContext(ctx, "generation failed", "err", genErr)
		g.observe("error")
		return systemErrorText
	}

	text = strings.TrimSpace(text)
	if text == "" {
		logger.WarnContext(ctx, "generation returned empty response")
		g.observe("empty")
		return emptyReplyText
	}
	g.observe("ok")
	return text
}

func (g *Generator) observe(result string) {
	if g.observer != nil {
		g.observer.Generation(result)
	}
}

func generationReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "generation_timeout"
	case errors.Is(err, context.Canceled):
		return "generation_canceled"
	}
	var statusErr httpStatusCoder
	if errors.As(err, &statusErr) {
		switch code := statusErr.HTTPStatusCode(); {
		case code == 429:
			return "generation_rate_limited"
		case code == 401 || code == 403:
			return "generation_unauthorized"
		}
	}
	return "generation_error"
}
