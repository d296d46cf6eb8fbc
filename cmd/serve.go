package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"sms-relay/handler"
	"sms-relay/internal/config"
	"sms-relay/internal/conversation"
	"sms-relay/internal/dispatch"
	"sms-relay/internal/integrations/echo"
	"sms-relay/internal/integrations/gemini"
	"sms-relay/internal/integrations/openai"
	"sms-relay/internal/integrations/twilio"
	"sms-relay/internal/metrics"
	"sms-relay/internal/ratelimit"
	"sms-relay/internal/usage"
	"sms-relay/internal/usecase"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	// Config errors are logged at the default level; the configured logger
	// needs the config first.
	cfg, err := loadConfig(ctx, slog.Default(), true)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing store", "err", err)
		}
	}()

	backend, closeBackend, err := generationBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("generation backend: %w", err)
	}
	defer closeBackend()

	limiter, err := ratelimit.New(store, ratelimit.WithMax(cfg.RateLimitMax), ratelimit.WithWindow(cfg.RateLimitWindow))
	if err != nil {
		return err
	}
	ledger, err := usage.New(store, cfg.TrialLimit)
	if err != nil {
		return err
	}
	history, err := conversation.New(store, cfg.HistoryMax, cfg.HistoryTTL)
	if err != nil {
		return err
	}
	generator, err := usecase.NewGenerator(backend,
		usecase.WithGenerationTimeout(cfg.GenerationTimeout),
		usecase.WithMaxOutputTokens(cfg.MaxOutputTokens),
		usecase.WithGeneratorLogger(logger),
		usecase.WithGenerationObserver(m),
	)
	if err != nil {
		return err
	}
	sender, err := twilio.NewSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.SendTimeout)
	if err != nil {
		return err
	}
	relay, err := usecase.NewRelay(limiter, ledger, history, generator, sender, cfg.TwilioPhoneNumber,
		usecase.WithStoreTimeout(cfg.StoreTimeout),
		usecase.WithSendTimeout(cfg.SendTimeout),
		usecase.WithLogger(logger),
		usecase.WithPipelineObserver(m),
	)
	if err != nil {
		return err
	}

	dispatcher := dispatch.New(cfg.Workers, cfg.QueueSize,
		dispatch.WithTaskTimeout(cfg.TaskTimeout),
		dispatch.WithLogger(logger),
		dispatch.WithDropHook(m.Dropped),
	)

	opts := []handler.Option{
		handler.WithLogger(logger),
		handler.WithObserver(m),
		handler.WithRegion(cfg.DefaultRegion),
		handler.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})),
	}
	if cfg.TwilioValidateSignature {
		v, err := twilio.NewValidator(cfg.TwilioAuthToken, cfg.PublicURL)
		if err != nil {
			return err
		}
		opts = append(opts, handler.WithValidator(v))
	}
	h, err := handler.NewHandler(relay, dispatcher, opts...)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("sms relay listening",
			"addr", cfg.HTTPAddr,
			"store", cfg.StoreBackend,
			"generation", cfg.GenerationBackend,
			"workers", cfg.Workers,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	// Stop accepting webhooks first, then let queued pipelines finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Warn("pipelines canceled at shutdown", "err", err)
	}
	logger.Info("sms relay stopped")
	return nil
}

// generationBackend builds the configured Completer and a func releasing it.
func generationBackend(ctx context.Context, cfg config.Config) (usecase.Completer, func(), error) {
	switch cfg.GenerationBackend {
	case config.GenerationOpenAI:
		opts := []openai.Option{openai.WithModel(cfg.OpenAIModel)}
		if cfg.OpenAIBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.OpenAIBaseURL))
		}
		c, err := openai.NewClient(cfg.OpenAIAPIKey, opts...)
		if err != nil {
			return nil, nil, err
		}
		return c, func() {}, nil
	case config.GenerationEcho:
		return echo.NewClient(echo.DefaultLatency), func() {}, nil
	default:
		c, err := gemini.NewClient(ctx, cfg.GeminiAPIKey,
			gemini.WithModel(cfg.GeminiModel),
			gemini.WithMaxConcurrent(cfg.Workers),
		)
		if err != nil {
			return nil, nil, err
		}
		return c, func() { _ = c.Close() }, nil
	}
}
