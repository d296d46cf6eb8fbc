// Package config reads the relay's settings from the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendRedis    = "redis"
	BackendDynamoDB = "dynamodb"
	BackendMemory   = "memory"

	GenerationGemini = "gemini"
	GenerationOpenAI = "openai"
	GenerationEcho   = "echo"
)

// Parameter names under PARAM_PREFIX for secrets left blank in the environment.
const (
	geminiKeyParam   = "gemini-api-key"
	openAIKeyParam   = "open-ai-token"
	twilioTokenParam = "twilio-auth-token"
)

// TokenSource resolves a named secret. *paramstore.Client satisfies it.
type TokenSource interface {
	Token(ctx context.Context, name string) (string, error)
}

type Config struct {
	HTTPAddr string

	StoreBackend string
	RedisURL     string
	StateTable   string
	ParamPrefix  string

	GenerationBackend string
	GeminiAPIKey      string
	GeminiModel       string
	OpenAIAPIKey      string
	OpenAIModel       string
	OpenAIBaseURL     string
	MaxOutputTokens   int

	TwilioAccountSID        string
	TwilioAuthToken         string
	TwilioPhoneNumber       string
	TwilioValidateSignature bool
	PublicURL               string
	DefaultRegion           string

	RateLimitMax    int
	RateLimitWindow time.Duration
	TrialLimit      int
	HistoryMax      int
	HistoryTTL      time.Duration

	Workers           int
	QueueSize         int
	TaskTimeout       time.Duration
	StoreTimeout      time.Duration
	GenerationTimeout time.Duration
	SendTimeout       time.Duration
	ShutdownTimeout   time.Duration

	LogLevel  string
	LogFormat string
}

// Load reads .env when present, then the process environment. Values that do
// not parse are reported together, each naming its key.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	e := &env{}
	cfg := Config{
		HTTPAddr: httpAddr(),

		StoreBackend: strings.ToLower(e.str("STORE_BACKEND", BackendRedis)),
		RedisURL:     e.str("REDIS_URL", "redis://localhost:6379"),
		StateTable:   e.str("STATE_TABLE", ""),
		ParamPrefix:  e.str("PARAM_PREFIX", ""),

		GenerationBackend: strings.ToLower(e.str("GENERATION_BACKEND", GenerationGemini)),
		GeminiAPIKey:      e.str("GEMINI_API_KEY", ""),
		GeminiModel:       e.str("GEMINI_MODEL", "gemini-2.5-flash"),
		OpenAIAPIKey:      e.str("OPENAI_API_KEY", ""),
		OpenAIModel:       e.str("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:     e.str("OPENAI_BASE_URL", ""),
		MaxOutputTokens:   e.positiveInt("MAX_OUTPUT_TOKENS", 512),

		TwilioAccountSID:        e.str("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:         e.str("TWILIO_AUTH_TOKEN", ""),
		TwilioPhoneNumber:       e.str("TWILIO_PHONE_NUMBER", ""),
		TwilioValidateSignature: e.boolean("TWILIO_VALIDATE_SIGNATURE", false),
		PublicURL:               e.str("PUBLIC_URL", ""),
		DefaultRegion:           strings.ToUpper(e.str("DEFAULT_REGION", "US")),

		RateLimitMax:    e.positiveInt("RATE_LIMIT_MAX", 10),
		RateLimitWindow: e.wholeSeconds("RATE_LIMIT_WINDOW", 60*time.Second),
		TrialLimit:      e.positiveInt("TRIAL_LIMIT", 50),
		HistoryMax:      e.positiveInt("HISTORY_MAX", 10),
		HistoryTTL:      e.duration("HISTORY_TTL", 24*time.Hour),

		Workers:           e.positiveInt("WORKERS", 16),
		QueueSize:         e.positiveInt("QUEUE_SIZE", 256),
		TaskTimeout:       e.duration("TASK_TIMEOUT", 45*time.Second),
		StoreTimeout:      e.duration("STORE_TIMEOUT", 3*time.Second),
		GenerationTimeout: e.duration("GENERATION_TIMEOUT", 20*time.Second),
		SendTimeout:       e.duration("SEND_TIMEOUT", 10*time.Second),
		ShutdownTimeout:   e.duration("SHUTDOWN_TIMEOUT", 25*time.Second),

		LogLevel:  strings.ToLower(e.str("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(e.str("LOG_FORMAT", "json")),
	}
	if err := errors.Join(e.errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func httpAddr() string {
	if v := strings.TrimSpace(os.Getenv("HTTP_ADDR")); v != "" {
		return v
	}
	if p := strings.TrimSpace(os.Getenv("PORT")); p != "" {
		return ":" + p
	}
	return ":8080"
}

// ResolveSecrets fills secrets left blank in the environment from src. Only
// the secrets the selected backends need are fetched.
func (c *Config) ResolveSecrets(ctx context.Context, src TokenSource) error {
	if src == nil {
		return errors.New("config: token source must not be nil")
	}
	resolve := func(dst *string, key, param string) error {
		if *dst != "" {
			return nil
		}
		v, err := src.Token(ctx, param)
		if err != nil {
			return fmt.Errorf("config: resolve %s: %w", key, err)
		}
		*dst = v
		return nil
	}

	switch c.GenerationBackend {
	case GenerationGemini:
		if err := resolve(&c.GeminiAPIKey, "GEMINI_API_KEY", geminiKeyParam); err != nil {
			return err
		}
	case GenerationOpenAI:
		if err := resolve(&c.OpenAIAPIKey, "OPENAI_API_KEY", openAIKeyParam); err != nil {
			return err
		}
	}
	return resolve(&c.TwilioAuthToken, "TWILIO_AUTH_TOKEN", twilioTokenParam)
}

// ValidateStore checks the settings needed to open the store backend.
func (c Config) ValidateStore() error {
	switch c.StoreBackend {
	case BackendRedis:
		if c.RedisURL == "" {
			return errors.New("config: REDIS_URL is required for the redis backend")
		}
	case BackendDynamoDB:
		if c.StateTable == "" {
			return errors.New("config: STATE_TABLE is required for the dynamodb backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("config: STORE_BACKEND %q is not one of redis, dynamodb, memory", c.StoreBackend)
	}
	return nil
}

// Validate checks everything the serve command needs. Call it after
// ResolveSecrets.
func (c Config) Validate() error {
	var errs []error
	if err := c.ValidateStore(); err != nil {
		errs = append(errs, err)
	}

	switch c.GenerationBackend {
	case GenerationGemini:
		if c.GeminiAPIKey == "" {
			errs = append(errs, errors.New("config: GEMINI_API_KEY is required for the gemini backend"))
		}
	case GenerationOpenAI:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("config: OPENAI_API_KEY is required for the openai backend"))
		}
	case GenerationEcho:
	default:
		errs = append(errs, fmt.Errorf("config: GENERATION_BACKEND %q is not one of gemini, openai, echo", c.GenerationBackend))
	}

	for _, req := range []struct{ key, val string }{
		{"TWILIO_ACCOUNT_SID", c.TwilioAccountSID},
		{"TWILIO_AUTH_TOKEN", c.TwilioAuthToken},
		{"TWILIO_PHONE_NUMBER", c.TwilioPhoneNumber},
	} {
		if req.val == "" {
			errs = append(errs, fmt.Errorf("config: %s is required", req.key))
		}
	}
	if c.TwilioValidateSignature && c.PublicURL == "" {
		errs = append(errs, errors.New("config: PUBLIC_URL is required when TWILIO_VALIDATE_SIGNATURE is set"))
	}
	return errors.Join(errs...)
}

// env collects parse errors so every bad key is reported at once.
type env struct {
	errs []error
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *env) positiveInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		e.errs = append(e.errs, fmt.Errorf("config: %s must be a positive integer, got %q", key, v))
		return def
	}
	return n
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		e.errs = append(e.errs, fmt.Errorf("config: %s must be a positive duration such as 30s, got %q", key, v))
		return def
	}
	return d
}

// wholeSeconds is duration restricted to whole seconds of at least 1s.
func (e *env) wholeSeconds(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < time.Second || d%time.Second != 0 {
		e.errs = append(e.errs, fmt.Errorf("config: %s must be a whole number of seconds, at least 1s, got %q", key, v))
		return def
	}
	return d
}

func (e *env) boolean(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s must be true or false, got %q", key, v))
		return def
	}
	return b
}
