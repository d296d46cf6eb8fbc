package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"sms-relay/internal/domain"
	"sms-relay/internal/ratelimit"
	"sms-relay/internal/usage"
)

const (
	defaultStoreTimeout = 3 * time.Second
	defaultSendTimeout  = 10 * time.Second
)

// State is a step of the per-message pipeline.
type State string

const (
	StateStart        State = "start"
	StateRateCheck    State = "rate_check"
	StateUsageCheck   State = "usage_check"
	StateContextFetch State = "context_fetch"
	StateGenerate     State = "generate"
	StateSend         State = "send"
	StatePersist      State = "persist"
	StateDone         State = "done"
	StateDeniedRate   State = "denied_rate"
	StateDeniedQuota  State = "denied_quota"
)

// Terminal reports whether s ends the pipeline.
func (s State) Terminal() bool {
	return s == StateDone || s == StateDeniedRate || s == StateDeniedQuota
}

type RateChecker interface {
	Check(ctx context.Context, sender string) (ratelimit.Result, error)
	Max() int
	Window() time.Duration
}

type UsageGate interface {
	IncrementAndCheck(ctx context.Context, sender string) (usage.Result, error)
	Limit() int
}

type HistoryReadWriter interface {
	Context(ctx context.Context, sender string) ([]domain.HistoryEntry, error)
	AddMessage(ctx context.Context, sender string, role domain.Role, content string) error
}

type ReplyGenerator interface {
	Generate(ctx context.Context, in domain.Inbound, history []domain.HistoryEntry) string
}

// Transport delivers an SMS and returns the provider's message id.
type Transport interface {
	Send(ctx context.Context, msg domain.Outbound) (string, error)
}

// PipelineObserver is told the outcome and duration of every Handle call.
type PipelineObserver interface {
	Pipeline(outcome string, elapsed time.Duration)
}

// Result is how a pipeline run ended.
type Result struct {
	State     State
	Reply     string
	MessageID string
}

// Relay runs the per-message pipeline: rate check, usage check, history
// fetch, generation, send, persist.
type Relay struct {
	limiter   RateChecker
	usage     UsageGate
	history   HistoryReadWriter
	generator ReplyGenerator
	transport Transport
	from      string

	logger       *slog.Logger
	observer     PipelineObserver
	storeTimeout time.Duration
	sendTimeout  time.Duration
	now          func() time.Time
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithStoreTimeout bounds each store call. Default 3s.
func WithStoreTimeout(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.storeTimeout = d
		}
	}
}

// WithSendTimeout bounds each outbound SMS. Default 10s.
func WithSendTimeout(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.sendTimeout = d
		}
	}
}

// WithLogger sets the logger for pipeline outcomes.
func WithLogger(l *slog.Logger) RelayOption {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithPipelineObserver reports every Handle outcome and duration.
func WithPipelineObserver(o PipelineObserver) RelayOption {
	return func(r *Relay) {
		r.observer = o
	}
}

// NewRelay wires the pipeline. Replies are sent from the number from.
func NewRelay(l RateChecker, u UsageGate, h HistoryReadWriter, g ReplyGenerator, t Transport, from string, opts ...RelayOption) (*Relay, error) {
	if l == nil {
		return nil, errors.New("usecase: rate limiter must not be nil")
	}
	if u == nil {
		return nil, errors.New("usecase: usage ledger must not be nil")
	}
	if h == nil {
		return nil, errors.New("usecase: history store must not be nil")
	}
	if g == nil {
		return nil, errors.New("usecase: generator must not be nil")
	}
	if t == nil {
		return nil, errors.New("usecase: transport must not be nil")
	}
	from = strings.TrimSpace(from)
	if from == "" {
		return nil, errors.New("usecase: from number must not be empty")
	}
	r := &Relay{
		limiter:      l,
		usage:        u,
		history:      h,
		generator:    g,
		transport:    t,
		from:         from,
		logger:       slog.Default(),
		storeTimeout: defaultStoreTimeout,
		sendTimeout:  defaultSendTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Process runs one inbound message through the pipeline. A denial is a
// Result, not an error. On error the Result's State is where it stopped.
func (r *Relay) Process(ctx context.Context, in domain.Inbound) (Result, error) {
	sender := in.Sender

	state := StateRateCheck
	rate, err := storeCall(ctx, r.storeTimeout, func(ctx context.Context) (ratelimit.Result, error) {
		return r.limiter.Check(ctx, sender)
	})
	if err != nil {
		return Result{State: state}, newError(ErrorStore, "rate_check_error", state, err)
	}
	if !rate.Allowed {
		return r.deny(ctx, sender, StateDeniedRate, rateLimitNotice(rate.ResetInSeconds, r.limiter.Max(), r.limiter.Window()))
	}

	state = StateUsageCheck
	quota, err := storeCall(ctx, r.storeTimeout, func(ctx context.Context) (usage.Result, error) {
		return r.usage.IncrementAndCheck(ctx, sender)
	})
	if err != nil {
		return Result{State: state}, newError(ErrorStore, "usage_check_error", state, err)
	}
	if !quota.Allowed {
		return r.deny(ctx, sender, StateDeniedQuota, trialEndedNotice(r.usage.Limit()))
	}

	state = StateContextFetch
	history, err := storeCall(ctx, r.storeTimeout, func(ctx context.Context) ([]domain.HistoryEntry, error) {
		return r.history.Context(ctx, sender)
	})
	if err != nil {
		return Result{State: state}, newError(ErrorStore, "history_read_error", state, err)
	}

	// Generation degrades to a fixed text instead of failing.
	reply := r.generator.Generate(ctx, in, history)

	state = StateSend
	id, err := r.send(ctx, sender, reply)
	if err != nil {
		return Result{State: state, Reply: reply}, newError(ErrorTransport, "send_error", state, err)
	}

	state = StatePersist
	if err := r.persist(ctx, sender, in.Body, reply); err != nil {
		return Result{State: state, Reply: reply, MessageID: id}, newError(ErrorStore, "history_write_error", state, err)
	}

	return Result{State: StateDone, Reply: reply, MessageID: id}, nil
}

func (r *Relay) deny(ctx context.Context, sender string, state State, notice string) (Result, error) {
	id, err := r.send(ctx, sender, notice)
	if err != nil {
		return Result{State: state, Reply: notice}, newError(ErrorTransport, "notice_send_error", state, err)
	}
	return Result{State: state, Reply: notice, MessageID: id}, nil
}

func (r *Relay) send(ctx context.Context, to, body string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()
	return r.transport.Send(ctx, domain.Outbound{To: to, From: r.from, Body: body})
}

// persist records the user turn before the assistant turn.
func (r *Relay) persist(ctx context.Context, sender, message, reply string) error {
	_, err := storeCall(ctx, r.storeTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.history.AddMessage(ctx, sender, domain.RoleUser, message)
	})
	if err != nil {
		return err
	}
	_, err = storeCall(ctx, r.storeTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.history.AddMessage(ctx, sender, domain.RoleAssistant, reply)
	})
	return err
}

// Handle is the detached task body for one inbound message. It logs and
// records the outcome and never fails.
func (r *Relay) Handle(ctx context.Context, in domain.Inbound) {
	start := r.now()
	logger := r.logger.With("sender", in.Sender, "correlation_id", in.CorrelationID)

	res, err := r.Process(ctx, in)
	elapsed := r.now().Sub(start)

	outcome := string(res.State)
	if err != nil {
		outcome = "failed"
		var pipeErr *Error
		if errors.As(err, &pipeErr) {
			outcome = "failed_" + strings.ToLower(string(pipeErr.Code))
		}
		logger.ErrorContext(ctx, "pipeline failed",
			"state", string(res.State),
			"err", err,
			"duration_ms", elapsed.Milliseconds(),
		)
	} else {
		logger.InfoContext(ctx, "pipeline finished",
			"state", string(res.State),
			"message_id", res.MessageID,
			"duration_ms", elapsed.Milliseconds(),
		)
	}
	if r.observer != nil {
		r.observer.Pipeline(outcome, elapsed)
	}
}

func storeCall[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}
