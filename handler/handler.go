package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"sms-relay/internal/dispatch"
	"sms-relay/internal/domain"
)

const (
	correlationHeader = "X-Correlation-Id"
	emptyTwiML        = "<Response></Response>"
	maxFormBytes      = 64 << 10
)

// MessageHandler processes one inbound message to completion.
type MessageHandler interface {
	Handle(ctx context.Context, in domain.Inbound)
}

// Submitter queues detached work.
type Submitter interface {
	Submit(name string, task dispatch.Task) error
}

type SignatureValidator interface {
	Valid(r *http.Request) bool
}

// InboundObserver is told how every webhook call was answered.
type InboundObserver interface {
	Inbound(result string)
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// Handler is the webhook endpoint. It acknowledges every call immediately;
// the message itself is processed on the dispatcher after the response.
type Handler struct {
	messages  MessageHandler
	submitter Submitter
	validator SignatureValidator
	observer  InboundObserver
	metrics   http.Handler
	region    string
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Handler)

// WithValidator rejects calls that fail signature validation with 403.
func WithValidator(v SignatureValidator) Option {
	return func(h *Handler) {
		h.validator = v
	}
}

func WithObserver(o InboundObserver) Option {
	return func(h *Handler) {
		h.observer = o
	}
}

// WithMetricsHandler serves m on GET /metrics.
func WithMetricsHandler(m http.Handler) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithRegion sets the region used to read numbers without a country code.
func WithRegion(region string) Option {
	return func(h *Handler) {
		if s := strings.TrimSpace(region); s != "" {
			h.region = s
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHandler(messages MessageHandler, submitter Submitter, opts ...Option) (*Handler, error) {
	if messages == nil {
		return nil, errors.New("handler: message handler must not be nil")
	}
	if submitter == nil {
		return nil, errors.New("handler: submitter must not be nil")
	}
	h := &Handler{
		messages:  messages,
		submitter: submitter,
		region:    domain.DefaultRegion,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Routes returns the HTTP surface: POST /sms, GET /health and, when
// configured, GET /metrics.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sms", h.handleSMS)
	mux.HandleFunc("GET /health", h.handleHealth)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
	return mux
}

func (h *Handler) handleSMS(w http.ResponseWriter, r *http.Request) {
	corrID := strings.TrimSpace(r.Header.Get(correlationHeader))
	if corrID == "" {
		corrID = newUUID()
	}
	w.Header().Set(correlationHeader, corrID)
	logger := h.logger.With("correlation_id", corrID)

	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		logger.Warn("unreadable webhook form", "err", err)
		h.observe("bad_request")
		writeAck(w)
		return
	}

	if h.validator != nil && !h.validator.Valid(r) {
		logger.Warn("webhook signature rejected", "remote_addr", r.RemoteAddr)
		h.observe("forbidden")
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	in := domain.Inbound{
		Sender:        domain.CanonicalSender(r.PostForm.Get("From"), h.region),
		Body:          r.PostForm.Get("Body"),
		To:            r.PostForm.Get("To"),
		MessageSID:    r.PostForm.Get("MessageSid"),
		CorrelationID: corrID,
	}
	if in.Sender == "" {
		logger.Warn("webhook without sender", "message_sid", in.MessageSID)
		h.observe("ignored")
		writeAck(w)
		return
	}

	logger.Info("sms received",
		"sender", in.Sender,
		"message_sid", in.MessageSID,
		"body_len", len(in.Body),
	)
	err := h.submitter.Submit("sms "+corrID, func(ctx context.Context) {
		h.messages.Handle(ctx, in)
	})
	if err != nil {
		logger.Error("message not queued", "sender", in.Sender, "err", err)
		h.observe("dropped")
	} else {
		h.observe("accepted")
	}
	writeAck(w)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:    "ok",
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) observe(result string) {
	if h.observer != nil {
		h.observer.Inbound(result)
	}
}

// writeAck answers Twilio with an empty TwiML document, so no reply is sent
// on the webhook leg.
func writeAck(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(emptyTwiML))
}

var newUUID = func() string {
	return uuid.NewString()
}
