// Package ratelimit implements per-sender sliding-window admission control.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sms-relay/internal/repository"
)

const (
	DefaultWindow = 60 * time.Second
	DefaultMax    = 10

	keyPrefix = "ratelimit:"
)

// Result is the admission decision for one inbound message.
type Result struct {
	Allowed        bool
	Remaining      int
	ResetInSeconds int
}

// Limiter admits at most Max messages per sender in any trailing Window.
type Limiter struct {
	store  repository.Store
	window time.Duration
	max    int
	now    func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithWindow sets the window length. Only whole seconds of at least one
// second are accepted, since resets are reported in seconds; anything else
// keeps the default.
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		if d >= time.Second && d%time.Second == 0 {
			l.window = d
		}
	}
}

// WithMax sets how many messages a window admits. Non-positive values keep
// DefaultMax.
func WithMax(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.max = n
		}
	}
}

// WithClock replaces time.Now; used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a Limiter over store with DefaultMax messages per DefaultWindow
// unless overridden by opts.
func New(store repository.Store, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("ratelimit: store must not be nil")
	}
	l := &Limiter{
		store:  store,
		window: DefaultWindow,
		max:    DefaultMax,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Max returns the number of messages admitted per window.
func (l *Limiter) Max() int { return l.max }

// Window returns the window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Check prunes the sender's window, and records the attempt when the window
// still has room. Prune, count and record happen as one atomic store step.
func (l *Limiter) Check(ctx context.Context, sender string) (Result, error) {
	now := l.now().UnixMilli()
	windowMs := l.window.Milliseconds()
	windowSec := int(l.window / time.Second)

	st, err := l.store.SlideWindow(ctx, keyPrefix+sender, repository.Window{
		Start: now - windowMs,
		Now:   now,
		Limit: l.max,
		TTL:   2 * l.window,
	})
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: Check: %w", err)
	}

	if !st.Admitted {
		reset := windowSec
		if st.Count > 0 {
			reset = ceilSeconds(st.Oldest + windowMs - now)
		}
		return Result{Allowed: false, Remaining: 0, ResetInSeconds: max(1, reset)}, nil
	}
	return Result{
		Allowed:        true,
		Remaining:      l.max - st.Count - 1,
		ResetInSeconds: windowSec,
	}, nil
}

func ceilSeconds(ms int64) int {
	if ms <= 0 {
		return 0
	}
	return int((ms + 999) / 1000)
}
