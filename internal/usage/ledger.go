// Package usage keeps the lifetime message count per sender and gates it
// against the free trial limit.
package usage

import (
	"context"
	"errors"
	"fmt"

	"sms-relay/internal/repository"
)

const (
	DefaultTrialLimit = 50

	keyPrefix = "usage:"
)

// Result is the quota decision for one message. Total is the sender's
// lifetime count including this message.
type Result struct {
	Allowed   bool
	Remaining int
	Total     int
}

// Ledger keeps a lifetime message counter per sender.
type Ledger struct {
	store repository.Store
	limit int
}

// New creates a Ledger allowing limit messages per sender. A non-positive
// limit selects DefaultTrialLimit.
func New(store repository.Store, limit int) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("usage: store must not be nil")
	}
	if limit <= 0 {
		limit = DefaultTrialLimit
	}
	return &Ledger{store: store, limit: limit}, nil
}

// Limit returns the trial allowance.
func (l *Ledger) Limit() int { return l.limit }

// IncrementAndCheck counts the message and compares the new total against the
// trial limit. The counter advances even when the result is a denial.
func (l *Ledger) IncrementAndCheck(ctx context.Context, sender string) (Result, error) {
	n, err := l.store.Incr(ctx, keyPrefix+sender)
	if err != nil {
		return Result{}, fmt.Errorf("usage: IncrementAndCheck: %w", err)
	}
	total := int(n)
	return Result{
		Allowed:   total <= l.limit,
		Remaining: max(0, l.limit-total),
		Total:     total,
	}, nil
}

// Count returns the lifetime total for sender, 0 when it never sent anything.
func (l *Ledger) Count(ctx context.Context, sender string) (int, error) {
	n, err := l.store.Counter(ctx, keyPrefix+sender)
	if err != nil {
		return 0, fmt.Errorf("usage: Count: %w", err)
	}
	return int(n), nil
}
