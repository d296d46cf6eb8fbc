// Package conversation keeps a short rolling history per sender.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sms-relay/internal/domain"
	"sms-relay/internal/repository"
)

const (
	DefaultMaxEntries = 10
	DefaultTTL        = 24 * time.Hour

	keyPrefix = "history:"
)

// Store persists HistoryEntry records as JSON strings in a per-sender list.
// The list is trimmed to the newest MaxEntries on every write and forgotten
// TTL after the last write.
type Store struct {
	store      repository.Store
	maxEntries int
	ttl        time.Duration
}

// New creates a Store keeping maxEntries turns per sender for ttl after the
// last write. Non-positive values select DefaultMaxEntries and DefaultTTL.
func New(store repository.Store, maxEntries int, ttl time.Duration) (*Store, error) {
	if store == nil {
		return nil, errors.New("conversation: store must not be nil")
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{store: store, maxEntries: maxEntries, ttl: ttl}, nil
}

// Context returns the sender's history, oldest first. Any record that does
// not decode fails the whole read.
func (s *Store) Context(ctx context.Context, sender string) ([]domain.HistoryEntry, error) {
	raw, err := s.store.ListRange(ctx, keyPrefix+sender)
	if err != nil {
		return nil, fmt.Errorf("conversation: Context: %w", err)
	}
	out := make([]domain.HistoryEntry, 0, len(raw))
	for i, r := range raw {
		var e domain.HistoryEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("conversation: Context: record %d: %w: %v", i, repository.ErrMalformed, err)
		}
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("conversation: Context: record %d: %w: %v", i, repository.ErrMalformed, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// AddMessage appends, trims, then refreshes expiry, in that order.
func (s *Store) AddMessage(ctx context.Context, sender string, role domain.Role, content string) error {
	e := domain.HistoryEntry{Role: role, Content: content}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("conversation: AddMessage: %w", err)
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("conversation: AddMessage: marshal: %w", err)
	}

	key := keyPrefix + sender
	if err := s.store.ListAppend(ctx, key, string(b)); err != nil {
		return fmt.Errorf("conversation: AddMessage: %w", err)
	}
	if err := s.store.ListTrim(ctx, key, s.maxEntries); err != nil {
		return fmt.Errorf("conversation: AddMessage: %w", err)
	}
	if err := s.store.Expire(ctx, key, s.ttl); err != nil {
		return fmt.Errorf("conversation: AddMessage: %w", err)
	}
	return nil
}
