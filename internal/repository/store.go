package repository

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrContention is returned when an atomic update kept losing races and
	// the backend gave up retrying.
	ErrContention = errors.New("repository: too much contention on key")
	// ErrMalformed is returned when a stored value cannot be decoded.
	ErrMalformed = errors.New("repository: malformed stored value")
)

// Window describes one sliding-window admission attempt. Scores are
// millisecond epoch timestamps.
type Window struct {
	// Start is the lower bound of the window; entries scored below it are removed.
	Start int64
	// Now is the score recorded when the attempt is admitted.
	Now int64
	// Limit is the number of surviving entries at which admission is refused.
	Limit int
	// TTL is applied to the key on admission.
	TTL time.Duration
}

// WindowState is the outcome of a SlideWindow call.
type WindowState struct {
	// Count is the number of entries that survived pruning, before admission.
	Count int
	// Oldest is the score of the oldest surviving entry, 0 when none survived.
	Oldest int64
	// Admitted reports whether a new entry was recorded.
	Admitted bool
}

// Store is the keyed persistence substrate shared by the rate limiter, the
// usage ledger and the conversation store. Implementations must be safe for
// concurrent use; Incr and SlideWindow must be atomic per key. Expired keys
// read as absent.
type Store interface {
	// ListAppend pushes value onto the tail of the list at key.
	ListAppend(ctx context.Context, key, value string) error
	// ListTrim keeps only the last keep entries of the list at key.
	ListTrim(ctx context.Context, key string, keep int) error
	// ListRange returns the whole list, oldest first, or nil when absent.
	ListRange(ctx context.Context, key string) ([]string, error)

	// Incr atomically increments the counter at key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// Counter returns the counter at key, or 0 when it was never set.
	Counter(ctx context.Context, key string) (int64, error)

	// SlideWindow prunes, counts and conditionally records an entry in the
	// sorted set at key as one atomic step.
	SlideWindow(ctx context.Context, key string, w Window) (WindowState, error)

	// Expire sets the time to live of key. Missing keys are left alone.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Close() error
}

// windowMember returns a sorted-set member for score that never collides with
// another admission recorded in the same millisecond.
func windowMember(score int64) string {
	return strconv.FormatInt(score, 10) + "-" + newUUID()
}

var newUUID = func() string {
	return uuid.NewString()
}
