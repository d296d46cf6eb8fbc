package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// slideWindowScript runs the whole sliding-window step server side so two
// concurrent checks for one sender can never both see a free slot.
//
// KEYS[1] window key
// ARGV[1] window start (exclusive lower bound of survivors)
// ARGV[2] score to record
// ARGV[3] limit
// ARGV[4] ttl in milliseconds
// ARGV[5] member
var slideWindowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
local oldest = 0
if count > 0 then
  local first = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  oldest = tonumber(first[2])
end
if count >= tonumber(ARGV[3]) then
  return {count, oldest, 0}
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return {count, oldest, 1}
`)

// RedisOptions tunes the connection used by DialRedis.
type RedisOptions struct {
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
}

// Redis is a Store backed by a Redis server.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis wraps an existing client. The Store takes ownership and closes it.
func NewRedis(client redis.UniversalClient) (*Redis, error) {
	if client == nil {
		return nil, errors.New("repository: redis client must not be nil")
	}
	return &Redis{client: client}, nil
}

// DialRedis connects to rawURL and verifies the server answers. Commands fail
// fast while the server is unreachable instead of queueing; retries back off
// linearly up to two seconds.
func DialRedis(ctx context.Context, rawURL string, o RedisOptions) (*Redis, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, errors.New("repository: redis url must not be empty")
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("repository: parse redis url: %w", err)
	}
	if o.DialTimeout > 0 {
		opts.DialTimeout = o.DialTimeout
	}
	if o.ReadTimeout > 0 {
		opts.ReadTimeout = o.ReadTimeout
	}
	if o.WriteTimeout > 0 {
		opts.WriteTimeout = o.WriteTimeout
	}
	if o.MaxRetries != 0 {
		opts.MaxRetries = o.MaxRetries
	}
	opts.MinRetryBackoff = 50 * time.Millisecond
	opts.MaxRetryBackoff = 2 * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("repository: ping redis: %w", err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) ListAppend(ctx context.Context, key, value string) error {
	if err := r.client.RPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("repository: ListAppend %q: %w", key, err)
	}
	return nil
}

func (r *Redis) ListTrim(ctx context.Context, key string, keep int) error {
	if keep <= 0 {
		return fmt.Errorf("repository: ListTrim %q: keep must be positive", key)
	}
	if err := r.client.LTrim(ctx, key, int64(-keep), -1).Err(); err != nil {
		return fmt.Errorf("repository: ListTrim %q: %w", key, err)
	}
	return nil
}

func (r *Redis) ListRange(ctx context.Context, key string) ([]string, error) {
	vals, err := r.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("repository: ListRange %q: %w", key, err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return vals, nil
}

func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("repository: Incr %q: %w", key, err)
	}
	return n, nil
}

func (r *Redis) Counter(ctx context.Context, key string) (int64, error) {
	raw, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("repository: Counter %q: %w", key, err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: Counter %q: %w: %v", key, ErrMalformed, err)
	}
	return n, nil
}

func (r *Redis) SlideWindow(ctx context.Context, key string, w Window) (WindowState, error) {
	res, err := slideWindowScript.Run(ctx, r.client, []string{key},
		w.Start, w.Now, w.Limit, w.TTL.Milliseconds(), windowMember(w.Now),
	).Int64Slice()
	if err != nil {
		return WindowState{}, fmt.Errorf("repository: SlideWindow %q: %w", key, err)
	}
	if len(res) != 3 {
		return WindowState{}, fmt.Errorf("repository: SlideWindow %q: %w: %d values", key, ErrMalformed, len(res))
	}
	return WindowState{
		Count:    int(res[0]),
		Oldest:   res[1],
		Admitted: res[2] == 1,
	}, nil
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("repository: Expire %q: %w", key, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
