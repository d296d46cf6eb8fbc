package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sms-relay/internal/repository"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newLimiter(t *testing.T, opts ...Option) (*Limiter, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	mem := repository.NewMemory()
	mem.SetClock(clk.Now)
	l, err := New(mem, append([]Option{WithClock(clk.Now)}, opts...)...)
	require.NoError(t, err)
	return l, clk
}

type failingStore struct {
	repository.Store
}

func (failingStore) SlideWindow(context.Context, string, repository.Window) (repository.WindowState, error) {
	return repository.WindowState{}, errors.New("connection refused")
}

func TestNew_NilStore(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestNew_Defaults(t *testing.T) {
	l, err := New(repository.NewMemory(), WithMax(0), WithWindow(-time.Second))
	require.NoError(t, err)
	require.Equal(t, DefaultMax, l.Max())
	require.Equal(t, DefaultWindow, l.Window())
}

func TestNew_WindowMustBeWholeSeconds(t *testing.T) {
	for _, d := range []time.Duration{500 * time.Millisecond, 1500 * time.Millisecond} {
		l, err := New(repository.NewMemory(), WithWindow(d))
		require.NoError(t, err)
		require.Equal(t, DefaultWindow, l.Window(), "window %s", d)
	}

	l, err := New(repository.NewMemory(), WithWindow(time.Second))
	require.NoError(t, err)
	require.Equal(t, time.Second, l.Window())

	res, err := l.Check(context.Background(), "+14155550100")
	require.NoError(t, err)
	require.Equal(t, 1, res.ResetInSeconds)
}

func TestCheck_ElevenRapidRequests(t *testing.T) {
	l, clk := newLimiter(t)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		res, err := l.Check(ctx, "+14155550100")
		require.NoError(t, err)
		require.True(t, res.Allowed, "request %d", i)
		require.Equal(t, 10-i, res.Remaining, "request %d", i)
		require.Equal(t, 60, res.ResetInSeconds)
		clk.Advance(100 * time.Millisecond)
	}

	res, err := l.Check(ctx, "+14155550100")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Zero(t, res.Remaining)
	require.Greater(t, res.ResetInSeconds, 0)
	// Oldest entry was recorded 1s ago.
	require.Equal(t, 59, res.ResetInSeconds)
}

func TestCheck_DenialDoesNotConsumeSlot(t *testing.T) {
	l, clk := newLimiter(t, WithMax(2))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := l.Check(ctx, "a")
		require.NoError(t, err)
	}
	for i := 0; i < 5; i++ {
		res, err := l.Check(ctx, "a")
		require.NoError(t, err)
		require.False(t, res.Allowed)
	}

	clk.Advance(60 * time.Second)
	res, err := l.Check(ctx, "a")
	require.NoError(t, err)
	require.False(t, res.Allowed, "entries at the window start still count")
	require.Equal(t, 1, res.ResetInSeconds)

	clk.Advance(time.Millisecond)
	res, err = l.Check(ctx, "a")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, 1, res.Remaining)
}

func TestCheck_WindowSlides(t *testing.T) {
	l, clk := newLimiter(t, WithMax(3))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Check(ctx, "a")
		require.NoError(t, err)
		require.True(t, res.Allowed)
		clk.Advance(10 * time.Second)
	}
	res, err := l.Check(ctx, "a")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, 30, res.ResetInSeconds)

	clk.Advance(30*time.Second + time.Millisecond)
	res, err = l.Check(ctx, "a")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Zero(t, res.Remaining)
}

func TestCheck_ResetAtLeastOneSecond(t *testing.T) {
	l, clk := newLimiter(t, WithMax(1))
	ctx := context.Background()

	_, err := l.Check(ctx, "a")
	require.NoError(t, err)
	clk.Advance(59*time.Second + 999*time.Millisecond)
	res, err := l.Check(ctx, "a")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, 1, res.ResetInSeconds)
}

func TestCheck_PruningIsIdempotent(t *testing.T) {
	l, clk := newLimiter(t, WithMax(5))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Check(ctx, "a")
		require.NoError(t, err)
	}
	first, err := l.Check(ctx, "a")
	require.NoError(t, err)
	second, err := l.Check(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, first.Remaining, second.Remaining)

	clk.Advance(2 * time.Minute)
	first, err = l.Check(ctx, "b")
	require.NoError(t, err)
	require.True(t, first.Allowed)
	require.Equal(t, 4, first.Remaining)
}

func TestCheck_SendersAreIndependent(t *testing.T) {
	l, _ := newLimiter(t, WithMax(1))
	ctx := context.Background()

	res, err := l.Check(ctx, "a")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	res, err = l.Check(ctx, "b")
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestCheck_ConcurrentNeverExceedsMax(t *testing.T) {
	l, _ := newLimiter(t)
	ctx := context.Background()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Check(ctx, "a")
			if err == nil && res.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(DefaultMax), admitted.Load())
}

func TestCheck_StoreError(t *testing.T) {
	l, err := New(failingStore{})
	require.NoError(t, err)
	_, err = l.Check(context.Background(), "a")
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection refused")
}
