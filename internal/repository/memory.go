package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	list     []string
	counter  int64
	scores   []int64 // sorted ascending
	expireAt time.Time
}

// Memory is an in-process Store for local development and tests. A single
// mutex serializes every operation, which makes Incr and SlideWindow atomic.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

// SetClock replaces the clock used for expiry; intended for tests.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// lookup returns the live entry for key, dropping it if it has expired.
func (m *Memory) lookup(key string) *memoryEntry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !e.expireAt.IsZero() && !m.now().Before(e.expireAt) {
		delete(m.entries, key)
		return nil
	}
	return e
}

func (m *Memory) lookupOrCreate(key string) *memoryEntry {
	if e := m.lookup(key); e != nil {
		return e
	}
	e := &memoryEntry{}
	m.entries[key] = e
	return e
}

func (m *Memory) ListAppend(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookupOrCreate(key)
	e.list = append(e.list, value)
	return nil
}

func (m *Memory) ListTrim(_ context.Context, key string, keep int) error {
	if keep <= 0 {
		return fmt.Errorf("repository: ListTrim %q: keep must be positive", key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil {
		return nil
	}
	if len(e.list) > keep {
		e.list = append([]string(nil), e.list[len(e.list)-keep:]...)
	}
	return nil
}

func (m *Memory) ListRange(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil || len(e.list) == 0 {
		return nil, nil
	}
	return append([]string(nil), e.list...), nil
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookupOrCreate(key)
	e.counter++
	return e.counter, nil
}

func (m *Memory) Counter(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookup(key)
	if e == nil {
		return 0, nil
	}
	return e.counter, nil
}

func (m *Memory) SlideWindow(_ context.Context, key string, w Window) (WindowState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.lookupOrCreate(key)
	cut := sort.Search(len(e.scores), func(i int) bool { return e.scores[i] >= w.Start })
	e.scores = e.scores[cut:]

	state := WindowState{Count: len(e.scores)}
	if state.Count > 0 {
		state.Oldest = e.scores[0]
	}
	if state.Count >= w.Limit {
		return state, nil
	}

	at := sort.Search(len(e.scores), func(i int) bool { return e.scores[i] > w.Now })
	e.scores = append(e.scores, 0)
	copy(e.scores[at+1:], e.scores[at:])
	e.scores[at] = w.Now
	e.expireAt = m.now().Add(w.TTL)
	state.Admitted = true
	return state, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.lookup(key); e != nil {
		e.expireAt = m.now().Add(ttl)
	}
	return nil
}

func (m *Memory) Close() error {
	return nil
}
