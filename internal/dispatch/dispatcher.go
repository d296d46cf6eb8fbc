// Package dispatch runs detached tasks on a bounded worker pool. Submitters
// get no handle to the task; they only learn whether it was queued.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	ErrQueueFull = errors.New("dispatch: queue full")
	ErrClosed    = errors.New("dispatch: dispatcher is shut down")
)

const (
	defaultWorkers     = 16
	defaultQueueSize   = 256
	defaultTaskTimeout = 45 * time.Second
)

// Task is a unit of detached work. ctx is canceled when the task times out or
// when shutdown gives up waiting.
type Task func(ctx context.Context)

type job struct {
	name string
	run  Task
}

type Dispatcher struct {
	queue       chan job
	logger      *slog.Logger
	taskTimeout time.Duration
	onDrop      func(reason string)

	// mu guards closed and serializes close(queue) against sends.
	mu     sync.RWMutex
	closed bool

	baseCtx context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	done    chan struct{}
}

type Option func(*Dispatcher)

func WithTaskTimeout(d time.Duration) Option {
	return func(p *Dispatcher) {
		if d > 0 {
			p.taskTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Dispatcher) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithDropHook is called with "queue_full" or "closed" for every rejected task.
func WithDropHook(fn func(reason string)) Option {
	return func(p *Dispatcher) {
		p.onDrop = fn
	}
}

// New starts workers goroutines draining a queue of queueSize tasks.
func New(workers, queueSize int, opts ...Option) *Dispatcher {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Dispatcher{
		queue:       make(chan job, queueSize),
		logger:      slog.Default(),
		taskTimeout: defaultTaskTimeout,
		baseCtx:     ctx,
		cancel:      cancel,
		group:       &errgroup.Group{},
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < workers; i++ {
		p.group.Go(func() error {
			for j := range p.queue {
				p.run(j)
			}
			return nil
		})
	}
	go func() {
		_ = p.group.Wait()
		close(p.done)
	}()
	return p
}

// Submit queues task without blocking.
func (p *Dispatcher) Submit(name string, task Task) error {
	if task == nil {
		return errors.New("dispatch: task must not be nil")
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.drop(name, "closed")
		return ErrClosed
	}
	select {
	case p.queue <- job{name: name, run: task}:
		return nil
	default:
		p.drop(name, "queue_full")
		return ErrQueueFull
	}
}

// Pending returns the number of queued tasks not yet picked up by a worker.
func (p *Dispatcher) Pending() int {
	return len(p.queue)
}

func (p *Dispatcher) drop(name, reason string) {
	p.logger.Warn("task dropped", "task", name, "reason", reason)
	if p.onDrop != nil {
		p.onDrop(reason)
	}
}

func (p *Dispatcher) run(j job) {
	ctx, cancel := context.WithTimeout(p.baseCtx, p.taskTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked",
				"task", j.name,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	j.run(ctx)
}

// Shutdown stops intake and waits for queued and running tasks. When ctx
// expires first, running tasks are canceled and Shutdown returns ctx's error
// once they have returned.
func (p *Dispatcher) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-p.done
		return fmt.Errorf("dispatch: shutdown: %w", ctx.Err())
	}
}
