package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrPoolShutdown is returned when work is submitted after Shutdown.
	ErrPoolShutdown = errors.New("worker pool is shut down")
	// ErrPoolFull is returned by TrySubmit when every slot is busy.
	ErrPoolFull = errors.New("worker pool is at capacity")
)

// PoolMetrics is a snapshot of pool counters.
type PoolMetrics struct {
	Size      int   `json:"size"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
	Rejected  int64 `json:"rejected"`
}

// WorkerPool caps how many runs execute at once. Each unit of work holds one
// slot for its whole lifetime.
type WorkerPool struct {
	slots   chan struct{}
	closing chan struct{}

	mu     sync.Mutex // guards closed and wg.Add against Shutdown
	closed bool
	wg     sync.WaitGroup

	// PanicHandler, if set, receives the value of a recovered panic.
	PanicHandler func(v any)

	active, completed, failed, panics, rejected atomic.Int64
}

// NewWorkerPool creates a pool with size slots, at least one.
func NewWorkerPool(size int) *WorkerPool {
	return &WorkerPool{
		slots:   make(chan struct{}, max(size, 1)),
		closing: make(chan struct{}),
	}
}

// Submit waits for a free slot and runs fn on it in a new goroutine. Waiting
// ends early when ctx is done or the pool shuts down.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case <-p.closing:
		return ErrPoolShutdown
	default:
	}
	select {
	case p.slots <- struct{}{}:
		return p.launch(ctx, fn)
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closing:
		return ErrPoolShutdown
	}
}

// TrySubmit runs fn only if a slot is free right now.
func (p *WorkerPool) TrySubmit(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case <-p.closing:
		return ErrPoolShutdown
	default:
	}
	select {
	case p.slots <- struct{}{}:
		return p.launch(ctx, fn)
	default:
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

func (p *WorkerPool) launch(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.active.Add(1)
	go func() {
		defer p.release()
		if err := p.call(ctx, fn); err != nil {
			p.failed.Add(1)
			return
		}
		p.completed.Add(1)
	}()
	return nil
}

// call runs fn and turns a panic into an error.
func (p *WorkerPool) call(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			p.panics.Add(1)
			if p.PanicHandler != nil {
				p.PanicHandler(v)
			}
			err = fmt.Errorf("worker panic: %v", v)
		}
	}()
	return fn(ctx)
}

func (p *WorkerPool) release() {
	p.active.Add(-1)
	<-p.slots
	p.wg.Done()
}

// Wait blocks until every launched unit of work has returned.
func (p *WorkerPool) Wait() { p.wg.Wait() }

// Shutdown refuses new work and waits for running work. Safe to call twice.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.closing)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Metrics returns the current counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Size:      cap(p.slots),
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
		Rejected:  p.rejected.Load(),
	}
}
