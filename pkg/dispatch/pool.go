// Package dispatch is a bounded worker pool used at the public API
// boundary when callers want registry mutations decoupled from their
// own goroutine. None of the core operations block on I/O, so the pool
// exists purely to absorb lock contention spikes.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrQueueFull is returned by TrySubmit when the queue is at capacity.
var ErrQueueFull = errors.New("dispatch queue full")

// ErrClosed is returned when submitting to a closed pool.
var ErrClosed = errors.New("dispatch pool closed")

// Pool runs submitted funcs on a fixed set of workers in FIFO order.
type Pool struct {
	ch      chan func()
	wg      sync.WaitGroup
	stop    chan struct{}
	once    sync.Once
	closed  atomic.Bool
	dropped uint64
}

// NewPool starts workers goroutines draining a queue of the given
// capacity.
func NewPool(workers, capacity int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if capacity <= 0 {
		capacity = 1024
	}
	p := &Pool{ch: make(chan func(), capacity), stop: make(chan struct{})}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		select {
		case fn, ok := <-p.ch:
			if !ok {
				return
			}
			fn()
		case <-p.stop:
			return
		}
	}
}

// TrySubmit enqueues fn without blocking. A full queue drops the task
// and returns ErrQueueFull.
func (p *Pool) TrySubmit(fn func()) error {
	if p.closed.Load() {
		return ErrClosed
	}
	select {
	case p.ch <- fn:
		return nil
	default:
		atomic.AddUint64(&p.dropped, 1)
		return ErrQueueFull
	}
}

// Submit enqueues fn, blocking until space is available or ctx is done.
func (p *Pool) Submit(ctx context.Context, fn func()) error {
	if p.closed.Load() {
		return ErrClosed
	}
	select {
	case p.ch <- fn:
		return nil
	case <-ctx.Done():
		atomic.AddUint64(&p.dropped, 1)
		return ctx.Err()
	}
}

// Len returns the number of queued tasks.
func (p *Pool) Len() int { return len(p.ch) }

// Dropped returns the number of tasks rejected or cancelled at enqueue.
func (p *Pool) Dropped() uint64 { return atomic.LoadUint64(&p.dropped) }

// Close stops the workers after the queue drains and waits for them.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.closed.Store(true)
		close(p.ch)
		p.wg.Wait()
		close(p.stop)
	})
}
