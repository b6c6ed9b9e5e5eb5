// ============================================================================
// omni-node Worker Pool - connection admission and execution
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: bounds how many connections are served at once and hands them
//           to Worker goroutines
//
// Modes:
//   Bounded (size > 0):
//     size long-lived Workers share taskCh, a channel with `backlog` slots.
//     Submit never blocks: when every worker is busy and the backlog is full
//     it returns ErrPoolFull and the caller closes the connection.
//
//   Unbounded (size == 0):
//     one goroutine per submitted task, no queue. Nothing limits the number
//     of live connections; callers are expected to warn about it.
//
//   ┌─────────────┐
//   │ accept loop │ --Submit()--> taskCh (backlog)
//   └─────────────┘                  │
//                            ┌───────┴──────┐
//                            │ Worker 1..N  │──→ resultCh ──→ Results()
//                            └──────────────┘
//
// Lifecycle:
//   1. NewPool(size, backlog, handler)
//   2. Start(ctx)  - launches the workers; ctx is passed to every handler
//   3. Submit(task)
//   4. Results()   - optional consumer; results are dropped when it lags
//   5. Stop()      - rejects new tasks, cancels ctx, waits for handlers,
//                    closes the result channel
//
// Concurrency:
//   Submit holds mu across the non-blocking send, and Stop flips `stopped`
//   and closes taskCh under the same lock, so a send can never race the
//   close. wg.Add in unbounded mode happens under mu for the same reason.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.uber.org/atomic"
)

var (
	// ErrPoolClosed is returned by Submit after Stop.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned by Submit before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolFull means every worker is busy and the backlog is full.
	ErrPoolFull = errors.New("worker pool is full")
	// ErrHandlerPanic wraps a recovered handler panic.
	ErrHandlerPanic = errors.New("connection handler panicked")
)

const minResultBuffer = 64

// Pool runs a Handler for every submitted Task.
type Pool struct {
	size    int
	backlog int
	handler Handler
	log     *slog.Logger

	taskCh   chan Task
	resultCh chan Result
	workers  []*Worker
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc

	dropped atomic.Uint64

	mu      sync.Mutex
	started bool
	stopped bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger used for handler panics.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.log = l
		}
	}
}

// NewPool builds a pool of size workers with a backlog-slot queue. size 0 selects
// unbounded mode, in which backlog is ignored.
func NewPool(size, backlog int, handler Handler, opts ...Option) *Pool {
	size = max(size, 0)
	backlog = max(backlog, 0)

	p := &Pool{
		size:     size,
		backlog:  backlog,
		handler:  handler,
		log:      slog.Default(),
		resultCh: make(chan Result, max(minResultBuffer, size+backlog)),
	}
	if size > 0 {
		p.taskCh = make(chan Task, backlog)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers. Handlers observe ctx and a derived cancel fired by Stop.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.stopped {
		return ErrPoolClosed
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.size; i++ {
		w := newWorker(i, p.taskCh, p.handler, p.deliver, p.log)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run(p.ctx)
		}()
	}

	p.started = true
	return nil
}

// Submit hands task to a worker without blocking. On error the caller still owns task.Conn.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	if p.Unbounded() {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.deliver(serve(p.ctx, p.handler, task, p.log))
		}()
		return nil
	}

	select {
	case p.taskCh <- task:
		return nil
	default:
		return ErrPoolFull
	}
}

func (p *Pool) deliver(r Result) {
	select {
	case p.resultCh <- r:
	default:
		p.dropped.Inc()
	}
}

// Results streams handler results. The channel is closed by Stop.
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// Stop rejects new tasks, cancels in-flight handlers and waits for them.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	if !p.started {
		p.stopped = true
		p.mu.Unlock()
		close(p.resultCh)
		return
	}
	p.stopped = true
	if p.taskCh != nil {
		close(p.taskCh)
	}
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	close(p.resultCh)
}

// Size is the number of workers; 0 in unbounded mode.
func (p *Pool) Size() int {
	return p.size
}

// Backlog is the number of queue slots behind the workers.
func (p *Pool) Backlog() int {
	return p.backlog
}

// Unbounded reports whether the pool spawns one goroutine per task.
func (p *Pool) Unbounded() bool {
	return p.size == 0
}

// Queued returns the number of tasks waiting for a worker.
func (p *Pool) Queued() int {
	if p.taskCh == nil {
		return 0
	}
	return len(p.taskCh)
}

// Dropped counts results discarded because nobody drained Results.
func (p *Pool) Dropped() uint64 {
	return p.dropped.Load()
}

// GetWorkerCount returns the number of started workers.
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start has run.
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
