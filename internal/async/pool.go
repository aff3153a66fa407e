package async

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docflow/internal/common"
)

// ErrPoolClosed is returned by Enqueue after Shutdown.
var ErrPoolClosed = errors.New("worker pool is shutting down")

// WorkItem asks a worker to execute one attempt of one stage of a run.
type WorkItem struct {
	RunID      uuid.UUID
	Stage      int
	Attempt    int
	EnqueuedAt time.Time
}

// Handler processes a work item. The context carries the per-item timeout.
type Handler func(ctx context.Context, item WorkItem)

// Queue is what the orchestrator needs from a pool.
type Queue interface {
	// Enqueue blocks while the queue is at capacity, until ctx is done.
	Enqueue(ctx context.Context, item WorkItem) error
	// EnqueueAfter schedules item after delay and never blocks. It is used for
	// continuations and retries, which must not wait on the workers that issue them.
	EnqueueAfter(item WorkItem, delay time.Duration) error
	Shutdown(ctx context.Context)
}

// WorkerPool runs a bounded number of workers over a FIFO of work items.
type WorkerPool struct {
	logger    *slog.Logger
	workers   int
	queueSize int
	timeout   time.Duration

	mu      sync.Mutex
	pending []WorkItem
	timers  map[*time.Timer]struct{}
	closed  bool
	started bool

	wake  chan struct{}
	space chan struct{}
	stop  chan struct{}
	wg    sync.WaitGroup
}

type Option func(*WorkerPool)

func WithWorkers(n int) Option {
	return func(p *WorkerPool) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(p *WorkerPool) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithProcessTimeout bounds each item; zero leaves items unbounded.
func WithProcessTimeout(d time.Duration) Option {
	return func(p *WorkerPool) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func NewWorkerPool(logger *slog.Logger, opts ...Option) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &WorkerPool{
		logger:    logger,
		workers:   4,
		queueSize: 256,
		timeout:   3 * time.Minute,
		timers:    make(map[*time.Timer]struct{}),
		wake:      make(chan struct{}, 1),
		space:     make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start launches the workers. Calling it again is a no-op.
func (p *WorkerPool) Start(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i+1, h)
	}
}

func (p *WorkerPool) worker(workerID int, h Handler) {
	defer p.wg.Done()
	p.logger.Debug("worker started", "worker_id", workerID)
	for {
		item, ok := p.next()
		if !ok {
			p.logger.Debug("worker stopped", "worker_id", workerID)
			return
		}
		p.process(workerID, h, item)
	}
}

// next pops the oldest item, waiting for one. It returns false once the pool is
// closed and drained.
func (p *WorkerPool) next() (WorkItem, bool) {
	for {
		p.mu.Lock()
		if len(p.pending) > 0 {
			item := p.pending[0]
			p.pending[0] = WorkItem{}
			p.pending = p.pending[1:]
			more := len(p.pending) > 0
			p.mu.Unlock()
			signal(p.space)
			if more {
				signal(p.wake)
			}
			return item, true
		}
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return WorkItem{}, false
		}
		select {
		case <-p.wake:
		case <-p.stop:
		}
	}
}

func (p *WorkerPool) process(workerID int, h Handler, item WorkItem) {
	ctx := common.WithWorkerID(context.Background(), workerID)
	var cancel context.CancelFunc = func() {}
	if p.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
	}
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker handler panicked", "worker_id", workerID, "run_id", item.RunID, "panic", r)
		}
	}()
	h(ctx, item)
}

func (p *WorkerPool) Enqueue(ctx context.Context, item WorkItem) error {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.logger.Warn("cannot enqueue: pool is shutting down", "run_id", item.RunID)
			return ErrPoolClosed
		}
		if len(p.pending) < p.queueSize {
			p.pending = append(p.pending, item)
			room := len(p.pending) < p.queueSize
			p.mu.Unlock()
			signal(p.wake)
			if room {
				signal(p.space)
			}
			return nil
		}
		p.mu.Unlock()

		p.logger.Debug("queue full, applying backpressure", "run_id", item.RunID)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stop:
		case <-p.space:
		}
	}
}

func (p *WorkerPool) EnqueueAfter(item WorkItem, delay time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if delay <= 0 {
		p.pushLocked(item)
		return nil
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.timers, t)
		if p.closed {
			p.logger.Debug("dropping delayed item after shutdown", "run_id", item.RunID, "stage", item.Stage)
			return
		}
		p.pushLocked(item)
	})
	p.timers[t] = struct{}{}
	return nil
}

func (p *WorkerPool) pushLocked(item WorkItem) {
	item.EnqueuedAt = time.Now()
	p.pending = append(p.pending, item)
	signal(p.wake)
}

// Len is the number of items waiting for a worker.
func (p *WorkerPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Shutdown stops accepting work, drops delayed items and waits for the workers to
// drain what is already queued, or for ctx.
func (p *WorkerPool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for t := range p.timers {
		t.Stop()
	}
	dropped := len(p.timers)
	p.timers = map[*time.Timer]struct{}{}
	started := p.started
	close(p.stop)
	p.mu.Unlock()

	if dropped > 0 {
		p.logger.Info("dropped delayed items", "count", dropped)
	}
	if !started {
		return
	}

	done := make(chan struct{})
	go func() { defer close(done); p.wg.Wait() }()

	select {
	case <-ctx.Done():
		p.logger.Warn("shutdown interrupted by context")
	case <-done:
		p.logger.Info("queue drained, shutdown complete")
	}
}

// signal does a non-blocking send on a 1-buffered channel.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
