package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/teemow/handovermail/internal/logging"
)

// ErrQueueFull is returned when a run cannot be queued.
var ErrQueueFull = errors.New("run queue is full")

// Task is one unit of background work.
type Task func(ctx context.Context)

// Pool runs tasks on a fixed number of workers fed by a bounded queue.
// Tasks run on a context detached from any request; there is no mid-run
// cancellation.
type Pool struct {
	queue  chan Task
	group  errgroup.Group
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewPool starts workers goroutines. queueSize bounds the number of runs
// waiting for a worker.
func NewPool(workers, queueSize int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		queue:  make(chan Task, queueSize),
		logger: logging.WithOperation(logger, "runner.pool"),
	}
	ctx := context.Background()
	for i := 0; i < workers; i++ {
		p.group.Go(func() error {
			for task := range p.queue {
				p.run(ctx, task)
			}
			return nil
		})
	}
	return p
}

func (p *Pool) run(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", slog.Any("panic", r))
		}
	}()
	task(ctx)
}

// TrySubmit queues task without blocking. It returns false when the queue is
// full or the pool is shut down.
func (p *Pool) TrySubmit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- task:
		return true
	default:
		return false
	}
}

// Shutdown stops accepting tasks and waits for queued and running tasks to
// finish, or for ctx to end.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- p.group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
