package auth

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Task is a unit of asynchronous authorization work.
type Task func()

// WorkerPool bounds the number of concurrent outbound authorization
// requests in flight, so a burst of subscribes to many private/presence
// channels at once can't open an unbounded number of goroutines against
// the authorization endpoint.
type WorkerPool struct {
	workerCount int
	taskQueue   chan Task
	wg          sync.WaitGroup
	dropped     int64
	logger      zerolog.Logger
}

// NewWorkerPool constructs a pool with workerCount goroutines and a
// queue sized queueSize; Submit drops a task rather than block once the
// queue is full, trading a failed authorization for load-shedding.
func NewWorkerPool(workerCount, queueSize int, logger zerolog.Logger) *WorkerPool {
	if workerCount <= 0 {
		workerCount = 1
	}
	return &WorkerPool{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		logger:      logger,
	}
}

// Start launches the worker goroutines. ctx cancellation stops them after
// their current task finishes.
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

func (p *WorkerPool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.taskQueue:
			if task != nil {
				p.runWithRecover(task)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *WorkerPool) runWithRecover(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("authorization task panicked")
		}
	}()
	task()
}

// Submit enqueues task for asynchronous execution, dropping it if the
// queue is full.
func (p *WorkerPool) Submit(task Task) {
	select {
	case p.taskQueue <- task:
	default:
		atomic.AddInt64(&p.dropped, 1)
		p.logger.Warn().Msg("authorization task queue full, dropping task")
	}
}

// Dropped returns the number of tasks dropped due to a full queue.
func (p *WorkerPool) Dropped() int64 {
	return atomic.LoadInt64(&p.dropped)
}

// Wait blocks until all worker goroutines have exited (after ctx cancel).
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}
