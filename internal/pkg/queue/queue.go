// Package queue is a bounded in-memory job queue drained by a fixed worker pool.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrClosed = errors.New("queue is closed")
	ErrNilJob = errors.New("job is nil")
)

// Job is one unit of work. The context is the one passed to Start.
type Job func(ctx context.Context) error

// ErrorHandler is called after a job returns an error.
type ErrorHandler func(err error, job Job)

// Queue runs jobs on a fixed number of workers.
type Queue struct {
	logger       *slog.Logger
	workers      int
	jobs         chan Job
	errorHandler ErrorHandler

	wg     sync.WaitGroup
	closed atomic.Bool
	done   chan struct{} // closed first on shutdown, releases blocked senders
	sendMu sync.RWMutex  // senders hold it for reading; closing jobs takes it for writing

	stats queueStats
}

type queueStats struct {
	enqueued  atomic.Int64
	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	panics    atomic.Int64
}

// Stats is a point-in-time copy of the queue counters.
type Stats struct {
	Enqueued  int64
	Processed int64
	Succeeded int64
	Failed    int64
	Dropped   int64 // rejected by Enqueue because the buffer was full
	Panics    int64
}

// NewQueue creates a queue.
//
// Parameters:
//
//	logger: structured logger
//	workers: number of workers, at least 1
//	capacity: buffered jobs, at least 1
//
// Returns:
//
//	*Queue: a queue that does nothing until Start is called
func NewQueue(logger *slog.Logger, workers int, capacity int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		logger:  logger,
		workers: workers,
		jobs:    make(chan Job, capacity),
		done:    make(chan struct{}),
	}
}

func (q *Queue) SetErrorHandler(handler ErrorHandler) {
	q.errorHandler = handler
}

// Start launches the workers. They exit when ctx is done or, after Shutdown,
// once the buffer is drained.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			q.logger.Debug("worker stopped", slog.Int("worker_id", id))
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			q.run(ctx, job, id)
		}
	}
}

func (q *Queue) run(ctx context.Context, job Job, workerID int) {
	defer func() {
		if r := recover(); r != nil {
			q.stats.panics.Add(1)
			q.logger.Error("job panic recovered",
				slog.Int("worker_id", workerID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	err := job(ctx)
	q.stats.processed.Add(1)
	if err == nil {
		q.stats.succeeded.Add(1)
		return
	}

	q.stats.failed.Add(1)
	q.logger.Warn("job failed",
		slog.Int("worker_id", workerID),
		slog.String("error", err.Error()))
	if q.errorHandler != nil {
		q.errorHandler(err, job)
	}
}

// Enqueue adds a job without blocking. It returns false when the queue is
// closed or full.
func (q *Queue) Enqueue(job Job) bool {
	if job == nil {
		return false
	}
	q.sendMu.RLock()
	defer q.sendMu.RUnlock()
	if q.closed.Load() {
		return false
	}

	select {
	case q.jobs <- job:
		q.stats.enqueued.Add(1)
		return true
	default:
		q.stats.dropped.Add(1)
		q.logger.Warn("queue full, drop job",
			slog.Int("capacity", cap(q.jobs)),
			slog.Int("pending", len(q.jobs)))
		return false
	}
}

// EnqueueBlocking waits for buffer space or ctx.
func (q *Queue) EnqueueBlocking(ctx context.Context, job Job) error {
	if job == nil {
		return ErrNilJob
	}
	q.sendMu.RLock()
	defer q.sendMu.RUnlock()
	if q.closed.Load() {
		return ErrClosed
	}

	select {
	case q.jobs <- job:
		q.stats.enqueued.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrClosed
	}
}

// close stops intake. Blocked senders are released through done before the
// jobs channel is closed, so no send can hit a closed channel.
func (q *Queue) close() bool {
	if !q.closed.CompareAndSwap(false, true) {
		return false
	}
	close(q.done)
	q.sendMu.Lock()
	close(q.jobs)
	q.sendMu.Unlock()
	return true
}

// Shutdown stops accepting jobs and waits for the workers to drain the buffer.
func (q *Queue) Shutdown() {
	if q.close() {
		q.wg.Wait()
	}
}

// ShutdownWithTimeout is Shutdown with an upper bound on the wait.
func (q *Queue) ShutdownWithTimeout(timeout time.Duration) error {
	if !q.close() {
		return ErrClosed
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		q.logger.Error("queue shutdown timeout", slog.String("timeout", timeout.String()))
		return fmt.Errorf("shutdown timeout after %s", timeout)
	}
}

func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:  q.stats.enqueued.Load(),
		Processed: q.stats.processed.Load(),
		Succeeded: q.stats.succeeded.Load(),
		Failed:    q.stats.failed.Load(),
		Dropped:   q.stats.dropped.Load(),
		Panics:    q.stats.panics.Load(),
	}
}

func (q *Queue) Len() int       { return len(q.jobs) }
func (q *Queue) Cap() int       { return cap(q.jobs) }
func (q *Queue) IsClosed() bool { return q.closed.Load() }

func (q *Queue) String() string {
	s := q.Stats()
	return fmt.Sprintf("Queue[workers=%d capacity=%d pending=%d closed=%v enqueued=%d processed=%d failed=%d dropped=%d panics=%d]",
		q.workers, q.Cap(), q.Len(), q.IsClosed(),
		s.Enqueued, s.Processed, s.Failed, s.Dropped, s.Panics)
}
