// Package queue is an in-process work queue with bounded concurrency,
// at-least-once delivery and exponential-backoff retries. Consumers must be
// idempotent: a job can run more than once.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// ErrQueueFull is returned by Enqueue when the buffer is saturated.
var ErrQueueFull = errors.New("queue full")

// ErrStopped is returned by Enqueue after Stop.
var ErrStopped = errors.New("queue stopped")

// Handler processes one job payload. A non-nil error schedules a retry
// until the attempt cap is reached.
type Handler func(ctx context.Context, payload string) error

// Options configures a Queue.
type Options struct {
	Concurrency int           // max jobs running at once (default 5)
	MaxAttempts int           // attempts per job before giving up (default 3)
	BackoffBase time.Duration // first retry delay, doubled per attempt (default 2s)
	Capacity    int           // buffered jobs (default 256)
}

type job struct {
	id      string
	payload string
}

// Queue dispatches jobs to a single handler.
type Queue struct {
	handler Handler
	opts    Options
	jobs    chan job
	sem     *semaphore.Weighted

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// New creates a queue for the given handler. Call Start before Enqueue.
func New(handler Handler, opts Options) *Queue {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 256
	}
	return &Queue{
		handler: handler,
		opts:    opts,
		jobs:    make(chan job, opts.Capacity),
		sem:     semaphore.NewWeighted(int64(opts.Concurrency)),
	}
}

// Start launches the dispatcher. It returns immediately; jobs run until ctx
// is cancelled or Stop is called.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case j, ok := <-q.jobs:
				if !ok {
					return
				}
				if err := q.sem.Acquire(ctx, 1); err != nil {
					return
				}
				q.wg.Add(1)
				go func(j job) {
					defer q.wg.Done()
					defer q.sem.Release(1)
					q.run(ctx, j)
				}(j)
			}
		}
	}()
}

// Enqueue adds a job. Duplicate or re-enqueued job ids are safe because the
// handler is required to be idempotent.
func (q *Queue) Enqueue(jobID, payload string) error {
	// The mutex covers the send as well as the stopped check, so Stop
	// cannot close the channel between them. The send never blocks.
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrStopped
	}

	select {
	case q.jobs <- job{id: jobID, payload: payload}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop rejects further jobs and waits for in-flight work to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()
}

func (q *Queue) run(ctx context.Context, j job) {
	var lastErr error
	for attempt := 1; attempt <= q.opts.MaxAttempts; attempt++ {
		lastErr = q.handler(ctx, j.payload)
		if lastErr == nil {
			log.WithFields(log.Fields{"job_id": j.id, "attempt": attempt}).Info("job completed")
			return
		}
		log.WithFields(log.Fields{"job_id": j.id, "attempt": attempt, "error": lastErr.Error()}).
			Warn("job failed")

		if attempt == q.opts.MaxAttempts {
			break
		}
		delay := q.opts.BackoffBase << (attempt - 1)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
	// Operational alert, not a crash: the job exhausted its retry budget.
	log.WithFields(log.Fields{"job_id": j.id, "attempts": q.opts.MaxAttempts, "error": lastErr.Error()}).
		Error("job exhausted retries")
}
