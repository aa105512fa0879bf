// Package queue admits many logical jobs onto a small resource pool: a
// bounded-concurrency scheduler with FIFO admission and observable events.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrQueueClosed = errors.New("queue is closed")

// TaskFunc is the payload of one queued job.
type TaskFunc func(ctx context.Context) (any, error)

// Result settles exactly once per pushed task.
type Result struct {
	Value any
	Err   error
}

type task struct {
	id       string
	ctx      context.Context
	fn       TaskFunc
	done     chan Result
	queuedAt time.Time
}

// BatchStats aggregates one burst of work, reported on the empty event.
type BatchStats struct {
	Completed int
	Failed    int
	Duration  time.Duration
	startedAt time.Time
}

// Listeners receive queue lifecycle events. Nil funcs are skipped. Listeners
// run on the worker goroutine and must not block.
type Listeners struct {
	OnCompleted func(id string, waited, ran time.Duration)
	OnFailed    func(id string, err error)
	OnEmpty     func(stats BatchStats)
}

type Queue struct {
	mu          sync.Mutex
	concurrency int
	running     int
	backlog     []*task
	closed      bool
	batch       BatchStats
	listeners   Listeners
	logger      *slog.Logger
}

func New(concurrency int, logger *slog.Logger) *Queue {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Queue{
		concurrency: concurrency,
		logger:      logger.With("component", "queue"),
	}
}

// SetListeners registers event listeners. Call before the first Push.
func (q *Queue) SetListeners(l Listeners) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = l
}

// Push admits fn in FIFO order and returns a channel that settles with its
// result. The channel is buffered; the caller may read it whenever.
func (q *Queue) Push(ctx context.Context, fn TaskFunc) (<-chan Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	t := &task{
		id:       uuid.New().String(),
		ctx:      ctx,
		fn:       fn,
		done:     make(chan Result, 1),
		queuedAt: time.Now(),
	}

	if q.running == 0 && len(q.backlog) == 0 {
		q.batch = BatchStats{startedAt: time.Now()}
	}

	q.backlog = append(q.backlog, t)
	q.next()
	return t.done, nil
}

// next starts backlog tasks while capacity is free. Caller holds the lock.
func (q *Queue) next() {
	for q.running < q.concurrency && len(q.backlog) > 0 {
		t := q.backlog[0]
		q.backlog = q.backlog[1:]
		q.running++
		go q.run(t)
	}
}

func (q *Queue) run(t *task) {
	startedAt := time.Now()

	var result Result
	if err := t.ctx.Err(); err != nil {
		result = Result{Err: err}
	} else {
		value, err := t.fn(t.ctx)
		result = Result{Value: value, Err: err}
	}

	t.done <- result

	q.mu.Lock()
	q.running--

	if result.Err != nil {
		q.batch.Failed++
		if q.listeners.OnFailed != nil {
			q.listeners.OnFailed(t.id, result.Err)
		}
	} else {
		q.batch.Completed++
		if q.listeners.OnCompleted != nil {
			q.listeners.OnCompleted(t.id, startedAt.Sub(t.queuedAt), time.Since(startedAt))
		}
	}

	q.next()

	if q.running == 0 && len(q.backlog) == 0 {
		stats := q.batch
		stats.Duration = time.Since(stats.startedAt)
		q.batch = BatchStats{}
		if q.listeners.OnEmpty != nil {
			q.listeners.OnEmpty(stats)
		}
	}
	q.mu.Unlock()
}

// SetConcurrency changes the admission limit. Raising it immediately admits
// waiting tasks; lowering it takes effect as running tasks settle.
func (q *Queue) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.concurrency = n
	q.next()
}

// Concurrency returns the current admission limit.
func (q *Queue) Concurrency() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.concurrency
}

// Running returns the number of in-flight tasks.
func (q *Queue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Pending returns the backlog length.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

// Close rejects further pushes. Already-admitted tasks run to completion;
// backlogged tasks are failed with ErrQueueClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true

	for _, t := range q.backlog {
		t.done <- Result{Err: ErrQueueClosed}
	}
	q.backlog = nil
}
