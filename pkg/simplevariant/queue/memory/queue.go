// Package memory provides an in-process simplevariant.Queue. Jobs live in
// a mutex-guarded backlog, retries re-run in the delivering goroutine, and
// deduplication tokens are kept in a plain map. It backs tests and the
// zero-dependency local setup; stall detection is not implemented because
// an in-process handler cannot outlive its queue.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-variant/pkg/simplevariant"
)

// Queue is an in-memory implementation of simplevariant.Queue.
type Queue struct {
	mu      sync.Mutex
	backlog []*task
	seen    map[string]time.Time // token -> dedup expiry
	pending int                  // enqueued but not finally settled

	signal     chan struct{}
	retention  time.Duration
	retryDelay func(base time.Duration, attempt int) time.Duration
}

type task struct {
	job  simplevariant.Job
	opts simplevariant.EnqueueOptions
}

// Option configures the in-memory queue.
type Option func(*Queue)

// WithRetention overrides how long idempotency tokens are remembered.
func WithRetention(d time.Duration) Option {
	return func(q *Queue) { q.retention = d }
}

// WithRetryDelay overrides the retry backoff schedule. Tests use it to
// collapse waits to zero.
func WithRetryDelay(fn func(base time.Duration, attempt int) time.Duration) Option {
	return func(q *Queue) { q.retryDelay = fn }
}

// New creates a new in-memory queue.
func New(options ...Option) *Queue {
	q := &Queue{
		seen:       make(map[string]time.Time),
		signal:     make(chan struct{}, 1),
		retention:  simplevariant.DefaultRetention,
		retryDelay: simplevariant.RetryBackoff,
	}
	for _, option := range options {
		option(q)
	}
	return q
}

func (q *Queue) Enqueue(ctx context.Context, name string, payload any, opts simplevariant.EnqueueOptions) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal job payload: %w", err)
	}
	opts = simplevariant.NormalizedEnqueueOptions(opts)

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	if opts.JobID != "" {
		if expiry, ok := q.seen[opts.JobID]; ok && now.Before(expiry) {
			return "", simplevariant.ErrDuplicateJob
		}
		q.seen[opts.JobID] = now.Add(q.retention)
	}

	q.backlog = append(q.backlog, &task{
		job: simplevariant.Job{
			ID:          id,
			Name:        name,
			Payload:     body,
			MaxAttempts: opts.Attempts,
			EnqueuedAt:  now,
		},
		opts: opts,
	})
	q.pending++

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return id, nil
}

func (q *Queue) Consume(ctx context.Context, opts simplevariant.WorkerOptions, handler simplevariant.JobHandler) error {
	opts = simplevariant.NormalizedWorkerOptions(opts)

	var wg sync.WaitGroup
	for i := 0; i < opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				t := q.pop()
				if t == nil {
					select {
					case <-ctx.Done():
						return
					case <-q.signal:
						continue
					}
				}
				q.deliver(ctx, t, opts, handler)
			}
		}()
	}
	wg.Wait()
	return nil
}

// ProcessAll delivers backlogged jobs synchronously in the calling
// goroutine until the backlog is empty, including jobs enqueued by hooks
// while processing. Tests use it for deterministic consumption.
func (q *Queue) ProcessAll(ctx context.Context, opts simplevariant.WorkerOptions, handler simplevariant.JobHandler) {
	opts = simplevariant.NormalizedWorkerOptions(opts)
	for {
		t := q.pop()
		if t == nil {
			return
		}
		q.deliver(ctx, t, opts, handler)
	}
}

// Ping always succeeds.
func (q *Queue) Ping(ctx context.Context) error { return nil }

// Len reports the number of backlogged jobs not yet delivered.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

// Snapshot returns copies of the backlogged jobs, for tests.
func (q *Queue) Snapshot() []simplevariant.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := make([]simplevariant.Job, 0, len(q.backlog))
	for _, t := range q.backlog {
		jobs = append(jobs, t.job)
	}
	return jobs
}

func (q *Queue) pop() *task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.backlog) == 0 {
		return nil
	}
	t := q.backlog[0]
	q.backlog = q.backlog[1:]
	return t
}

// deliver runs one job through its retry cycle. Unlike a broker-backed
// queue, retries stay in this goroutine instead of returning to the
// backlog.
func (q *Queue) deliver(ctx context.Context, t *task, opts simplevariant.WorkerOptions, handler simplevariant.JobHandler) {
	hooks := opts.Hooks
	for attempt := 1; ; attempt++ {
		job := t.job
		job.Attempt = attempt
		if hooks.OnProgress != nil {
			j := job
			job.ProgressFn = func(ctx context.Context, percent int) {
				hooks.OnProgress(ctx, &j, percent)
			}
		}

		if hooks.OnActive != nil {
			hooks.OnActive(ctx, &job)
		}

		err := handler(ctx, &job)
		if err == nil {
			if hooks.OnCompleted != nil {
				hooks.OnCompleted(ctx, &job)
			}
			q.finish(ctx, hooks)
			return
		}

		if hooks.OnError != nil {
			hooks.OnError(ctx, err)
		}
		if simplevariant.IsUnrecoverable(err) || attempt >= job.MaxAttempts {
			if hooks.OnFailed != nil {
				hooks.OnFailed(ctx, &job, err)
			}
			q.finish(ctx, hooks)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(q.retryDelay(t.opts.BackoffBase, attempt)):
		}
	}
}

// finish settles one job and fires OnDrained when it was the last pending
// one.
func (q *Queue) finish(ctx context.Context, hooks simplevariant.Hooks) {
	q.mu.Lock()
	q.pending--
	drained := q.pending == 0
	q.mu.Unlock()

	if drained && hooks.OnDrained != nil {
		hooks.OnDrained(ctx)
	}
}
