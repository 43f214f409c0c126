package simplevariant

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Queue defines the job-broker seam: a durable, at-least-once work queue
// with visibility locks, exponential-backoff retries, stall detection, and
// delete-on-success. Implementations live under queue/.
type Queue interface {
	// Enqueue marshals payload as JSON and appends a job. When opts.JobID
	// is set it acts as an idempotency token: the broker rejects an exact
	// duplicate with ErrDuplicateJob while a completed job with the same
	// token is still inside the retention window.
	Enqueue(ctx context.Context, name string, payload any, opts EnqueueOptions) (string, error)

	// Consume blocks, dispatching jobs to handler from opts.Concurrency
	// goroutines until ctx is canceled. In-flight jobs finish (or time out)
	// before Consume returns.
	Consume(ctx context.Context, opts WorkerOptions, handler JobHandler) error

	// Ping verifies connectivity to the broker.
	Ping(ctx context.Context) error
}

// JobHandler processes one delivered job. Returning nil acknowledges the
// job; returning an error schedules a retry until the job's attempts are
// exhausted, unless the error is marked Unrecoverable.
type JobHandler func(ctx context.Context, job *Job) error

// Job is one delivered unit of work.
type Job struct {
	ID          string
	Name        string
	Payload     json.RawMessage
	Attempt     int // 1-based number of this delivery
	MaxAttempts int
	EnqueuedAt  time.Time

	// ProgressFn is installed by the queue adapter; handlers report through
	// ReportProgress.
	ProgressFn func(ctx context.Context, percent int)
}

// UnmarshalPayload decodes the job payload into v.
func (j *Job) UnmarshalPayload(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// ReportProgress publishes job progress as a percentage. It is best effort
// and safe to call on a job without a progress sink.
func (j *Job) ReportProgress(ctx context.Context, percent int) {
	if j.ProgressFn != nil {
		j.ProgressFn(ctx, percent)
	}
}

// Queue defaults. Attempts bound the retries inside one cycle; the worker's
// requeue policy bounds how many cycles a rendition may trigger.
const (
	DefaultAttempts        = 3
	DefaultBackoffBase     = 2 * time.Second
	DefaultConcurrency     = 2
	DefaultLockDuration    = 5 * time.Minute
	DefaultStalledInterval = 1 * time.Minute
	DefaultMaxStalledCount = 2
	DefaultRetention       = 24 * time.Hour
)

// ResizeBackoffBase is the per-enqueue backoff base used for resize jobs,
// wider than the queue default to give transient store failures room to
// clear.
const ResizeBackoffBase = 5 * time.Second

// EnqueueOptions configures one enqueued job. Zero values fall back to the
// queue defaults above.
type EnqueueOptions struct {
	// JobID is the idempotency token. Empty means no deduplication.
	JobID string

	// Attempts is the maximum number of deliveries inside this cycle.
	Attempts int

	// BackoffBase is the base delay of the exponential retry backoff
	// (base << attempt).
	BackoffBase time.Duration

	// RemoveOnComplete drops the job from the broker once acknowledged.
	RemoveOnComplete bool
}

func (o EnqueueOptions) withDefaults() EnqueueOptions {
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	return o
}

// NormalizedEnqueueOptions returns opts with defaults applied. Queue
// implementations call this before persisting a job.
func NormalizedEnqueueOptions(o EnqueueOptions) EnqueueOptions { return o.withDefaults() }

// WorkerOptions configures a Consume loop.
type WorkerOptions struct {
	// Concurrency is the number of handler goroutines.
	Concurrency int

	// LockDuration is how long a delivered job may be held without
	// acknowledgment before it is considered stalled and re-dispatched.
	// It must cover the job's wall-clock budget.
	LockDuration time.Duration

	// StalledInterval is how often the stall scan runs.
	StalledInterval time.Duration

	// MaxStalledCount is how many times a job may stall before it is sent
	// to the final-failure hook instead of being re-dispatched.
	MaxStalledCount int

	Hooks Hooks
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.LockDuration <= 0 {
		o.LockDuration = DefaultLockDuration
	}
	if o.StalledInterval <= 0 {
		o.StalledInterval = DefaultStalledInterval
	}
	if o.MaxStalledCount <= 0 {
		o.MaxStalledCount = DefaultMaxStalledCount
	}
	return o
}

// NormalizedWorkerOptions returns opts with defaults applied.
func NormalizedWorkerOptions(o WorkerOptions) WorkerOptions { return o.withDefaults() }

// Hooks are optional callbacks fired by the queue while consuming. Any
// field may be nil. OnFailed fires only on final failure: attempts
// exhausted, an Unrecoverable error, or the stall budget spent. Per-attempt
// errors surface through OnError.
type Hooks struct {
	OnActive    func(ctx context.Context, job *Job)
	OnCompleted func(ctx context.Context, job *Job)
	OnFailed    func(ctx context.Context, job *Job, err error)
	OnStalled   func(ctx context.Context, jobID string)
	OnError     func(ctx context.Context, err error)
	OnProgress  func(ctx context.Context, job *Job, percent int)
	OnDrained   func(ctx context.Context)
}

// ErrDuplicateJob is returned by Enqueue when the idempotency token was
// already used within the broker's retention window.
var ErrDuplicateJob = errors.New("duplicate job id")

// ErrJobStalled is the final-failure error for jobs whose lock expired more
// than MaxStalledCount times without progress.
var ErrJobStalled = errors.New("job stalled more than allowable limit")

// unrecoverableError marks an error that retries cannot fix; queues skip the
// remaining attempts and fail the job immediately.
type unrecoverableError struct{ err error }

func (e *unrecoverableError) Error() string { return e.err.Error() }
func (e *unrecoverableError) Unwrap() error { return e.err }

// Unrecoverable wraps err so that the queue fails the job without retrying.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &unrecoverableError{err: err}
}

// IsUnrecoverable reports whether err was marked Unrecoverable.
func IsUnrecoverable(err error) bool {
	var u *unrecoverableError
	return errors.As(err, &u)
}

// RetryBackoff computes the exponential delay before re-delivering a job
// that has already been attempted `attempt` times (1-based).
func RetryBackoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}
