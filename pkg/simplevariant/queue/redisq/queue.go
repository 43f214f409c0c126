// Package redisq implements simplevariant.Queue on Redis Streams. One
// Queue instance owns one stream and its consumer group.
//
// Layout per queue name:
//
//	simplevariant:{name}:stream    XADD/XREADGROUP work stream
//	simplevariant:{name}:delayed   ZSET of retry envelopes scored by due time
//	simplevariant:{name}:stalls    HASH message id -> stall count
//	simplevariant:{name}:dedup:{token}  SETNX idempotency guard with TTL
//
// Retries do not reuse the original stream entry: the failed delivery is
// acknowledged and a retry envelope is parked in the delayed ZSET, from
// where a mover goroutine re-adds it to the stream once its backoff
// elapses. Stall detection rides on XAUTOCLAIM: entries pending longer
// than the lock duration are claimed back, counted, and re-dispatched
// until the stall budget is spent.
package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tendant/simple-variant/pkg/simplevariant"
)

const (
	keyPrefix = "simplevariant"

	DefaultGroup         = "workers"
	DefaultMaxLen        = 10000
	DefaultBlockTimeout  = 2 * time.Second
	DefaultMoverInterval = 1 * time.Second
)

// Queue is a Redis Streams implementation of simplevariant.Queue.
type Queue struct {
	client   redis.UniversalClient
	name     string
	group    string
	consumer string

	maxLen        int64
	blockTimeout  time.Duration
	moverInterval time.Duration
	retention     time.Duration
	logger        *slog.Logger

	// sawWork flips true on every delivery so the reader can fire the
	// drained hook exactly once per busy period.
	sawWork atomic.Bool
}

// Option configures the queue.
type Option func(*Queue)

// WithGroup overrides the consumer group name.
func WithGroup(group string) Option {
	return func(q *Queue) { q.group = group }
}

// WithConsumer overrides the generated consumer name. Each worker process
// needs a distinct one.
func WithConsumer(consumer string) Option {
	return func(q *Queue) { q.consumer = consumer }
}

// WithMaxLen caps the stream length (approximate trimming).
func WithMaxLen(n int64) Option {
	return func(q *Queue) { q.maxLen = n }
}

// WithBlockTimeout sets how long a read blocks before re-checking for
// cancellation.
func WithBlockTimeout(d time.Duration) Option {
	return func(q *Queue) { q.blockTimeout = d }
}

// WithMoverInterval sets how often due retries move from the delayed set
// back to the stream.
func WithMoverInterval(d time.Duration) Option {
	return func(q *Queue) { q.moverInterval = d }
}

// WithRetention sets how long idempotency tokens of enqueued jobs are
// remembered.
func WithRetention(d time.Duration) Option {
	return func(q *Queue) { q.retention = d }
}

// WithLogger sets the queue logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// New creates a queue bound to the given name. The client is owned by the
// caller.
func New(client redis.UniversalClient, name string, options ...Option) *Queue {
	host, _ := os.Hostname()
	q := &Queue{
		client:        client,
		name:          name,
		group:         DefaultGroup,
		consumer:      fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		maxLen:        DefaultMaxLen,
		blockTimeout:  DefaultBlockTimeout,
		moverInterval: DefaultMoverInterval,
		retention:     simplevariant.DefaultRetention,
		logger:        slog.Default(),
	}
	for _, option := range options {
		option(q)
	}
	return q
}

func (q *Queue) streamKey() string { return keyPrefix + ":" + q.name + ":stream" }
func (q *Queue) delayedKey() string { return keyPrefix + ":" + q.name + ":delayed" }
func (q *Queue) stallsKey() string { return keyPrefix + ":" + q.name + ":stalls" }
func (q *Queue) dedupKey(token string) string {
	return keyPrefix + ":" + q.name + ":dedup:" + token
}

// envelope is the wire form of one job, carried in stream entry values and
// in delayed-retry ZSET members.
type envelope struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Payload          json.RawMessage `json:"payload"`
	Attempt          int             `json:"attempt"` // completed deliveries
	MaxAttempts      int             `json:"maxAttempts"`
	BackoffMs        int64           `json:"backoffMs"`
	RemoveOnComplete bool            `json:"removeOnComplete"`
	EnqueuedAtMs     int64           `json:"enqueuedAt"`
}

func (e envelope) values() map[string]any {
	return map[string]any{
		"id":                 e.ID,
		"name":               e.Name,
		"payload":            string(e.Payload),
		"attempt":            e.Attempt,
		"max_attempts":       e.MaxAttempts,
		"backoff_ms":         e.BackoffMs,
		"remove_on_complete": boolField(e.RemoveOnComplete),
		"enqueued_at":        e.EnqueuedAtMs,
	}
}

func envelopeFromValues(values map[string]any) envelope {
	return envelope{
		ID:               stringField(values["id"]),
		Name:             stringField(values["name"]),
		Payload:          json.RawMessage(stringField(values["payload"])),
		Attempt:          int(intField(values["attempt"])),
		MaxAttempts:      int(intField(values["max_attempts"])),
		BackoffMs:        intField(values["backoff_ms"]),
		RemoveOnComplete: intField(values["remove_on_complete"]) == 1,
		EnqueuedAtMs:     intField(values["enqueued_at"]),
	}
}

func (e envelope) job() *simplevariant.Job {
	return &simplevariant.Job{
		ID:          e.ID,
		Name:        e.Name,
		Payload:     e.Payload,
		Attempt:     e.Attempt + 1,
		MaxAttempts: e.MaxAttempts,
		EnqueuedAt:  time.UnixMilli(e.EnqueuedAtMs),
	}
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

	// The idempotency guard lives from enqueue until the retention window
	// closes, so a completed token keeps rejecting exact duplicates.
	if opts.JobID != "" {
		ok, err := q.client.SetNX(ctx, q.dedupKey(opts.JobID), 1, q.retention).Result()
		if err != nil {
			return "", fmt.Errorf("dedup check: %w", err)
		}
		if !ok {
			return "", simplevariant.ErrDuplicateJob
		}
	}

	env := envelope{
		ID:               id,
		Name:             name,
		Payload:          body,
		Attempt:          0,
		MaxAttempts:      opts.Attempts,
		BackoffMs:        opts.BackoffBase.Milliseconds(),
		RemoveOnComplete: opts.RemoveOnComplete,
		EnqueuedAtMs:     time.Now().UnixMilli(),
	}
	if err := q.add(ctx, env); err != nil {
		if opts.JobID != "" {
			// Free the token so the admission can be retried.
			q.client.Del(context.WithoutCancel(ctx), q.dedupKey(opts.JobID))
		}
		return "", fmt.Errorf("append job: %w", err)
	}
	return id, nil
}

func (q *Queue) add(ctx context.Context, env envelope) error {
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.streamKey(),
		MaxLen: q.maxLen,
		Approx: true,
		Values: env.values(),
	}).Err()
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Consume blocks until ctx is canceled. It runs one reader, one delayed-
// retry mover, one stall scanner, and opts.Concurrency handler goroutines.
func (q *Queue) Consume(ctx context.Context, opts simplevariant.WorkerOptions, handler simplevariant.JobHandler) error {
	opts = simplevariant.NormalizedWorkerOptions(opts)

	if err := q.ensureGroup(ctx); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}

	q.logger.Info("queue consumer starting",
		"stream", q.streamKey(), "group", q.group, "consumer", q.consumer,
		"concurrency", opts.Concurrency)

	deliveries := make(chan redis.XMessage)

	var wg sync.WaitGroup
	for i := 0; i < opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-deliveries:
					q.dispatch(ctx, msg, opts, handler)
				}
			}
		}()
	}

	wg.Add(3)
	go func() { defer wg.Done(); q.readLoop(ctx, opts, deliveries) }()
	go func() { defer wg.Done(); q.moveDelayed(ctx, opts) }()
	go func() { defer wg.Done(); q.scanStalled(ctx, opts, deliveries) }()

	wg.Wait()
	return nil
}

func (q *Queue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.streamKey(), q.group, "0").Err()
	// BUSYGROUP means the group already exists.
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// readLoop pulls new entries and hands them to the handler goroutines. An
// empty read after observed work fires the drained hook.
func (q *Queue) readLoop(ctx context.Context, opts simplevariant.WorkerOptions, deliveries chan<- redis.XMessage) {
	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.streamKey(), ">"},
			Count:    int64(opts.Concurrency),
			Block:    q.blockTimeout,
		}).Result()
		if err == redis.Nil {
			if q.sawWork.Swap(false) && opts.Hooks.OnDrained != nil {
				opts.Hooks.OnDrained(ctx)
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.fireError(ctx, opts, fmt.Errorf("read stream: %w", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.sawWork.Store(true)
				select {
				case <-ctx.Done():
					// Unhanded entries stay pending and are reclaimed by
					// the stall scan of the next consumer.
					return
				case deliveries <- msg:
				}
			}
		}
	}
}

// dispatch runs one delivery through the handler and settles the stream
// entry: ack on success or final failure, delayed retry otherwise.
func (q *Queue) dispatch(ctx context.Context, msg redis.XMessage, opts simplevariant.WorkerOptions, handler simplevariant.JobHandler) {
	env := envelopeFromValues(msg.Values)
	job := env.job()
	hooks := opts.Hooks

	if hooks.OnProgress != nil {
		j := job
		job.ProgressFn = func(ctx context.Context, percent int) {
			hooks.OnProgress(ctx, j, percent)
		}
	}
	if hooks.OnActive != nil {
		hooks.OnActive(ctx, job)
	}

	err := handler(ctx, job)
	if err == nil {
		q.settle(ctx, msg, env)
		if hooks.OnCompleted != nil {
			hooks.OnCompleted(ctx, job)
		}
		return
	}

	q.fireError(ctx, opts, err)

	if simplevariant.IsUnrecoverable(err) || job.Attempt >= env.MaxAttempts {
		q.settle(ctx, msg, env)
		if hooks.OnFailed != nil {
			hooks.OnFailed(ctx, job, err)
		}
		return
	}

	// Park a retry envelope; the original entry is acknowledged so it does
	// not linger in the pending list during the backoff.
	retry := env
	retry.Attempt = job.Attempt
	due := time.Now().Add(simplevariant.RetryBackoff(time.Duration(env.BackoffMs)*time.Millisecond, job.Attempt))
	raw, merr := json.Marshal(retry)
	if merr != nil {
		q.fireError(ctx, opts, fmt.Errorf("marshal retry envelope: %w", merr))
		q.settle(ctx, msg, env)
		if hooks.OnFailed != nil {
			hooks.OnFailed(ctx, job, err)
		}
		return
	}
	if zerr := q.client.ZAdd(context.WithoutCancel(ctx), q.delayedKey(), redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: string(raw),
	}).Err(); zerr != nil {
		// Leave the entry pending; the stall scan will re-dispatch it.
		q.fireError(ctx, opts, fmt.Errorf("park retry: %w", zerr))
		return
	}
	q.settle(ctx, msg, env)
}

// settle acknowledges a stream entry and clears its stall count. Entries
// of remove-on-complete jobs are deleted outright.
func (q *Queue) settle(ctx context.Context, msg redis.XMessage, env envelope) {
	ctx = context.WithoutCancel(ctx)
	pipe := q.client.Pipeline()
	pipe.XAck(ctx, q.streamKey(), q.group, msg.ID)
	if env.RemoveOnComplete {
		pipe.XDel(ctx, q.streamKey(), msg.ID)
	}
	pipe.HDel(ctx, q.stallsKey(), msg.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Warn("could not settle stream entry", "entry", msg.ID, "error", err)
	}
}

// moveDelayed re-adds due retry envelopes to the stream. ZRem decides the
// winner when several processes poll the same set.
func (q *Queue) moveDelayed(ctx context.Context, opts simplevariant.WorkerOptions) {
	ticker := time.NewTicker(q.moverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := strconv.FormatInt(time.Now().UnixMilli(), 10)
		members, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
			Min: "-inf", Max: now, Count: 100,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				q.fireError(ctx, opts, fmt.Errorf("poll delayed set: %w", err))
			}
			continue
		}

		for _, raw := range members {
			removed, err := q.client.ZRem(ctx, q.delayedKey(), raw).Result()
			if err != nil || removed == 0 {
				continue
			}
			var env envelope
			if err := json.Unmarshal([]byte(raw), &env); err != nil {
				q.fireError(ctx, opts, fmt.Errorf("decode retry envelope: %w", err))
				continue
			}
			if err := q.add(ctx, env); err != nil {
				q.fireError(ctx, opts, fmt.Errorf("replay retry: %w", err))
			}
		}
	}
}

// scanStalled claims entries whose lock expired and re-dispatches them,
// failing jobs whose stall budget is spent.
func (q *Queue) scanStalled(ctx context.Context, opts simplevariant.WorkerOptions, deliveries chan<- redis.XMessage) {
	ticker := time.NewTicker(opts.StalledInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		start := "0-0"
		for {
			msgs, next, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   q.streamKey(),
				Group:    q.group,
				Consumer: q.consumer,
				MinIdle:  opts.LockDuration,
				Start:    start,
				Count:    50,
			}).Result()
			if err != nil {
				if ctx.Err() == nil {
					q.fireError(ctx, opts, fmt.Errorf("claim stalled entries: %w", err))
				}
				break
			}
			if len(msgs) == 0 {
				break
			}

			for _, msg := range msgs {
				env := envelopeFromValues(msg.Values)
				if opts.Hooks.OnStalled != nil {
					opts.Hooks.OnStalled(ctx, env.ID)
				}

				stalls, err := q.client.HIncrBy(ctx, q.stallsKey(), msg.ID, 1).Result()
				if err != nil {
					q.fireError(ctx, opts, fmt.Errorf("count stall: %w", err))
					continue
				}
				if stalls > int64(opts.MaxStalledCount) {
					q.settle(ctx, msg, env)
					if opts.Hooks.OnFailed != nil {
						opts.Hooks.OnFailed(ctx, env.job(), simplevariant.ErrJobStalled)
					}
					continue
				}

				select {
				case <-ctx.Done():
					return
				case deliveries <- msg:
				}
			}
			start = next
		}
	}
}

func (q *Queue) fireError(ctx context.Context, opts simplevariant.WorkerOptions, err error) {
	if opts.Hooks.OnError != nil {
		opts.Hooks.OnError(ctx, err)
		return
	}
	q.logger.Error("queue error", "stream", q.streamKey(), "error", err)
}

func boolField(b bool) int {
	if b {
		return 1
	}
	return 0
}

func stringField(v any) string {
	s, _ := v.(string)
	return s
}

func intField(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}
