// Package worker consumes resize jobs and drives variant records from
// queued to ready, or to failed after the queue's attempts are exhausted.
// Multiple worker processes and multiple in-process consumers are safe to
// run together; correctness rests on the repository's conditional updates
// and the queue's delivery locks, not on shared state.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/tendant/simple-variant/pkg/simplevariant"
	"github.com/tendant/simple-variant/pkg/simplevariant/render"
)

// DefaultMaxRequeues bounds how many full retry cycles a single rendition
// may trigger after its first cycle fails.
const DefaultMaxRequeues = 2

// Renderer produces rendition bytes from original bytes.
type Renderer interface {
	Render(src []byte, width, height int, format simplevariant.Format) ([]byte, error)
}

// Timeouts are the wall-clock budgets of the pipeline steps. Breaching a
// budget fails the step; the sum must stay below the queue's lock duration
// or in-flight jobs would be re-dispatched as stalled.
type Timeouts struct {
	Connect  time.Duration
	Load     time.Duration
	Mark     time.Duration
	Download time.Duration
	Render   time.Duration
	Upload   time.Duration
	Annotate time.Duration
}

// DefaultTimeouts returns the standard step budgets.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:  10 * time.Second,
		Load:     15 * time.Second,
		Mark:     15 * time.Second,
		Download: 120 * time.Second,
		Render:   60 * time.Second,
		Upload:   120 * time.Second,
		Annotate: 10 * time.Second,
	}
}

// Worker consumes resize jobs from the queue.
type Worker struct {
	repo        simplevariant.Repository
	blobs       simplevariant.BlobStore
	queue       simplevariant.Queue
	renderer    Renderer
	logger      *slog.Logger
	concurrency int
	maxRequeues int
	timeouts    Timeouts
}

// Option configures a Worker.
type Option func(*Worker)

// WithRepository sets the variant record repository.
func WithRepository(repo simplevariant.Repository) Option {
	return func(w *Worker) { w.repo = repo }
}

// WithBlobStore sets the object store.
func WithBlobStore(store simplevariant.BlobStore) Option {
	return func(w *Worker) { w.blobs = store }
}

// WithQueue sets the job queue.
func WithQueue(q simplevariant.Queue) Option {
	return func(w *Worker) { w.queue = q }
}

// WithRenderer overrides the default renderer.
func WithRenderer(r Renderer) Option {
	return func(w *Worker) { w.renderer = r }
}

// WithLogger sets the worker logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithConcurrency sets the number of concurrent renderings per process.
func WithConcurrency(n int) Option {
	return func(w *Worker) { w.concurrency = n }
}

// WithMaxRequeues overrides the requeue bound.
func WithMaxRequeues(n int) Option {
	return func(w *Worker) { w.maxRequeues = n }
}

// WithTimeouts overrides the step budgets.
func WithTimeouts(t Timeouts) Option {
	return func(w *Worker) { w.timeouts = t }
}

// New creates a Worker from the given options. A repository, blob store,
// and queue are required.
func New(options ...Option) (*Worker, error) {
	w := &Worker{
		concurrency: simplevariant.DefaultConcurrency,
		maxRequeues: DefaultMaxRequeues,
		timeouts:    DefaultTimeouts(),
	}
	for _, option := range options {
		option(w)
	}
	if w.repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if w.blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if w.queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if w.renderer == nil {
		w.renderer = render.New()
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	return w, nil
}

// Run consumes jobs until ctx is canceled. In-flight jobs finish or hit
// their step timeouts before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("resize worker starting",
		"concurrency", w.concurrency, "max_requeues", w.maxRequeues)
	return w.queue.Consume(ctx, w.ConsumeOptions(), w.Handle)
}

// ConsumeOptions returns the queue consumption settings the worker runs
// with, including its lifecycle hooks.
func (w *Worker) ConsumeOptions() simplevariant.WorkerOptions {
	return simplevariant.WorkerOptions{
		Concurrency:     w.concurrency,
		LockDuration:    simplevariant.DefaultLockDuration,
		StalledInterval: simplevariant.DefaultStalledInterval,
		MaxStalledCount: simplevariant.DefaultMaxStalledCount,
		Hooks: simplevariant.Hooks{
			OnActive: func(ctx context.Context, job *simplevariant.Job) {
				w.logger.Info("job active", "job_id", job.ID, "attempt", job.Attempt)
			},
			OnCompleted: func(ctx context.Context, job *simplevariant.Job) {
				w.logger.Info("job completed", "job_id", job.ID)
			},
			OnFailed: w.requeueOnFinalFailure,
			OnStalled: func(ctx context.Context, jobID string) {
				w.logger.Warn("job stalled", "job_id", jobID)
			},
			OnError: func(ctx context.Context, err error) {
				w.logger.Error("queue error", "error", err)
			},
			OnProgress: func(ctx context.Context, job *simplevariant.Job, percent int) {
				w.logger.Debug("job progress", "job_id", job.ID, "percent", percent)
			},
			OnDrained: func(ctx context.Context) {
				w.logger.Debug("queue drained")
			},
		},
	}
}

// Pipeline step names, also used in timing summaries.
const (
	stepConnect        = "connect"
	stepLoadRecord     = "load_record"
	stepMarkProcessing = "mark_processing"
	stepDownload       = "download"
	stepRender         = "render"
	stepUpload         = "upload"
	stepMarkReady      = "mark_ready"
)

// Handle processes one resize job. It is the simplevariant.JobHandler the
// worker registers with the queue.
func (w *Worker) Handle(ctx context.Context, job *simplevariant.Job) error {
	var payload simplevariant.ResizePayload
	if err := job.UnmarshalPayload(&payload); err != nil {
		return simplevariant.Unrecoverable(fmt.Errorf("decode resize payload: %w", err))
	}
	recordID, err := uuid.Parse(payload.RecordID)
	if err != nil {
		return simplevariant.Unrecoverable(fmt.Errorf("parse record id %q: %w", payload.RecordID, err))
	}

	started := time.Now()
	timings := newStepTimings()

	if err := w.process(ctx, job, payload, recordID, timings); err != nil {
		w.annotateFailure(recordID, err)
		w.logger.Error("resize failed",
			"job_id", job.ID, "attempt", job.Attempt, "variant", payload.VariantKey, "error", err)
		if errors.Is(err, simplevariant.ErrRecordMissing) {
			// Retries cannot succeed without a record.
			return simplevariant.Unrecoverable(err)
		}
		return err
	}

	attrs := append([]any{
		"job_id", job.ID,
		"variant", payload.VariantKey,
		"duration", time.Since(started).Round(time.Millisecond),
	}, timings.attrs()...)
	w.logger.Info("resize completed", attrs...)
	return nil
}

// process runs the pipeline. Progress percentages follow each completed
// step.
func (w *Worker) process(ctx context.Context, job *simplevariant.Job, payload simplevariant.ResizePayload, recordID uuid.UUID, timings *stepTimings) error {
	if err := w.step(ctx, timings, stepConnect, w.timeouts.Connect, func(ctx context.Context) error {
		return w.repo.Ping(ctx)
	}); err != nil {
		return err
	}
	job.ReportProgress(ctx, 5)

	if err := w.step(ctx, timings, stepLoadRecord, w.timeouts.Load, func(ctx context.Context) error {
		if _, err := w.repo.FindByID(ctx, recordID); err != nil {
			if errors.Is(err, simplevariant.ErrNotFound) {
				return simplevariant.ErrRecordMissing
			}
			return err
		}
		return nil
	}); err != nil {
		return err
	}
	job.ReportProgress(ctx, 10)

	if err := w.step(ctx, timings, stepMarkProcessing, w.timeouts.Mark, func(ctx context.Context) error {
		processing := simplevariant.StatusProcessing
		if _, err := w.repo.UpdateByID(ctx, recordID, simplevariant.Patch{Status: &processing}); err != nil {
			if errors.Is(err, simplevariant.ErrNotFound) {
				return simplevariant.ErrRecordMissing
			}
			return err
		}
		return nil
	}); err != nil {
		return err
	}
	job.ReportProgress(ctx, 20)

	var original []byte
	if err := w.step(ctx, timings, stepDownload, w.timeouts.Download, func(ctx context.Context) error {
		data, err := w.blobs.Download(ctx, payload.OriginalKey)
		if err != nil {
			return fmt.Errorf("%w: %v", simplevariant.ErrSourceUnavailable, err)
		}
		if len(data) == 0 {
			return fmt.Errorf("%w: empty body for %s", simplevariant.ErrSourceUnavailable, payload.OriginalKey)
		}
		original = data
		return nil
	}); err != nil {
		return err
	}
	job.ReportProgress(ctx, 50)

	var rendered []byte
	if err := w.step(ctx, timings, stepRender, w.timeouts.Render, func(ctx context.Context) error {
		data, err := w.renderRaced(ctx, original, payload)
		if err != nil {
			return err
		}
		rendered = data
		return nil
	}); err != nil {
		return err
	}
	job.ReportProgress(ctx, 75)

	if err := w.step(ctx, timings, stepUpload, w.timeouts.Upload, func(ctx context.Context) error {
		opts := simplevariant.UploadOptions{
			ContentType:  mimetype.Detect(rendered).String(),
			CacheControl: simplevariant.CacheControlImmutable,
		}
		if err := w.blobs.Upload(ctx, payload.VariantKey, rendered, opts); err != nil {
			return fmt.Errorf("%w: %v", simplevariant.ErrUploadFailed, err)
		}
		return nil
	}); err != nil {
		return err
	}
	job.ReportProgress(ctx, 90)

	if err := w.step(ctx, timings, stepMarkReady, w.timeouts.Mark, func(ctx context.Context) error {
		ready := simplevariant.StatusReady
		size := int64(len(rendered))
		completed := time.Now().UTC()
		patch := simplevariant.Patch{
			Status:       &ready,
			FileSize:     &size,
			CompletedAt:  &completed,
			ClearFailure: true,
		}
		if _, err := w.repo.UpdateByID(ctx, recordID, patch); err != nil {
			if errors.Is(err, simplevariant.ErrNotFound) {
				return simplevariant.ErrRecordMissing
			}
			return err
		}
		return nil
	}); err != nil {
		return err
	}
	job.ReportProgress(ctx, 100)

	return nil
}

// step runs fn under a wall-clock budget and records its duration. A
// breached budget surfaces as ErrStepTimeout unless the parent context was
// already canceled (shutdown is not a timeout).
func (w *Worker) step(ctx context.Context, timings *stepTimings, name string, budget time.Duration, fn func(context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	start := time.Now()
	err := fn(stepCtx)
	timings.record(name, time.Since(start))

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return &simplevariant.StepError{Step: name, Err: simplevariant.ErrStepTimeout}
		}
		return &simplevariant.StepError{Step: name, Err: err}
	}
	return nil
}

// renderRaced runs the CPU-bound render in its own goroutine and races it
// against the step deadline. On expiry the result is abandoned; the
// goroutine finishes into a buffered channel and is collected.
func (w *Worker) renderRaced(ctx context.Context, src []byte, payload simplevariant.ResizePayload) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := w.renderer.Render(src, payload.Width, payload.Height, payload.Format)
		done <- result{data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		return res.data, res.err
	}
}

// annotateFailure best-effort marks the record failed with the cause. It
// runs on a fresh context so an expired job context cannot suppress the
// annotation.
func (w *Worker) annotateFailure(recordID uuid.UUID, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeouts.Annotate)
	defer cancel()

	failed := simplevariant.StatusFailed
	reason := cause.Error()
	now := time.Now().UTC()
	patch := simplevariant.Patch{Status: &failed, FailedReason: &reason, FailedAt: &now}
	if _, err := w.repo.UpdateByID(ctx, recordID, patch); err != nil {
		w.logger.Debug("failure annotation skipped", "record_id", recordID.String(), "error", err)
	}
}

// requeueOnFinalFailure is the queue's final-failure hook. The queue's
// attempt counter resets on requeue, so RequeueCount is what bounds the
// total number of cycles.
func (w *Worker) requeueOnFinalFailure(ctx context.Context, job *simplevariant.Job, cause error) {
	var payload simplevariant.ResizePayload
	if err := job.UnmarshalPayload(&payload); err != nil {
		w.logger.Error("final failure with undecodable payload", "job_id", job.ID, "error", err)
		return
	}
	recordID, err := uuid.Parse(payload.RecordID)
	if err != nil {
		w.logger.Error("final failure with bad record id", "job_id", job.ID, "record_id", payload.RecordID)
		return
	}

	rec, err := w.repo.FindByID(ctx, recordID)
	if err != nil {
		if errors.Is(err, simplevariant.ErrNotFound) {
			w.logger.Warn("final failure for vanished record", "job_id", job.ID, "record_id", payload.RecordID)
		} else {
			w.logger.Error("could not load record for requeue", "record_id", payload.RecordID, "error", err)
		}
		return
	}

	if rec.RequeueCount >= w.maxRequeues {
		w.logger.Error("rendition failed permanently",
			"variant", rec.VariantKey, "requeues", rec.RequeueCount, "error", cause)
		return
	}

	// Enqueue before resetting the record: a crash in between leaves a
	// failed record the resolver can readmit, never a queued record with
	// no live job.
	opts := simplevariant.EnqueueOptions{
		JobID:            simplevariant.ResizeJobToken(rec.Spec(), rec.ID, time.Now()),
		Attempts:         simplevariant.DefaultAttempts,
		BackoffBase:      simplevariant.ResizeBackoffBase,
		RemoveOnComplete: true,
	}
	if _, err := w.queue.Enqueue(ctx, simplevariant.JobNameResize, payload, opts); err != nil {
		if !errors.Is(err, simplevariant.ErrDuplicateJob) {
			w.logger.Error("could not requeue failed rendition", "variant", rec.VariantKey, "error", err)
			return
		}
	}

	queued := simplevariant.StatusQueued
	patch := simplevariant.Patch{Status: &queued, ClearFailure: true, IncrementRequeue: true}
	if _, err := w.repo.UpdateByID(ctx, recordID, patch); err != nil {
		w.logger.Error("could not reset record for requeue", "record_id", payload.RecordID, "error", err)
		return
	}

	w.logger.Warn("requeued failed rendition",
		"variant", rec.VariantKey, "cycle", rec.RequeueCount+1, "error", cause)
}

// stepTimings collects per-step durations for the completion summary: the
// absolute step times plus a percent breakdown across metadata, storage,
// and render work.
type stepTimings struct {
	order     []string
	durations map[string]time.Duration
}

func newStepTimings() *stepTimings {
	return &stepTimings{durations: make(map[string]time.Duration)}
}

func (t *stepTimings) record(name string, d time.Duration) {
	if _, seen := t.durations[name]; !seen {
		t.order = append(t.order, name)
	}
	t.durations[name] = d
}

func (t *stepTimings) attrs() []any {
	var metadata, storage, renderTime, total time.Duration
	for name, d := range t.durations {
		total += d
		switch name {
		case stepConnect, stepLoadRecord, stepMarkProcessing, stepMarkReady:
			metadata += d
		case stepDownload, stepUpload:
			storage += d
		case stepRender:
			renderTime += d
		}
	}
	pct := func(d time.Duration) int64 {
		if total == 0 {
			return 0
		}
		return int64(d * 100 / total)
	}
	return []any{
		"metadata_pct", pct(metadata),
		"storage_pct", pct(storage),
		"render_pct", pct(renderTime),
	}
}
