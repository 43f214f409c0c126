package simplevariant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-variant/pkg/simplevariant/urlstrategy"
)

// service implements the Service interface.
type service struct {
	repo   Repository
	blobs  BlobStore
	queue  Queue
	urls   urlstrategy.Strategy
	bucket string
	logger *slog.Logger
}

// Option represents a functional option for configuring the service.
type Option func(*service)

// WithRepository sets the variant record repository.
func WithRepository(repo Repository) Option {
	return func(s *service) { s.repo = repo }
}

// WithBlobStore sets the object store holding originals and renditions.
func WithBlobStore(store BlobStore) Option {
	return func(s *service) { s.blobs = store }
}

// WithQueue sets the resize job queue.
func WithQueue(q Queue) Option {
	return func(s *service) { s.queue = q }
}

// WithURLStrategy sets the public URL strategy. When unset, PublicURL
// returns the path-encoded key relative to the server root.
func WithURLStrategy(strategy urlstrategy.Strategy) Option {
	return func(s *service) { s.urls = strategy }
}

// WithBucket sets the logical bucket name recorded on new variants.
func WithBucket(bucket string) Option {
	return func(s *service) { s.bucket = bucket }
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *service) { s.logger = logger }
}

// New creates a Service from the given options. A repository, blob store,
// and queue are required.
func New(options ...Option) (Service, error) {
	s := &service{}
	for _, option := range options {
		option(s)
	}
	if s.repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if s.blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if s.queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if s.urls == nil {
		s.urls = urlstrategy.NewPublicBase("")
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

func (s *service) ResolveVariant(ctx context.Context, req ResolveRequest) (*Resolution, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	originalKey := OriginalKey(req.ImageID)

	// No dimensions: serve the original directly.
	if !req.WantsResize() {
		if _, err := s.blobs.Head(ctx, originalKey); err != nil {
			return nil, s.wrapHead(req.ImageID, "resolve", err)
		}
		return &Resolution{Key: originalKey, ServingOriginal: true}, nil
	}

	spec := req.Spec()

	if req.ForceResize {
		s.displace(ctx, spec)
	}

	// Two passes: a lost insert race surfaces as ErrConflict, and the
	// second pass re-reads the winner's record instead of failing the
	// request.
	for attempt := 0; attempt < 2; attempt++ {
		rec, err := s.repo.FindBySpec(ctx, spec)
		switch {
		case err == nil && rec.Status == StatusReady:
			return &Resolution{Key: rec.VariantKey, ServingOriginal: false}, nil

		case err == nil && (rec.Status == StatusQueued || rec.Status == StatusProcessing):
			return &Resolution{Key: rec.OriginalKey, ServingOriginal: true}, nil

		case err == nil && rec.Status == StatusFailed:
			// Displace the failed lifetime so admission can start a new one.
			if derr := s.repo.DeleteBySpec(ctx, spec); derr != nil {
				s.logger.Warn("could not displace failed variant record",
					"image_id", spec.ImageID, "variant", spec.String(), "error", derr)
			}

		case err != nil && !errors.Is(err, ErrNotFound):
			return nil, &VariantError{ImageID: req.ImageID, Op: "resolve", Err: err}
		}

		res, err := s.admit(ctx, spec, originalKey)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return res, nil
	}

	// Both passes lost the insert race; serve the original and let the
	// winner's job produce the rendition.
	return &Resolution{Key: originalKey, ServingOriginal: true}, nil
}

// admit inserts a queued record for the spec and enqueues its resize job.
// ErrConflict propagates unwrapped so the caller can re-read and branch.
func (s *service) admit(ctx context.Context, spec VariantSpec, originalKey string) (*Resolution, error) {
	if _, err := s.blobs.Head(ctx, originalKey); err != nil {
		return nil, s.wrapHead(spec.ImageID, "admit", err)
	}

	now := time.Now().UTC()
	rec := &Variant{
		ID:          uuid.New(),
		ImageID:     spec.ImageID,
		Width:       spec.Width,
		Height:      spec.Height,
		Format:      spec.Format,
		OriginalKey: originalKey,
		VariantKey:  RenditionKey(spec),
		Bucket:      s.bucket,
		Status:      StatusQueued,
		FileSize:    0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.repo.Insert(ctx, rec); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, err
		}
		return nil, &VariantError{ImageID: spec.ImageID, Op: "admit", Err: err}
	}

	if err := s.enqueueResize(ctx, rec); err != nil {
		// A queued record with no live job would never render; undo the
		// admission so a later request can retry it.
		if derr := s.repo.DeleteBySpec(ctx, spec); derr != nil {
			s.logger.Error("could not roll back admission after enqueue failure",
				"variant", spec.String(), "error", derr)
		}
		return nil, &VariantError{ImageID: spec.ImageID, Op: "enqueue", Err: err}
	}

	s.logger.Info("admitted resize job",
		"image_id", spec.ImageID, "variant", spec.String(), "record_id", rec.ID.String())

	return &Resolution{Key: originalKey, ServingOriginal: true}, nil
}

// enqueueResize appends the resize job for rec. A duplicate idempotency
// token means the job is already live and is not an error.
func (s *service) enqueueResize(ctx context.Context, rec *Variant) error {
	payload := ResizePayload{
		ImageID:     rec.ImageID,
		Width:       rec.Width,
		Height:      rec.Height,
		OriginalKey: rec.OriginalKey,
		VariantKey:  rec.VariantKey,
		RecordID:    rec.ID.String(),
		Format:      rec.Format,
	}
	opts := EnqueueOptions{
		JobID:            ResizeJobToken(rec.Spec(), rec.ID, time.Now()),
		Attempts:         DefaultAttempts,
		BackoffBase:      ResizeBackoffBase,
		RemoveOnComplete: true,
	}
	if _, err := s.queue.Enqueue(ctx, JobNameResize, payload, opts); err != nil {
		if errors.Is(err, ErrDuplicateJob) {
			s.logger.Warn("resize job already enqueued", "job_id", opts.JobID)
			return nil
		}
		return err
	}
	return nil
}

// displace removes a prior rendition (record and object) ahead of a forced
// resize. Failures are logged and do not abort: the subsequent admission
// relies only on the unique index.
func (s *service) displace(ctx context.Context, spec VariantSpec) {
	if err := s.repo.DeleteBySpec(ctx, spec); err != nil {
		s.logger.Warn("force resize: could not delete variant record",
			"variant", spec.String(), "error", err)
	}
	if err := s.blobs.Delete(ctx, RenditionKey(spec)); err != nil {
		s.logger.Warn("force resize: could not delete rendition object",
			"key", RenditionKey(spec), "error", err)
	}
}

func (s *service) DeleteImage(ctx context.Context, req DeleteRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	sel := req.Selector()
	recs, err := s.repo.Find(ctx, sel)
	if err != nil {
		return &VariantError{ImageID: req.ImageID, Op: "delete", Err: err}
	}
	if len(recs) == 0 {
		return &VariantError{ImageID: req.ImageID, Op: "delete", Err: ErrNotFound}
	}

	keys := make([]string, 0, len(recs))
	for _, rec := range recs {
		keys = append(keys, rec.VariantKey)
	}

	// Objects first. If any object survives, leave the records so the
	// delete can be retried; dropping records first would orphan blobs.
	if err := s.blobs.DeleteBatch(ctx, keys); err != nil {
		s.logger.Error("batch delete of renditions failed",
			"image_id", req.ImageID, "keys", len(keys), "error", err)
		return &VariantError{ImageID: req.ImageID, Op: "delete", Err: err}
	}

	deleted, err := s.repo.DeleteMany(ctx, sel)
	if err != nil {
		return &VariantError{ImageID: req.ImageID, Op: "delete", Err: err}
	}

	s.logger.Info("deleted image variants", "image_id", req.ImageID, "records", deleted, "objects", len(keys))
	return nil
}

func (s *service) GetOriginal(ctx context.Context, imageID string) (string, error) {
	key := OriginalKey(imageID)
	if _, err := s.blobs.Head(ctx, key); err != nil {
		return "", s.wrapHead(imageID, "get_original", err)
	}
	return key, nil
}

func (s *service) PublicURL(key string) string {
	return s.urls.PublicURL(key)
}

// wrapHead maps object-store head failures into the resolver's error
// vocabulary: absent original -> ErrNotFound, anything else passes through
// wrapped.
func (s *service) wrapHead(imageID, op string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return &VariantError{ImageID: imageID, Op: op, Err: ErrNotFound}
	}
	return &VariantError{ImageID: imageID, Op: op, Err: err}
}
