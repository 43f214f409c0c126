package simplevariant_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-variant/pkg/simplevariant"
	memoryqueue "github.com/tendant/simple-variant/pkg/simplevariant/queue/memory"
	"github.com/tendant/simple-variant/pkg/simplevariant/repo/memory"
	memorystorage "github.com/tendant/simple-variant/pkg/simplevariant/storage/memory"
	"github.com/tendant/simple-variant/pkg/simplevariant/urlstrategy"
)

func TestServiceCreation(t *testing.T) {
	tests := []struct {
		name        string
		options     []simplevariant.Option
		expectError bool
	}{
		{
			name:        "no options should fail",
			options:     []simplevariant.Option{},
			expectError: true,
		},
		{
			name: "missing queue should fail",
			options: []simplevariant.Option{
				simplevariant.WithRepository(memory.New()),
				simplevariant.WithBlobStore(memorystorage.New()),
			},
			expectError: true,
		},
		{
			name: "repository, blob store and queue should succeed",
			options: []simplevariant.Option{
				simplevariant.WithRepository(memory.New()),
				simplevariant.WithBlobStore(memorystorage.New()),
				simplevariant.WithQueue(memoryqueue.New()),
			},
			expectError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := simplevariant.New(tt.options...)

			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, svc)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, svc)
			}
		})
	}
}

type testEnv struct {
	svc   simplevariant.Service
	repo  *memory.Repository
	store *memorystorage.Backend
	queue *memoryqueue.Queue
}

func setupTestService(t *testing.T) *testEnv {
	repo := memory.New()
	store := memorystorage.New()
	queue := memoryqueue.New()

	svc, err := simplevariant.New(
		simplevariant.WithRepository(repo),
		simplevariant.WithBlobStore(store),
		simplevariant.WithQueue(queue),
		simplevariant.WithBucket("images"),
		simplevariant.WithURLStrategy(urlstrategy.NewPublicBase("https://cdn.example.com")),
	)
	require.NoError(t, err)
	require.NotNil(t, svc)

	return &testEnv{svc: svc, repo: repo, store: store, queue: queue}
}

func (e *testEnv) seedOriginal(t *testing.T, key string) {
	t.Helper()
	err := e.store.Upload(context.Background(), key, []byte("image-bytes"), simplevariant.UploadOptions{
		ContentType: "image/png",
	})
	require.NoError(t, err)
}

func intPtr(i int) *int { return &i }

func TestResolveOriginal(t *testing.T) {
	env := setupTestService(t)
	ctx := context.Background()
	env.seedOriginal(t, "pic.png")

	t.Run("existing original is served directly", func(t *testing.T) {
		res, err := env.svc.ResolveVariant(ctx, simplevariant.ResolveRequest{ImageID: "pic.png"})
		require.NoError(t, err)
		assert.Equal(t, "pic.png", res.Key)
		assert.True(t, res.ServingOriginal)
		assert.Equal(t, 0, env.queue.Len())
	})

	t.Run("missing original is not found", func(t *testing.T) {
		_, err := env.svc.ResolveVariant(ctx, simplevariant.ResolveRequest{ImageID: "absent.png"})
		assert.ErrorIs(t, err, simplevariant.ErrNotFound)
	})
}

func TestResolveVariantAdmission(t *testing.T) {
	env := setupTestService(t)
	ctx := context.Background()
	env.seedOriginal(t, "pic.png")

	req := simplevariant.ResolveRequest{
		ImageID: "pic.png",
		Width:   intPtr(200),
		Height:  intPtr(100),
		Format:  simplevariant.FormatWebP,
	}

	res, err := env.svc.ResolveVariant(ctx, req)
	require.NoError(t, err)

	// The rendition does not exist yet, so the original is served.
	assert.Equal(t, "pic.png", res.Key)
	assert.True(t, res.ServingOriginal)

	// A queued record was created with the derived keys.
	rec, err := env.repo.FindBySpec(ctx, req.Spec())
	require.NoError(t, err)
	assert.Equal(t, simplevariant.StatusQueued, rec.Status)
	assert.Equal(t, "pic.png", rec.OriginalKey)
	assert.Equal(t, "pic___200x100.webp", rec.VariantKey)
	assert.Equal(t, "images", rec.Bucket)
	assert.Equal(t, 0, rec.RequeueCount)

	// Exactly one resize job was enqueued, carrying the same keys.
	jobs := env.queue.Snapshot()
	require.Len(t, jobs, 1)
	assert.Equal(t, simplevariant.JobNameResize, jobs[0].Name)

	var payload simplevariant.ResizePayload
	require.NoError(t, jobs[0].UnmarshalPayload(&payload))
	assert.Equal(t, "pic.png", payload.ImageID)
	assert.Equal(t, 200, payload.Width)
	assert.Equal(t, 100, payload.Height)
	assert.Equal(t, "pic___200x100.webp", payload.VariantKey)
	assert.Equal(t, rec.ID.String(), payload.RecordID)
	assert.Equal(t, simplevariant.FormatWebP, payload.Format)
}

func TestResolveVariantWhilePending(t *testing.T) {
	env := setupTestService(t)
	ctx := context.Background()
	env.seedOriginal(t, "pic.png")

	req := simplevariant.ResolveRequest{
		ImageID: "pic.png",
		Width:   intPtr(200),
		Height:  intPtr(100),
		Format:  simplevariant.FormatWebP,
	}

	_, err := env.svc.ResolveVariant(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 1, env.queue.Len())

	// A second request while the record is queued serves the original and
	// does not enqueue another job.
	res, err := env.svc.ResolveVariant(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.ServingOriginal)
	assert.Equal(t, "pic.png", res.Key)
	assert.Equal(t, 1, env.queue.Len())

	// Same while processing.
	rec, err := env.repo.FindBySpec(ctx, req.Spec())
	require.NoError(t, err)
	processing := simplevariant.StatusProcessing
	_, err = env.repo.UpdateByID(ctx, rec.ID, simplevariant.Patch{Status: &processing})
	require.NoError(t, err)

	res, err = env.svc.ResolveVariant(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.ServingOriginal)
	assert.Equal(t, 1, env.queue.Len())

	recs, err := env.repo.Find(ctx, simplevariant.Selector{ImageID: "pic.png"})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestResolveVariantReady(t *testing.T) {
	env := setupTestService(t)
	ctx := context.Background()
	env.seedOriginal(t, "pic.png")

	req := simplevariant.ResolveRequest{
		ImageID: "pic.png",
		Width:   intPtr(200),
		Height:  intPtr(100),
		Format:  simplevariant.FormatWebP,
	}

	_, err := env.svc.ResolveVariant(ctx, req)
	require.NoError(t, err)

	rec, err := env.repo.FindBySpec(ctx, req.Spec())
	require.NoError(t, err)
	ready := simplevariant.StatusReady
	_, err = env.repo.UpdateByID(ctx, rec.ID, simplevariant.Patch{Status: &ready})
	require.NoError(t, err)

	res, err := env.svc.ResolveVariant(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.ServingOriginal)
	assert.Equal(t, "pic___200x100.webp", res.Key)
	assert.Equal(t, 1, env.queue.Len(), "ready variants never enqueue")
}

func TestResolveVariantFailedIsReadmitted(t *testing.T) {
	env := setupTestService(t)
	ctx := context.Background()
	env.seedOriginal(t, "pic.png")

	req := simplevariant.ResolveRequest{
		ImageID: "pic.png",
		Width:   intPtr(200),
		Height:  intPtr(100),
		Format:  simplevariant.FormatWebP,
	}

	_, err := env.svc.ResolveVariant(ctx, req)
	require.NoError(t, err)

	old, err := env.repo.FindBySpec(ctx, req.Spec())
	require.NoError(t, err)
	failed := simplevariant.StatusFailed
	reason := "render: short read"
	_, err = env.repo.UpdateByID(ctx, old.ID, simplevariant.Patch{Status: &failed, FailedReason: &reason})
	require.NoError(t, err)

	res, err := env.svc.ResolveVariant(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.ServingOriginal)

	// The failed lifetime was displaced by a fresh queued record.
	rec, err := env.repo.FindBySpec(ctx, req.Spec())
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, rec.ID)
	assert.Equal(t, simplevariant.StatusQueued, rec.Status)
	assert.Empty(t, rec.FailedReason)
	assert.Equal(t, 2, env.queue.Len())
}

func TestResolveVariantForceResize(t *testing.T) {
	env := setupTestService(t)
	ctx := context.Background()
	env.seedOriginal(t, "pic.png")

	req := simplevariant.ResolveRequest{
		ImageID: "pic.png",
		Width:   intPtr(200),
		Height:  intPtr(100),
		Format:  simplevariant.FormatWebP,
	}

	_, err := env.svc.ResolveVariant(ctx, req)
	require.NoError(t, err)

	old, err := env.repo.FindBySpec(ctx, req.Spec())
	require.NoError(t, err)
	ready := simplevariant.StatusReady
	_, err = env.repo.UpdateByID(ctx, old.ID, simplevariant.Patch{Status: &ready})
	require.NoError(t, err)
	require.NoError(t, env.store.Upload(ctx, old.VariantKey, []byte("stale"), simplevariant.UploadOptions{}))

	forced := req
	forced.ForceResize = true
	res, err := env.svc.ResolveVariant(ctx, forced)
	require.NoError(t, err)
	assert.True(t, res.ServingOriginal, "forced resize starts a new cycle")

	rec, err := env.repo.FindBySpec(ctx, req.Spec())
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, rec.ID)
	assert.Equal(t, simplevariant.StatusQueued, rec.Status)

	// The stale rendition object was removed.
	_, err = env.store.Head(ctx, old.VariantKey)
	assert.ErrorIs(t, err, simplevariant.ErrNotFound)
	assert.Equal(t, 2, env.queue.Len())
}

func TestResolveVariantMissingOriginal(t *testing.T) {
	env := setupTestService(t)
	ctx := context.Background()

	req := simplevariant.ResolveRequest{
		ImageID: "absent.png",
		Width:   intPtr(200),
		Height:  intPtr(100),
		Format:  simplevariant.FormatWebP,
	}

	_, err := env.svc.ResolveVariant(ctx, req)
	assert.ErrorIs(t, err, simplevariant.ErrNotFound)

	// No record or job is left behind.
	recs, err := env.repo.Find(ctx, simplevariant.Selector{ImageID: "absent.png"})
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, 0, env.queue.Len())
}

func TestResolveValidation(t *testing.T) {
	env := setupTestService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  simplevariant.ResolveRequest
	}{
		{
			name: "empty image id",
			req:  simplevariant.ResolveRequest{ImageID: ""},
		},
		{
			name: "image id without extension",
			req:  simplevariant.ResolveRequest{ImageID: "picture"},
		},
		{
			name: "image id with path separator",
			req:  simplevariant.ResolveRequest{ImageID: "a/b.png"},
		},
		{
			name: "width without height",
			req:  simplevariant.ResolveRequest{ImageID: "pic.png", Width: intPtr(200)},
		},
		{
			name: "zero width",
			req:  simplevariant.ResolveRequest{ImageID: "pic.png", Width: intPtr(0), Height: intPtr(100)},
		},
		{
			name: "oversized height",
			req:  simplevariant.ResolveRequest{ImageID: "pic.png", Width: intPtr(200), Height: intPtr(5001)},
		},
		{
			name: "unsupported format",
			req:  simplevariant.ResolveRequest{ImageID: "pic.png", Width: intPtr(200), Height: intPtr(100), Format: "gif"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.ResolveVariant(ctx, tt.req)
			assert.ErrorIs(t, err, simplevariant.ErrValidation)
		})
	}
}

func TestResolveFormatDefaultsFromExtension(t *testing.T) {
	env := setupTestService(t)
	ctx := context.Background()
	env.seedOriginal(t, "photo.jpg")

	req := simplevariant.ResolveRequest{
		ImageID: "photo.jpg",
		Width:   intPtr(64),
		Height:  intPtr(64),
	}

	_, err := env.svc.ResolveVariant(ctx, req)
	require.NoError(t, err)

	// jpg normalizes to jpeg.
	rec, err := env.repo.FindBySpec(ctx, simplevariant.VariantSpec{
		ImageID: "photo.jpg", Width: 64, Height: 64, Format: simplevariant.FormatJPEG,
	})
	require.NoError(t, err)
	assert.Equal(t, "photo___64x64.jpeg", rec.VariantKey)
}

func TestConcurrentResolveAdmitsOnce(t *testing.T) {
	env := setupTestService(t)
	ctx := context.Background()
	env.seedOriginal(t, "pic.png")

	const parallel = 8
	var wg sync.WaitGroup
	errs := make([]error, parallel)

	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := simplevariant.ResolveRequest{
				ImageID: "pic.png",
				Width:   intPtr(200),
				Height:  intPtr(100),
				Format:  simplevariant.FormatWebP,
			}
			_, errs[i] = env.svc.ResolveVariant(ctx, req)
		}(i)
	}
	wg.Wait()

	for i := 0; i < parallel; i++ {
		assert.NoError(t, errs[i])
	}

	recs, err := env.repo.Find(ctx, simplevariant.Selector{ImageID: "pic.png"})
	require.NoError(t, err)
	assert.Len(t, recs, 1, "exactly one record survives the insert race")
	assert.Equal(t, 1, env.queue.Len(), "exactly one job is enqueued")
}

func TestDeleteImage(t *testing.T) {
	env := setupTestService(t)
	ctx := context.Background()
	env.seedOriginal(t, "pic.png")

	for _, dims := range [][2]int{{200, 100}, {64, 64}} {
		req := simplevariant.ResolveRequest{
			ImageID: "pic.png",
			Width:   intPtr(dims[0]),
			Height:  intPtr(dims[1]),
			Format:  simplevariant.FormatWebP,
		}
		_, err := env.svc.ResolveVariant(ctx, req)
		require.NoError(t, err)

		rec, err := env.repo.FindBySpec(ctx, req.Spec())
		require.NoError(t, err)
		ready := simplevariant.StatusReady
		_, err = env.repo.UpdateByID(ctx, rec.ID, simplevariant.Patch{Status: &ready})
		require.NoError(t, err)
		require.NoError(t, env.store.Upload(ctx, rec.VariantKey, []byte("rendition"), simplevariant.UploadOptions{}))
	}

	t.Run("narrow selector removes one variant", func(t *testing.T) {
		err := env.svc.DeleteImage(ctx, simplevariant.DeleteRequest{
			ImageID: "pic.png",
			Width:   intPtr(64),
			Height:  intPtr(64),
		})
		require.NoError(t, err)

		recs, err := env.repo.Find(ctx, simplevariant.Selector{ImageID: "pic.png"})
		require.NoError(t, err)
		assert.Len(t, recs, 1)
		_, err = env.store.Head(ctx, "pic___64x64.webp")
		assert.ErrorIs(t, err, simplevariant.ErrNotFound)
	})

	t.Run("bare selector removes the rest", func(t *testing.T) {
		err := env.svc.DeleteImage(ctx, simplevariant.DeleteRequest{ImageID: "pic.png"})
		require.NoError(t, err)

		recs, err := env.repo.Find(ctx, simplevariant.Selector{ImageID: "pic.png"})
		require.NoError(t, err)
		assert.Empty(t, recs)
		assert.Empty(t, env.store.Keys("pic___"))

		// The original asset is untouched.
		_, err = env.store.Head(ctx, "pic.png")
		assert.NoError(t, err)
	})

	t.Run("nothing to delete is not found", func(t *testing.T) {
		err := env.svc.DeleteImage(ctx, simplevariant.DeleteRequest{ImageID: "pic.png"})
		assert.ErrorIs(t, err, simplevariant.ErrNotFound)
	})
}

type failingQueue struct{}

func (failingQueue) Enqueue(ctx context.Context, name string, payload any, opts simplevariant.EnqueueOptions) (string, error) {
	return "", errors.New("broker unavailable")
}

func (failingQueue) Consume(ctx context.Context, opts simplevariant.WorkerOptions, handler simplevariant.JobHandler) error {
	return nil
}

func (failingQueue) Ping(ctx context.Context) error { return errors.New("broker unavailable") }

func TestEnqueueFailureRollsBackAdmission(t *testing.T) {
	repo := memory.New()
	store := memorystorage.New()
	svc, err := simplevariant.New(
		simplevariant.WithRepository(repo),
		simplevariant.WithBlobStore(store),
		simplevariant.WithQueue(failingQueue{}),
	)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Upload(ctx, "pic.png", []byte("image-bytes"), simplevariant.UploadOptions{}))

	req := simplevariant.ResolveRequest{
		ImageID: "pic.png",
		Width:   intPtr(200),
		Height:  intPtr(100),
		Format:  simplevariant.FormatWebP,
	}
	_, err = svc.ResolveVariant(ctx, req)
	require.Error(t, err)

	// The queued record must not outlive the failed enqueue, or the
	// rendition would never be produced.
	_, err = repo.FindBySpec(ctx, req.Spec())
	assert.ErrorIs(t, err, simplevariant.ErrNotFound)
}

func TestGetOriginal(t *testing.T) {
	env := setupTestService(t)
	ctx := context.Background()
	env.seedOriginal(t, "pic.png")

	key, err := env.svc.GetOriginal(ctx, "pic.png")
	require.NoError(t, err)
	assert.Equal(t, "pic.png", key)

	_, err = env.svc.GetOriginal(ctx, "absent.png")
	assert.ErrorIs(t, err, simplevariant.ErrNotFound)
}

func TestPublicURL(t *testing.T) {
	env := setupTestService(t)
	assert.Equal(t, "https://cdn.example.com/pic___200x100.webp", env.svc.PublicURL("pic___200x100.webp"))
}
