package mongodb

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-variant/pkg/simplevariant"
)

// setupRepository connects to the MongoDB named by MONGODB_TEST_URI and
// works in a throwaway database. Tests skip when no server is available.
func setupRepository(t *testing.T) *Repository {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	uri := os.Getenv("MONGODB_TEST_URI")
	if uri == "" {
		t.Skip("Skipping integration test: MONGODB_TEST_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Connect(ctx, uri)
	if err != nil {
		t.Skipf("mongodb not available: %v", err)
	}

	dbName := fmt.Sprintf("simple_variant_test_%s", uuid.NewString()[:8])
	db := client.Database(dbName)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = db.Drop(ctx)
		_ = client.Disconnect(ctx)
	})

	repo := New(db)
	require.NoError(t, repo.EnsureIndexes(context.Background()))
	return repo
}

func newRecord(imageID string, w, h int, format simplevariant.Format) *simplevariant.Variant {
	now := time.Now().UTC().Truncate(time.Millisecond)
	spec := simplevariant.VariantSpec{ImageID: imageID, Width: w, Height: h, Format: format}
	return &simplevariant.Variant{
		ID:          uuid.New(),
		ImageID:     imageID,
		Width:       w,
		Height:      h,
		Format:      format,
		OriginalKey: simplevariant.OriginalKey(imageID),
		VariantKey:  simplevariant.RenditionKey(spec),
		Bucket:      "images",
		Status:      simplevariant.StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestInsertAndFind(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	rec := newRecord("pic.png", 200, 100, simplevariant.FormatWebP)
	require.NoError(t, repo.Insert(ctx, rec))

	byID, err := repo.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, byID.ID)
	assert.Equal(t, rec.VariantKey, byID.VariantKey)
	assert.Equal(t, simplevariant.StatusQueued, byID.Status)

	bySpec, err := repo.FindBySpec(ctx, rec.Spec())
	require.NoError(t, err)
	assert.Equal(t, rec.ID, bySpec.ID)

	_, err = repo.FindByID(ctx, uuid.New())
	assert.ErrorIs(t, err, simplevariant.ErrNotFound)
}

func TestUniqueIndexMapsToConflict(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, newRecord("pic.png", 200, 100, simplevariant.FormatWebP)))
	err := repo.Insert(ctx, newRecord("pic.png", 200, 100, simplevariant.FormatWebP))
	assert.ErrorIs(t, err, simplevariant.ErrConflict)
}

func TestUpdateByIDLifecycle(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	rec := newRecord("pic.png", 200, 100, simplevariant.FormatWebP)
	require.NoError(t, repo.Insert(ctx, rec))

	failed := simplevariant.StatusFailed
	reason := "upload failed: connection reset"
	failedAt := time.Now().UTC().Truncate(time.Millisecond)
	updated, err := repo.UpdateByID(ctx, rec.ID, simplevariant.Patch{
		Status:       &failed,
		FailedReason: &reason,
		FailedAt:     &failedAt,
	})
	require.NoError(t, err)
	assert.Equal(t, simplevariant.StatusFailed, updated.Status)
	assert.Equal(t, reason, updated.FailedReason)

	queued := simplevariant.StatusQueued
	updated, err = repo.UpdateByID(ctx, rec.ID, simplevariant.Patch{
		Status:           &queued,
		ClearFailure:     true,
		IncrementRequeue: true,
	})
	require.NoError(t, err)
	assert.Equal(t, simplevariant.StatusQueued, updated.Status)
	assert.Empty(t, updated.FailedReason)
	assert.Nil(t, updated.FailedAt)
	assert.Equal(t, 1, updated.RequeueCount)

	ready := simplevariant.StatusReady
	size := int64(8192)
	completed := time.Now().UTC().Truncate(time.Millisecond)
	updated, err = repo.UpdateByID(ctx, rec.ID, simplevariant.Patch{
		Status:      &ready,
		FileSize:    &size,
		CompletedAt: &completed,
	})
	require.NoError(t, err)
	assert.Equal(t, simplevariant.StatusReady, updated.Status)
	assert.Equal(t, size, updated.FileSize)
	require.NotNil(t, updated.CompletedAt)

	_, err = repo.UpdateByID(ctx, uuid.New(), simplevariant.Patch{Status: &ready})
	assert.ErrorIs(t, err, simplevariant.ErrNotFound)
}

func TestFindWithSelectorAndDelete(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	a := newRecord("pic.png", 200, 100, simplevariant.FormatWebP)
	b := newRecord("pic.png", 64, 64, simplevariant.FormatPNG)
	c := newRecord("other.jpg", 200, 100, simplevariant.FormatWebP)
	for _, rec := range []*simplevariant.Variant{a, b, c} {
		require.NoError(t, repo.Insert(ctx, rec))
	}

	recs, err := repo.Find(ctx, simplevariant.Selector{ImageID: "pic.png"})
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	recs, err = repo.Find(ctx, simplevariant.Selector{
		ImageID:  "pic.png",
		Statuses: []simplevariant.Status{simplevariant.StatusQueued},
	})
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	require.NoError(t, repo.DeleteBySpec(ctx, a.Spec()))
	_, err = repo.FindBySpec(ctx, a.Spec())
	assert.ErrorIs(t, err, simplevariant.ErrNotFound)

	// Absent spec deletion is a no-op.
	assert.NoError(t, repo.DeleteBySpec(ctx, a.Spec()))

	deleted, err := repo.DeleteMany(ctx, simplevariant.Selector{ImageID: "pic.png"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
}
