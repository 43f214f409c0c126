package simplevariant

import (
	"context"

	"github.com/google/uuid"
)

// BlobStore defines the object-store seam: an opaque blob store keyed by
// string key. Implementations must be safe for concurrent use.
type BlobStore interface {
	// Head returns object metadata without fetching the body. It returns
	// ErrNotFound when no object exists under key.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// Download fetches the full object body. It returns ErrNotFound when no
	// object exists under key.
	Download(ctx context.Context, key string) ([]byte, error)

	// Upload stores body under key with the supplied headers, overwriting
	// any previous object.
	Upload(ctx context.Context, key string, body []byte, opts UploadOptions) error

	// Delete removes the object under key. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// DeleteBatch removes several objects in one logical operation. A
	// partial failure returns an error naming the keys that could not be
	// removed.
	DeleteBatch(ctx context.Context, keys []string) error
}

// Repository defines the metadata-store seam for variant records. It is the
// arbiter of deduplication: Insert must honor a unique index over the
// (imageID, width, height, format) quadruple, and UpdateByID must be atomic.
type Repository interface {
	// Insert stores a new record. It returns ErrConflict when a record for
	// the same quadruple already exists.
	Insert(ctx context.Context, v *Variant) error

	// FindByID returns the record with the given id, or ErrNotFound.
	FindByID(ctx context.Context, id uuid.UUID) (*Variant, error)

	// FindBySpec returns the record for the quadruple, or ErrNotFound.
	FindBySpec(ctx context.Context, spec VariantSpec) (*Variant, error)

	// Find returns all records matching the selector.
	Find(ctx context.Context, sel Selector) ([]*Variant, error)

	// UpdateByID applies the patch atomically and returns the updated
	// record. It returns ErrNotFound when no record has the given id.
	UpdateByID(ctx context.Context, id uuid.UUID, patch Patch) (*Variant, error)

	// DeleteBySpec removes the record for the quadruple. Removing an absent
	// record is not an error.
	DeleteBySpec(ctx context.Context, spec VariantSpec) error

	// DeleteMany removes all records matching the selector and reports how
	// many were removed.
	DeleteMany(ctx context.Context, sel Selector) (int64, error)

	// Ping verifies connectivity to the underlying store.
	Ping(ctx context.Context) error
}
