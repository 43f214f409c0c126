package simplevariant

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the domain type for variant lifecycle states.
type Status string

// Variant status constants. Transitions are monotonic within a cycle:
// queued -> processing -> (ready | failed). A failed record may be reset to
// queued by the requeue policy while RequeueCount < MaxRequeues. Ready is
// terminal for the record's lifetime.
const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
)

// IsValid reports whether s is a known lifecycle state.
func (s Status) IsValid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusReady, StatusFailed:
		return true
	}
	return false
}

// Format is a supported target encoding for renditions.
type Format string

// Supported encoding formats (typed). "jpg" is accepted at the edge as an
// alias and normalized to FormatJPEG before it reaches the domain.
const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
	FormatWebP Format = "webp"
)

// ParseFormat normalizes a client-supplied format string, applying the
// jpg -> jpeg alias. It returns an error for unknown formats.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "png":
		return FormatPNG, nil
	case "jpeg", "jpg":
		return FormatJPEG, nil
	case "webp":
		return FormatWebP, nil
	}
	return "", fmt.Errorf("%w: unsupported format %q", ErrValidation, s)
}

// IsValid reports whether f is a supported encoding format.
func (f Format) IsValid() bool {
	switch f {
	case FormatPNG, FormatJPEG, FormatWebP:
		return true
	}
	return false
}

// VariantSpec identifies a rendition: the source image plus the target
// dimensions and encoding. It is the unique key of a variant record.
type VariantSpec struct {
	ImageID string
	Width   int
	Height  int
	Format  Format
}

// String renders the spec in the form used by log lines and job tokens,
// e.g. "pic.png_200x100.webp".
func (s VariantSpec) String() string {
	return fmt.Sprintf("%s_%dx%d.%s", s.ImageID, s.Width, s.Height, s.Format)
}

// Variant is the metadata record for one rendition. It is the shared data
// contract between the resolver (which creates records on admission) and the
// worker (which drives them through the status transitions). Repositories
// own their wire representation; the json tags here serve the API layer.
type Variant struct {
	ID      uuid.UUID `json:"id"`
	ImageID string    `json:"imageId"`
	Width   int       `json:"width"`
	Height  int       `json:"height"`
	Format  Format    `json:"format"`

	// OriginalKey and VariantKey are object-store keys. VariantKey is
	// derived deterministically from the spec on insert and never mutated.
	OriginalKey string `json:"originalKey"`
	VariantKey  string `json:"variantKey"`
	Bucket      string `json:"bucket"`

	Status   Status `json:"status"`
	FileSize int64  `json:"fileSize"`

	FailedReason string     `json:"failedReason,omitempty"`
	FailedAt     *time.Time `json:"failedAt,omitempty"`

	// RequeueCount counts full retry cycles triggered by the final-failure
	// hook. It never exceeds the configured maximum.
	RequeueCount int `json:"requeueCount"`

	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Spec returns the unique quadruple identifying this record.
func (v *Variant) Spec() VariantSpec {
	return VariantSpec{ImageID: v.ImageID, Width: v.Width, Height: v.Height, Format: v.Format}
}

// ResizePayload is the job payload carried on the queue. Workers fetch the
// original by key; no image bytes travel through the broker.
type ResizePayload struct {
	ImageID     string `json:"imageId"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	OriginalKey string `json:"originalKey"`
	VariantKey  string `json:"variantKey"`
	RecordID    string `json:"recordId"`
	Format      Format `json:"format"`
}

// Resolution is the outcome of resolving a variant request: the object-store
// key to redirect to and whether that key is the original asset (because the
// rendition is still being produced).
type Resolution struct {
	Key             string
	ServingOriginal bool
}

// ObjectInfo describes an object-store entry, as returned by BlobStore.Head.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
}

// UploadOptions carries the headers set on rendition uploads.
type UploadOptions struct {
	ContentType  string
	CacheControl string
}

// Cache-Control values. Renditions are immutable once rendered (a forced
// resize produces a new admission, not a rewrite in place), so ready
// responses and uploads carry a year-long immutable policy. Responses that
// serve the original in lieu of a pending rendition must not be cached.
const (
	CacheControlImmutable = "public, max-age=31536000, immutable"
	CacheControlNoStore   = "no-cache, no-store, must-revalidate"
)

// Selector filters variant records for find/delete operations. ImageID is
// always required; nil pointer fields match any value. Statuses and
// UpdatedBefore support operator queries over the status index (stuck-job
// scans).
type Selector struct {
	ImageID       string
	Width         *int
	Height        *int
	Format        *Format
	Statuses      []Status
	UpdatedBefore *time.Time
}

// Patch is a partial, typed update applied to a variant record. Nil fields
// are left untouched. ClearFailure removes FailedReason/FailedAt;
// IncrementRequeue bumps RequeueCount by one atomically with the rest of the
// patch. Repositories always bump UpdatedAt.
type Patch struct {
	Status           *Status
	FileSize         *int64
	FailedReason     *string
	FailedAt         *time.Time
	CompletedAt      *time.Time
	ClearFailure     bool
	IncrementRequeue bool
}
