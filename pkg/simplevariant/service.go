package simplevariant

import "context"

// JobNameResize is the queue job name for rendition work.
const JobNameResize = "resize"

// QueueNameResize is the logical broker queue both binaries attach to.
const QueueNameResize = "image-resize"

// Service is the read-path API: resolving variant requests into redirect
// targets, admitting background resize jobs, and deleting renditions.
type Service interface {
	// ResolveVariant decides what a request should redirect to: the cached
	// rendition when it is ready, or the original asset while rendering is
	// queued or in flight. On a miss it admits a new resize job. It returns
	// ErrNotFound (wrapped) when the original asset does not exist and
	// ErrValidation (wrapped) on bad input.
	ResolveVariant(ctx context.Context, req ResolveRequest) (*Resolution, error)

	// DeleteImage removes all variant records matching the request selector
	// together with their rendition objects. It returns ErrNotFound when
	// the selector matches nothing. When the object-store batch delete
	// fails, records are left in place and the error is returned.
	DeleteImage(ctx context.Context, req DeleteRequest) error

	// GetOriginal verifies the original asset exists and returns its
	// object-store key, or ErrNotFound.
	GetOriginal(ctx context.Context, imageID string) (string, error)

	// PublicURL maps an object-store key to its public URL.
	PublicURL(key string) string
}
