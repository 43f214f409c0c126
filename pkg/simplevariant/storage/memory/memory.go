package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tendant/simple-variant/pkg/simplevariant"
)

// Backend is an in-memory implementation of the simplevariant.BlobStore
// interface. It is used by tests and by the zero-dependency local setup.
type Backend struct {
	mu      sync.RWMutex
	objects map[string]object
}

type object struct {
	data         []byte
	contentType  string
	cacheControl string
	modified     time.Time
}

// New creates a new in-memory storage backend.
func New() *Backend {
	return &Backend{objects: make(map[string]object)}
}

func (b *Backend) Head(ctx context.Context, key string) (*simplevariant.ObjectInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, exists := b.objects[key]
	if !exists {
		return nil, &simplevariant.StorageError{Key: key, Op: "head", Err: simplevariant.ErrNotFound}
	}
	return &simplevariant.ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		ContentType:  obj.contentType,
		LastModified: obj.modified,
	}, nil
}

func (b *Backend) Download(ctx context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, exists := b.objects[key]
	if !exists {
		return nil, &simplevariant.StorageError{Key: key, Op: "download", Err: simplevariant.ErrNotFound}
	}
	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	return data, nil
}

func (b *Backend) Upload(ctx context.Context, key string, body []byte, opts simplevariant.UploadOptions) error {
	data := make([]byte, len(body))
	copy(data, body)

	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = object{
		data:         data,
		contentType:  contentType,
		cacheControl: opts.CacheControl,
		modified:     time.Now().UTC(),
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

func (b *Backend) DeleteBatch(ctx context.Context, keys []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range keys {
		delete(b.objects, key)
	}
	return nil
}

// CacheControl reports the Cache-Control header stored with the object.
// Tests use it to assert upload headers.
func (b *Backend) CacheControl(key string) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, exists := b.objects[key]
	if !exists {
		return "", fmt.Errorf("%w: %s", simplevariant.ErrNotFound, key)
	}
	return obj.cacheControl, nil
}

// Keys returns all stored keys with the given prefix, for tests.
func (b *Backend) Keys(prefix string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var keys []string
	for key := range b.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys
}
