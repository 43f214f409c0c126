package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-variant/pkg/simplevariant"
)

// Repository implements simplevariant.Repository using in-memory storage.
// The bySpec map stands in for the unique quadruple index of the durable
// backends, so Insert races resolve to exactly one winner here too.
type Repository struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]*simplevariant.Variant
	bySpec map[simplevariant.VariantSpec]uuid.UUID
}

// New creates a new in-memory repository.
func New() *Repository {
	return &Repository{
		byID:   make(map[uuid.UUID]*simplevariant.Variant),
		bySpec: make(map[simplevariant.VariantSpec]uuid.UUID),
	}
}

func (r *Repository) Insert(ctx context.Context, v *simplevariant.Variant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	spec := v.Spec()
	if _, exists := r.bySpec[spec]; exists {
		return simplevariant.ErrConflict
	}

	// Store a copy to avoid external modifications.
	rec := *v
	r.byID[rec.ID] = &rec
	r.bySpec[spec] = rec.ID
	return nil
}

func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*simplevariant.Variant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.byID[id]
	if !exists {
		return nil, simplevariant.ErrNotFound
	}
	recCopy := *rec
	return &recCopy, nil
}

func (r *Repository) FindBySpec(ctx context.Context, spec simplevariant.VariantSpec) (*simplevariant.Variant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.bySpec[spec]
	if !exists {
		return nil, simplevariant.ErrNotFound
	}
	recCopy := *r.byID[id]
	return &recCopy, nil
}

func (r *Repository) Find(ctx context.Context, sel simplevariant.Selector) ([]*simplevariant.Variant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*simplevariant.Variant
	for _, rec := range r.byID {
		if matches(rec, sel) {
			recCopy := *rec
			result = append(result, &recCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (r *Repository) UpdateByID(ctx context.Context, id uuid.UUID, patch simplevariant.Patch) (*simplevariant.Variant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.byID[id]
	if !exists {
		return nil, simplevariant.ErrNotFound
	}

	applyPatch(rec, patch)
	rec.UpdatedAt = time.Now().UTC()

	recCopy := *rec
	return &recCopy, nil
}

func (r *Repository) DeleteBySpec(ctx context.Context, spec simplevariant.VariantSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, exists := r.bySpec[spec]
	if !exists {
		return nil
	}
	delete(r.byID, id)
	delete(r.bySpec, spec)
	return nil
}

func (r *Repository) DeleteMany(ctx context.Context, sel simplevariant.Selector) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for id, rec := range r.byID {
		if matches(rec, sel) {
			delete(r.bySpec, rec.Spec())
			delete(r.byID, id)
			deleted++
		}
	}
	return deleted, nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return nil
}

// matches applies a selector to a record. Nil pointer fields match any
// value; an empty Statuses slice matches any status.
func matches(rec *simplevariant.Variant, sel simplevariant.Selector) bool {
	if sel.ImageID != "" && rec.ImageID != sel.ImageID {
		return false
	}
	if sel.Width != nil && rec.Width != *sel.Width {
		return false
	}
	if sel.Height != nil && rec.Height != *sel.Height {
		return false
	}
	if sel.Format != nil && rec.Format != *sel.Format {
		return false
	}
	if len(sel.Statuses) > 0 {
		found := false
		for _, st := range sel.Statuses {
			if rec.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if sel.UpdatedBefore != nil && !rec.UpdatedAt.Before(*sel.UpdatedBefore) {
		return false
	}
	return true
}

// applyPatch mutates rec in place under the repository lock.
func applyPatch(rec *simplevariant.Variant, patch simplevariant.Patch) {
	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	if patch.FileSize != nil {
		rec.FileSize = *patch.FileSize
	}
	if patch.FailedReason != nil {
		rec.FailedReason = *patch.FailedReason
	}
	if patch.FailedAt != nil {
		rec.FailedAt = patch.FailedAt
	}
	if patch.CompletedAt != nil {
		rec.CompletedAt = patch.CompletedAt
	}
	if patch.ClearFailure {
		rec.FailedReason = ""
		rec.FailedAt = nil
	}
	if patch.IncrementRequeue {
		rec.RequeueCount++
	}
}
