package simplevariant

import (
	"errors"
	"fmt"
)

// Error types
var (
	// ErrNotFound indicates a record or object-store entry was not found.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates an insert hit the unique index over the variant
	// quadruple. The resolver recovers from it by re-reading the record.
	ErrConflict = errors.New("variant already exists")

	// ErrValidation indicates a request failed input validation.
	ErrValidation = errors.New("validation failed")

	// ErrForbidden indicates a request targeted the forbidden rendition
	// path prefix.
	ErrForbidden = errors.New("forbidden path")

	// ErrRecordMissing indicates a worker loaded a job whose variant record
	// no longer exists. Retries cannot succeed, so it is terminal.
	ErrRecordMissing = errors.New("variant record missing")

	// ErrSourceUnavailable indicates the original asset could not be
	// fetched from the object store.
	ErrSourceUnavailable = errors.New("source object unavailable")

	// ErrRenderFailed indicates decoding, resizing, or re-encoding failed.
	ErrRenderFailed = errors.New("render failed")

	// ErrUploadFailed indicates the rendition could not be stored.
	ErrUploadFailed = errors.New("upload failed")

	// ErrStepTimeout indicates a pipeline step exceeded its wall-clock
	// budget and was abandoned.
	ErrStepTimeout = errors.New("step timed out")
)

// VariantError wraps an error with the image and operation it occurred in.
type VariantError struct {
	ImageID string
	Op      string
	Err     error
}

func (e *VariantError) Error() string {
	return fmt.Sprintf("variant operation %s failed for image %s: %v", e.Op, e.ImageID, e.Err)
}

func (e *VariantError) Unwrap() error {
	return e.Err
}

// StepError reports which worker pipeline step failed and how long it ran.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// StorageError wraps an object-store failure with its key and operation.
type StorageError struct {
	Key string
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed for key %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
