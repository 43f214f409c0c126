// Package simplevariant provides an on-demand image-variant service over an
// object store: a write-through rendition cache keyed by
// (imageID, width, height, format).
//
// The read path (Service.ResolveVariant) decides whether to serve a cached
// rendition, serve the original while rendering is in flight, or admit a new
// background resize job. The write path (worker.Worker) consumes resize jobs
// from a durable queue, drives each variant record through its lifecycle
// (queued -> processing -> ready|failed), and applies a bounded requeue
// policy on terminal failure.
//
// Repositories (memory, MongoDB, Postgres), blob stores (memory, S3), and
// queues (memory, Redis Streams) are pluggable via the Repository, BlobStore,
// and Queue interfaces; implementations live under subpackages. Correctness
// under concurrency rests on the repository's unique index over the variant
// quadruple and on conditional updates, not on application-level locks.
package simplevariant
