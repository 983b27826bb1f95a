// Package objstore abstracts the remote object store backing a timeline's
// durable layer files and index manifest. The interface shape --
// list/upload/download/delete/copy plus an ETag/mtime carrying Download
// result -- lets a single backend-agnostic client drive S3, Azure, or a
// local-disk stand-in interchangeably, the same collaborator-interface
// style used elsewhere in this codebase for pluggable backends.
package objstore

import (
	"context"
	"io"
	"time"
)

// ErrNotFound is returned by Get/Head when the object does not exist.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "objstore: object not found" }

// Attrs carries the bookkeeping fields callers need without reading the
// body: ETag for optimistic concurrency, ModTime for time-travel recovery.
type Attrs struct {
	ETag    string
	ModTime time.Time
	Size    int64
}

// ListEntry is one object returned by List.
type ListEntry struct {
	Key   string
	Attrs Attrs
}

// Store is the common capability set every backend (S3, Azure, local
// disk) implements. Paths are slash-separated keys relative to the
// store's configured prefix, laid out as
// <tenant_id>/<timeline_id>/<layer_or_index_name>.
type Store interface {
	// Get returns the full object body. Caller must Close the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, Attrs, error)
	// Put uploads data, replacing any existing object at key.
	Put(ctx context.Context, key string, data io.Reader, size int64) error
	// PutIfAbsent uploads only if key does not already exist; if it does
	// and its content differs from data, returns ErrConflict.
	PutIfAbsent(ctx context.Context, key string, data []byte) error
	Head(ctx context.Context, key string) (Attrs, error)
	Delete(ctx context.Context, key string) error
	// DeleteAll removes every listed key; backends that support bulk
	// delete should use it, others fall back to looping.
	DeleteAll(ctx context.Context, keys []string) error
	// List returns every object whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]ListEntry, error)
	// Copy duplicates an object server-side where supported.
	Copy(ctx context.Context, srcKey, dstKey string) error
}

// ErrConflict is returned by PutIfAbsent when the existing object's
// content differs from what the caller intended to write.
type ErrConflict struct{ Key string }

func (e *ErrConflict) Error() string {
	return "objstore: " + e.Key + " exists with different content"
}
