// Package storage defines the Backend interface for the flat object store
// that holds every tenant's files and directory markers.
package storage

import (
	"context"
	"io"
	"io/fs"
	"strings"
	"time"
)

// ErrNotExist is returned (possibly wrapped) when a key has no object.
// It is fs.ErrNotExist so filesystem-backed implementations match it
// without translation.
var ErrNotExist = fs.ErrNotExist

// ObjectInfo describes one entry of a listing or a stat call.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// IsDir reports whether the entry is a directory marker or a common prefix.
func (o ObjectInfo) IsDir() bool {
	return strings.HasSuffix(o.Key, "/")
}

// Backend is the interface for object storage backends.
// Keys are flat strings; a key ending in "/" is a zero-byte directory marker.
type Backend interface {
	// PutObject stores size bytes read from body under key, replacing any
	// existing object.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// GetObject opens the object stored under key. Returns ErrNotExist if
	// there is none.
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)

	// StatObject returns metadata for key. Returns ErrNotExist if there is none.
	StatObject(ctx context.Context, key string) (ObjectInfo, error)

	// ListObjects returns the entries whose key starts with prefix, sorted
	// by key. Non-recursive listings stop at the next "/" after prefix and
	// report each child directory once as "<prefix><name>/".
	ListObjects(ctx context.Context, prefix string, recursive bool) ([]ObjectInfo, error)

	// CopyObject copies srcKey to dstKey server-side.
	CopyObject(ctx context.Context, srcKey, dstKey string) error

	// RemoveObject deletes key. Removing a missing key is not an error.
	RemoveObject(ctx context.Context, key string) error

	// EnsureBucket creates the backing bucket or root when missing.
	EnsureBucket(ctx context.Context) error

	// Type returns the backend type identifier ("s3", "minio", "local", "memory").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
