// Package artifact provides the write-once, read-many blob store bridging the
// build pipeline and the jobs that consume its output. Keys are run
// identities; an object is immutable once published and safe for concurrent
// reads by any number of jobs.
package artifact

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by Get and Stat for keys that were never published.
var ErrNotFound = errors.New("artifact not found")

// ErrAlreadyExists is returned by Put when the key has already been
// published. Artifacts are immutable; a second publish under the same key is
// a caller bug, not an overwrite.
var ErrAlreadyExists = errors.New("artifact already exists")

// Info describes a stored artifact.
type Info struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store abstracts key-addressed blob storage.
type Store interface {
	// Put publishes an immutable blob under key. size may be -1 when unknown.
	Put(ctx context.Context, key string, body io.Reader, size int64) error
	// Get returns a reader over the blob. The caller owns closing it.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Stat reports metadata without fetching the blob.
	Stat(ctx context.Context, key string) (Info, error)
}
