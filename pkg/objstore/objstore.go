package objstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when an object key does not exist.
var ErrNotFound = errors.New("objstore: object not found")

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key            string
	Size           int64
	LastModifiedMS int64
}

// Store is the object storage used by the archiver, snapshotter, and
// restore tool. Keys are flat strings; "directories" exist only as
// key prefixes. Objects are immutable once written.
type Store interface {
	// Put writes an object, replacing any existing object at key.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Get returns the full object body.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns all objects under a key prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Delete removes an object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether the key holds an object.
	Exists(ctx context.Context, key string) (bool, error)
}
