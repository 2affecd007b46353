// Package blobstore stores image binaries keyed by their delivery filename.
package blobstore

import (
	"context"
	"errors"
)

// ErrNotFound indicates that no object exists under the requested key.
var ErrNotFound = errors.New("blobstore: object not found")

const defaultContentType = "application/octet-stream"

// Object is a stored blob together with its content type.
type Object struct {
	Key         string
	Data        []byte
	ContentType string
}

// Store is the object storage contract used by the batch service and the delivery gateway.
// Implementations must be safe for concurrent use.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Get returns ErrNotFound when the key is absent.
	Get(ctx context.Context, key string) (Object, error)
	// Delete removes the object; deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Check verifies that the backend is reachable.
	Check(ctx context.Context) error
}

func contentTypeOrDefault(contentType string) string {
	if contentType == "" {
		return defaultContentType
	}
	return contentType
}
