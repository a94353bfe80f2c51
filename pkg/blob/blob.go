// Package blob stores archive objects on the local filesystem or in an
// S3-compatible bucket.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// ErrNotFound is returned when a key has no object.
var ErrNotFound = errors.New("blob not found")

// Store is implemented by LocalStore and MinioStore.
type Store interface {
	// Put uploads content under key, replacing any existing object.
	Put(ctx context.Context, key string, r io.Reader) error

	// Get opens the object stored under key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// List returns the keys under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the object stored under key.
	Delete(ctx context.Context, key string) error
}

// cleanKey normalises a slash-separated key and rejects keys escaping the root.
func cleanKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("empty blob key")
	}
	cleaned := path.Clean("/" + strings.ReplaceAll(key, `\`, "/"))
	if cleaned == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return strings.TrimPrefix(cleaned, "/"), nil
}
