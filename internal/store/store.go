// Package store is the blob storage layer used to persist containers and grid
// dumps: the local filesystem, process memory, S3 and MinIO, selected by URL.
package store

import (
	"context"
	"os"
	"path"
	"strings"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when a blob does not exist. It maps to
// os.ErrNotExist so errors.Is works for every implementation.
var ErrNotFound = os.ErrNotExist

// Store holds immutable named blobs. Keys use forward slashes.
type Store interface {
	// Put writes a blob atomically, replacing any previous value.
	Put(ctx context.Context, key string, data []byte) error
	// Get returns the blob contents or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, key string) error
	// List returns the keys with the given prefix in sorted order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// cleanKey rejects keys that are empty or escape the store root.
func cleanKey(key string) (string, error) {
	key = strings.ReplaceAll(key, "\\", "/")
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", errors.Errorf("blob key %q escapes the store root", key)
		}
	}
	k := strings.TrimPrefix(path.Clean("/"+key), "/")
	if k == "" {
		return "", errors.Errorf("invalid blob key %q", key)
	}
	return k, nil
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return path.Join(prefix, key)
}
