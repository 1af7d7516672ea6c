package object

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a storage key has no object.
var ErrNotFound = errors.New("object not found")

// ObjectStore defines the contract for saving and retrieving binary objects by key.
type ObjectStore interface {
	Open(ctx context.Context, storageKey string) (io.ReadCloser, error)
	Put(ctx context.Context, storageKey string, contentType string, r io.Reader) (int64, error)
}
