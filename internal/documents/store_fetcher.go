package documents

import (
	"context"
	"fmt"
	"io"

	"caseanalysis-backend/internal/shared/storage/object"
)

// maxDocumentBytes bounds a single document read.
const maxDocumentBytes = 200 << 20

// StoreFetcher reads documents from the object store.
type StoreFetcher struct {
	Store object.ObjectStore
}

// NewStoreFetcher wraps an object store.
func NewStoreFetcher(store object.ObjectStore) *StoreFetcher {
	return &StoreFetcher{Store: store}
}

// Fetch implements Fetcher.
func (f *StoreFetcher) Fetch(ctx context.Context, sourceLocator string, documentID string, _ Credentials) ([]byte, error) {
	key, err := storageKey(sourceLocator)
	if err != nil {
		return nil, err
	}
	body, err := f.Store.Open(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("fetch document %s key=%s: %w", documentID, key, err)
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, maxDocumentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("fetch document %s key=%s: read: %w", documentID, key, err)
	}
	if len(data) > maxDocumentBytes {
		return nil, fmt.Errorf("fetch document %s: exceeds %d bytes", documentID, maxDocumentBytes)
	}
	return data, nil
}
