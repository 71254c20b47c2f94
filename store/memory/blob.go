package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/rbaliyan/mailstore/store"
)

type blob struct {
	contentType string
	data        []byte
}

// BlobStore implements store.BlobStore in memory.
type BlobStore struct {
	blobs sync.Map // map[bucket/id]blob
}

var _ store.BlobStore = (*BlobStore)(nil)

// NewBlobStore creates an in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{}
}

func blobKey(bucket string, id store.BlobID) string {
	return bucket + "/" + string(id)
}

// Save stores content under a fresh id.
func (b *BlobStore) Save(_ context.Context, bucket, contentType string, content io.Reader) (store.BlobID, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	id := store.BlobID(uuid.NewString())
	b.blobs.Store(blobKey(bucket, id), blob{contentType: contentType, data: data})
	return id, nil
}

// Read returns the content, ErrNotFound if absent.
func (b *BlobStore) Read(_ context.Context, bucket string, id store.BlobID) (io.ReadCloser, error) {
	v, ok := b.blobs.Load(blobKey(bucket, id))
	if !ok {
		return nil, store.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(v.(blob).data)), nil
}

// Delete removes the content.
func (b *BlobStore) Delete(_ context.Context, bucket string, id store.BlobID) error {
	b.blobs.Delete(blobKey(bucket, id))
	return nil
}

// Len returns the number of stored blobs.
func (b *BlobStore) Len() int {
	n := 0
	b.blobs.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
