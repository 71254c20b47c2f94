package cached

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/rbaliyan/mailstore/store"
	"github.com/rbaliyan/mailstore/store/memory"
)

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(b)
}

func TestReadThroughCache(t *testing.T) {
	ctx := context.Background()
	backend := memory.NewBlobStore()
	s, err := New(backend, WithCacheDir(t.TempDir()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	id, err := s.Save(ctx, store.BucketMessages, "text/plain", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	rc, err := s.Read(ctx, store.BucketMessages, id)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := readAll(t, rc); got != "hello" {
		t.Fatalf("got %q", got)
	}
	if s.Size() != 5 {
		t.Fatalf("cache size = %d, want 5", s.Size())
	}

	// Served from the cache once the backend copy is gone.
	if err := backend.Delete(ctx, store.BucketMessages, id); err != nil {
		t.Fatal(err)
	}
	rc, err = s.Read(ctx, store.BucketMessages, id)
	if err != nil {
		t.Fatalf("cached Read: %v", err)
	}
	if got := readAll(t, rc); got != "hello" {
		t.Fatalf("cached got %q", got)
	}
}

func TestDeleteDropsCacheEntry(t *testing.T) {
	ctx := context.Background()
	s, err := New(memory.NewBlobStore(), WithCacheDir(t.TempDir()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	id, _ := s.Save(ctx, store.BucketAttachments, "application/pdf", strings.NewReader("pdf"))
	rc, err := s.Read(ctx, store.BucketAttachments, id)
	if err != nil {
		t.Fatal(err)
	}
	readAll(t, rc)

	if err := s.Delete(ctx, store.BucketAttachments, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.Size() != 0 {
		t.Fatalf("cache size = %d after delete", s.Size())
	}
	if _, err := s.Read(ctx, store.BucketAttachments, id); !store.IsNotFound(err) {
		t.Fatalf("Read after delete: %v, want not found", err)
	}
	if err := s.Delete(ctx, store.BucketAttachments, id); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestPartialReadIsNotCached(t *testing.T) {
	ctx := context.Background()
	s, err := New(memory.NewBlobStore(), WithCacheDir(t.TempDir()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	id, _ := s.Save(ctx, store.BucketMessages, "text/plain", strings.NewReader("0123456789"))
	rc, err := s.Read(ctx, store.BucketMessages, id)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 3)
	if _, err := rc.Read(buf); err != nil {
		t.Fatal(err)
	}
	rc.Close()
	if s.Size() != 0 {
		t.Fatalf("partial read cached %d bytes", s.Size())
	}
}

func TestCacheFull(t *testing.T) {
	ctx := context.Background()
	s, err := New(memory.NewBlobStore(), WithCacheDir(t.TempDir()), WithMaxSize(4))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	id, _ := s.Save(ctx, store.BucketMessages, "text/plain", strings.NewReader("too large"))
	rc, err := s.Read(ctx, store.BucketMessages, id)
	if err != nil {
		t.Fatal(err)
	}
	readAll(t, rc)
	if s.Size() != 0 {
		t.Fatalf("oversized blob cached")
	}
}
