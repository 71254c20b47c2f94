// Package cached provides a file-based read cache for blob stores.
//
// Blob ids are never reused, so a cached copy never goes stale. Entries are
// dropped on Delete, when their TTL runs out, or never written when the
// cache is full.
package cached

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rbaliyan/mailstore/store"
)

// Store wraps a BlobStore with local file caching.
type Store struct {
	backend  store.BlobStore
	cacheDir string
	maxSize  int64 // Maximum cache size in bytes
	ttl      time.Duration
	logger   *slog.Logger

	mu        sync.RWMutex
	cacheSize int64

	stop     chan struct{}
	stopOnce sync.Once
}

var _ store.BlobStore = (*Store)(nil)

// New creates a new cached blob store wrapping the given backend.
func New(backend store.BlobStore, opts ...Option) (*Store, error) {
	o := newOptions(opts...)

	cacheDir := filepath.Join(o.dir, cacheSubdir)
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	s := &Store{
		backend:  backend,
		cacheDir: cacheDir,
		maxSize:  o.maxSize,
		ttl:      o.ttl,
		logger:   o.logger,
		stop:     make(chan struct{}),
	}
	s.calculateCacheSize()

	if o.ttl > 0 {
		go s.cleanupLoop()
	}
	return s, nil
}

// Save stores content in the backend. Caching happens on Read.
func (s *Store) Save(ctx context.Context, bucket, contentType string, content io.Reader) (store.BlobID, error) {
	return s.backend.Save(ctx, bucket, contentType, content)
}

// Read returns the content, from the cache when available.
func (s *Store) Read(ctx context.Context, bucket string, id store.BlobID) (io.ReadCloser, error) {
	cachePath := filepath.Join(s.cacheDir, cacheKey(bucket, id))

	if info, err := os.Stat(cachePath); err == nil {
		if s.ttl <= 0 || time.Since(info.ModTime()) < s.ttl {
			if f, err := os.Open(cachePath); err == nil {
				s.logger.Debug("cache hit", "bucket", bucket, "id", id)
				now := time.Now()
				_ = os.Chtimes(cachePath, now, now)
				return f, nil
			}
		} else if os.Remove(cachePath) == nil {
			s.updateCacheSize(-info.Size())
		}
	}

	s.logger.Debug("cache miss", "bucket", bucket, "id", id)
	reader, err := s.backend.Read(ctx, bucket, id)
	if err != nil {
		return nil, err
	}
	return s.cacheAndRead(reader, cachePath), nil
}

// Delete removes the content from the cache and the backend.
func (s *Store) Delete(ctx context.Context, bucket string, id store.BlobID) error {
	cachePath := filepath.Join(s.cacheDir, cacheKey(bucket, id))
	if info, err := os.Stat(cachePath); err == nil && os.Remove(cachePath) == nil {
		s.updateCacheSize(-info.Size())
	}
	return s.backend.Delete(ctx, bucket, id)
}

// Close stops the cleanup loop. Cached files are kept.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

// ClearCache removes all cached files.
func (s *Store) ClearCache() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.cacheDir)
	if err != nil {
		return fmt.Errorf("read cache dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			_ = os.Remove(filepath.Join(s.cacheDir, entry.Name()))
		}
	}

	s.cacheSize = 0
	s.logger.Info("cache cleared")
	return nil
}

// Size returns the bytes currently cached.
func (s *Store) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cacheSize
}

func cacheKey(bucket string, id store.BlobID) string {
	h := sha256.Sum256([]byte(bucket + "/" + string(id)))
	return hex.EncodeToString(h[:])
}

// cacheAndRead returns a reader that writes to the cache while reading.
func (s *Store) cacheAndRead(source io.ReadCloser, cachePath string) io.ReadCloser {
	tmpFile, err := os.CreateTemp(s.cacheDir, "tmp-*")
	if err != nil {
		s.logger.Warn("failed to create temp file for caching", "error", err)
		return source
	}
	return &cachingReader{source: source, tmpFile: tmpFile, cachePath: cachePath, store: s}
}

// cachingReader reads from source while writing to cache. Only a fully read
// blob is kept.
type cachingReader struct {
	source    io.ReadCloser
	tmpFile   *os.File
	cachePath string
	store     *Store
	size      int64
	complete  bool
	failed    bool
	closed    bool
}

func (r *cachingReader) Read(p []byte) (n int, err error) {
	n, err = r.source.Read(p)
	if n > 0 && !r.failed {
		if _, writeErr := r.tmpFile.Write(p[:n]); writeErr != nil {
			r.store.logger.Warn("failed to write to cache", "error", writeErr)
			r.failed = true
		}
		r.size += int64(n)
	}
	if err == io.EOF {
		r.complete = true
	}
	return n, err
}

func (r *cachingReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	sourceErr := r.source.Close()
	tmpName := r.tmpFile.Name()
	if err := r.tmpFile.Close(); err != nil || !r.complete || r.failed {
		_ = os.Remove(tmpName)
		return sourceErr
	}

	if !r.store.hasSpace(r.size) {
		_ = os.Remove(tmpName)
		r.store.logger.Debug("cache full, not caching", "size", r.size)
		return sourceErr
	}
	if err := os.Rename(tmpName, r.cachePath); err != nil {
		_ = os.Remove(tmpName)
		r.store.logger.Warn("failed to move temp file to cache", "error", err)
		return sourceErr
	}
	r.store.updateCacheSize(r.size)
	r.store.logger.Debug("cached blob", "path", r.cachePath, "size", r.size)
	return sourceErr
}

func (s *Store) hasSpace(size int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cacheSize+size <= s.maxSize
}

func (s *Store) updateCacheSize(delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheSize = max(s.cacheSize+delta, 0)
}

func (s *Store) calculateCacheSize() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var size int64
	if err := filepath.Walk(s.cacheDir, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			size += info.Size()
		}
		return nil
	}); err != nil {
		s.logger.Warn("failed to calculate cache size", "error", err)
	}
	s.cacheSize = size
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

func (s *Store) cleanupExpired() {
	entries, err := os.ReadDir(s.cacheDir)
	if err != nil {
		s.logger.Warn("failed to read cache dir for cleanup", "error", err)
		return
	}

	now := time.Now()
	var removed int
	var freedBytes int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || now.Sub(info.ModTime()) <= s.ttl {
			continue
		}
		if os.Remove(filepath.Join(s.cacheDir, entry.Name())) == nil {
			removed++
			freedBytes += info.Size()
		}
	}

	if removed > 0 {
		s.updateCacheSize(-freedBytes)
		s.logger.Info("cache cleanup completed", "removed", removed, "freed_bytes", freedBytes)
	}
}
