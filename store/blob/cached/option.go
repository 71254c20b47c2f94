package cached

import (
	"log/slog"
	"os"
	"time"
)

// Cache defaults. Message blobs are immutable, so the TTL only bounds disk
// usage for content nobody reads any more.
const (
	DefaultMaxSize = 1 << 30 // bytes
	DefaultTTL     = 24 * time.Hour

	// cacheSubdir is created below the configured directory.
	cacheSubdir = "mailstore-blobs"
)

type options struct {
	dir     string
	maxSize int64
	ttl     time.Duration
	logger  *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		dir:     os.TempDir(),
		maxSize: DefaultMaxSize,
		ttl:     DefaultTTL,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures the cache.
type Option func(*options)

// WithCacheDir sets the parent directory of the cache. Defaults to the
// system temp directory.
func WithCacheDir(dir string) Option {
	return func(o *options) {
		if dir != "" {
			o.dir = dir
		}
	}
}

// WithMaxSize bounds the cache on disk. A full cache serves reads from the
// backend without keeping a copy.
func WithMaxSize(size int64) Option {
	return func(o *options) {
		if size > 0 {
			o.maxSize = size
		}
	}
}

// WithTTL sets how long an unread copy is kept. 0 keeps copies until Delete.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl >= 0 {
			o.ttl = ttl
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
