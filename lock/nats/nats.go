// Package nats provides a distributed lock.Locker backed by a NATS JetStream
// key-value bucket.
//
// Each lock key holds one msgpack record with the exclusive holder and the
// shared holders, each with an expiry. Every transition is a compare-and-set
// on the entry revision, so concurrent lockers never both win. Expired
// holders are pruned by the next acquisition.
package nats

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rbaliyan/mailstore/lock"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	errNotFound = errors.New("nats: key not found")
	errConflict = errors.New("nats: revision conflict")
)

// kvStore is the subset of a bucket the locker uses.
type kvStore interface {
	get(ctx context.Context, key string) (value []byte, rev uint64, err error)
	create(ctx context.Context, key string, value []byte) error
	update(ctx context.Context, key string, value []byte, rev uint64) error
	remove(ctx context.Context, key string, rev uint64) error
}

// bucket adapts a jetstream.KeyValue.
type bucket struct {
	kv jetstream.KeyValue
}

func (b bucket) get(ctx context.Context, key string) ([]byte, uint64, error) {
	entry, err := b.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, errNotFound
		}
		return nil, 0, err
	}
	return entry.Value(), entry.Revision(), nil
}

func (b bucket) create(ctx context.Context, key string, value []byte) error {
	_, err := b.kv.Create(ctx, key, value)
	return mapWriteErr(err)
}

func (b bucket) update(ctx context.Context, key string, value []byte, rev uint64) error {
	_, err := b.kv.Update(ctx, key, value, rev)
	return mapWriteErr(err)
}

func (b bucket) remove(ctx context.Context, key string, rev uint64) error {
	return mapWriteErr(b.kv.Delete(ctx, key, jetstream.LastRevision(rev)))
}

func mapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, jetstream.ErrKeyExists) {
		return errConflict
	}
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
		return errConflict
	}
	return err
}

// record is the stored state of one lock.
type record struct {
	Writer       string           `msgpack:"w,omitempty"`
	WriterExpiry int64            `msgpack:"we,omitempty"`
	Readers      map[string]int64 `msgpack:"r,omitempty"`
}

func (r *record) prune(now int64) {
	if r.Writer != "" && r.WriterExpiry <= now {
		r.Writer, r.WriterExpiry = "", 0
	}
	for token, exp := range r.Readers {
		if exp <= now {
			delete(r.Readers, token)
		}
	}
}

func (r *record) take(mode lock.Mode, token string, expiry int64) bool {
	if r.Writer != "" {
		return false
	}
	if mode == lock.Exclusive {
		if len(r.Readers) > 0 {
			return false
		}
		r.Writer, r.WriterExpiry = token, expiry
		return true
	}
	if r.Readers == nil {
		r.Readers = make(map[string]int64)
	}
	r.Readers[token] = expiry
	return true
}

func (r *record) drop(token string) bool {
	if r.Writer == token {
		r.Writer, r.WriterExpiry = "", 0
		return true
	}
	if _, ok := r.Readers[token]; ok {
		delete(r.Readers, token)
		return true
	}
	return false
}

func (r *record) empty() bool { return r.Writer == "" && len(r.Readers) == 0 }

type options struct {
	ttl         time.Duration
	waitTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures the NATS locker.
type Option func(*options)

// WithTTL sets how long a lease survives without being released.
func WithTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// WithWaitTimeout sets how long Acquire waits for a busy lock.
func WithWaitTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.waitTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Locker is a JetStream KV lock.Locker.
type Locker struct {
	kv   kvStore
	opts options
}

// New creates a locker on an existing bucket.
func New(kv jetstream.KeyValue, opts ...Option) *Locker {
	return newLocker(bucket{kv: kv}, opts...)
}

func newLocker(kv kvStore, opts ...Option) *Locker {
	o := options{
		ttl:         lock.DefaultTTL,
		waitTimeout: lock.DefaultWaitTimeout,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Locker{kv: kv, opts: o}
}

// kvKey encodes key into the KV key alphabet ([-/_=.a-zA-Z0-9]).
func kvKey(key string) string {
	return "lock." + base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (l *Locker) load(ctx context.Context, key string) (*record, uint64, error) {
	raw, rev, err := l.kv.get(ctx, key)
	if errors.Is(err, errNotFound) {
		return &record{}, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	var rec record
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return nil, 0, fmt.Errorf("lock: decode record %s: %w", key, err)
	}
	return &rec, rev, nil
}

func (l *Locker) store(ctx context.Context, key string, rec *record, rev uint64) error {
	if rec.empty() {
		if rev == 0 {
			return nil
		}
		return l.kv.remove(ctx, key, rev)
	}
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("lock: encode record %s: %w", key, err)
	}
	if rev == 0 {
		return l.kv.create(ctx, key, data)
	}
	return l.kv.update(ctx, key, data, rev)
}

// Acquire polls until the lock is held, ctx ends or the wait timeout elapses.
func (l *Locker) Acquire(ctx context.Context, key string, mode lock.Mode) (lock.Lease, error) {
	ctx, cancel := context.WithTimeout(ctx, l.opts.waitTimeout)
	defer cancel()

	k := kvKey(key)
	token := uuid.NewString()
	for attempt := 0; ; attempt++ {
		rec, rev, err := l.load(ctx, k)
		if err != nil {
			return nil, l.acquireErr(ctx, key, err)
		}
		now := l.opts.now()
		rec.prune(now.UnixMilli())
		if rec.take(mode, token, now.Add(l.opts.ttl).UnixMilli()) {
			err = l.store(ctx, k, rec, rev)
			if err == nil {
				l.opts.logger.DebugContext(ctx, "lock acquired", "key", key, "mode", mode.String(), "attempts", attempt+1)
				return &lease{l: l, key: k, token: token}, nil
			}
			if !errors.Is(err, errConflict) {
				return nil, l.acquireErr(ctx, key, err)
			}
		}
		if err := lock.Wait(ctx, lock.Backoff(attempt)); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", lock.ErrNotAcquired, key, err)
		}
	}
}

func (l *Locker) acquireErr(ctx context.Context, key string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s: %w", lock.ErrNotAcquired, key, ctx.Err())
	}
	return fmt.Errorf("lock: nats acquire %s: %w", key, err)
}

type lease struct {
	l        *Locker
	key      string
	token    string
	released bool
}

// Release removes the holder, retrying on concurrent updates of the record.
func (le *lease) Release(ctx context.Context) error {
	if le.released {
		return nil
	}
	for attempt := 0; ; attempt++ {
		rec, rev, err := le.l.load(ctx, le.key)
		if err != nil {
			return fmt.Errorf("lock: nats release: %w", err)
		}
		if !rec.drop(le.token) {
			le.released = true
			return lock.ErrLockLost
		}
		rec.prune(le.l.opts.now().UnixMilli())
		err = le.l.store(ctx, le.key, rec, rev)
		if err == nil {
			le.released = true
			return nil
		}
		if !errors.Is(err, errConflict) {
			return fmt.Errorf("lock: nats release: %w", err)
		}
		if err := lock.Wait(ctx, lock.Backoff(attempt)); err != nil {
			return fmt.Errorf("lock: nats release: %w", err)
		}
	}
}
