package nats

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/mailstore/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKV mimics bucket revision semantics in memory.
type fakeKV struct {
	mu      sync.Mutex
	entries map[string]fakeEntry
	seq     uint64
	// conflicts forces the next n writes to fail with errConflict.
	conflicts int
}

type fakeEntry struct {
	value []byte
	rev   uint64
}

func newFakeKV() *fakeKV { return &fakeKV{entries: make(map[string]fakeEntry)} }

func (f *fakeKV) get(_ context.Context, key string) ([]byte, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key]
	if !ok {
		return nil, 0, errNotFound
	}
	return e.value, e.rev, nil
}

func (f *fakeKV) conflict() bool {
	if f.conflicts > 0 {
		f.conflicts--
		return true
	}
	return false
}

func (f *fakeKV) create(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[key]; ok || f.conflict() {
		return errConflict
	}
	f.seq++
	f.entries[key] = fakeEntry{value: value, rev: f.seq}
	return nil
}

func (f *fakeKV) update(_ context.Context, key string, value []byte, rev uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.entries[key]; !ok || e.rev != rev || f.conflict() {
		return errConflict
	}
	f.seq++
	f.entries[key] = fakeEntry{value: value, rev: f.seq}
	return nil
}

func (f *fakeKV) remove(_ context.Context, key string, rev uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.entries[key]; !ok || e.rev != rev || f.conflict() {
		return errConflict
	}
	delete(f.entries, key)
	return nil
}

func (f *fakeKV) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func TestExclusiveAndShared(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	l := newLocker(kv, WithWaitTimeout(50*time.Millisecond))

	r1, err := l.Acquire(ctx, "#private:bob:work", lock.Shared)
	require.NoError(t, err)
	r2, err := l.Acquire(ctx, "#private:bob:work", lock.Shared)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "#private:bob:work", lock.Exclusive)
	assert.ErrorIs(t, err, lock.ErrNotAcquired)

	require.NoError(t, r1.Release(ctx))
	require.NoError(t, r2.Release(ctx))
	assert.Equal(t, 0, kv.len(), "empty records are removed")

	w, err := l.Acquire(ctx, "#private:bob:work", lock.Exclusive)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "#private:bob:work", lock.Shared)
	assert.ErrorIs(t, err, lock.ErrNotAcquired)
	require.NoError(t, w.Release(ctx))
}

func TestConflictIsRetried(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	kv.conflicts = 2
	l := newLocker(kv, WithWaitTimeout(time.Second))

	lease, err := l.Acquire(ctx, "k", lock.Exclusive)
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
}

func TestExpiredHolderIsPruned(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	now := time.Now()
	clock := func() time.Time { return now }
	l := newLocker(kv, WithTTL(time.Second), WithWaitTimeout(50*time.Millisecond))
	l.opts.now = clock

	stale, err := l.Acquire(ctx, "k", lock.Exclusive)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	fresh, err := l.Acquire(ctx, "k", lock.Exclusive)
	require.NoError(t, err)

	assert.ErrorIs(t, stale.Release(ctx), lock.ErrLockLost)
	require.NoError(t, fresh.Release(ctx))
}

func TestConcurrentWritersNeverOverlap(t *testing.T) {
	ctx := context.Background()
	l := newLocker(newFakeKV(), WithWaitTimeout(5*time.Second))

	var (
		mu      sync.Mutex
		holders int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := lock.Do(ctx, l, "k", lock.Exclusive, func(context.Context) error {
				mu.Lock()
				holders++
				maxSeen = max(maxSeen, holders)
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				holders--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestKVKeyAlphabet(t *testing.T) {
	k := kvKey("#private:bob@example.com:a b")
	assert.Regexp(t, `^[-/_=.a-zA-Z0-9]+$`, k)
}
