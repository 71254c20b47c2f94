package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/rbaliyan/mailstore/store"
)

type threadKey struct {
	user string
	hash int32
}

type threadDAO struct {
	s    *Store
	mu   sync.RWMutex
	rows map[threadKey][]store.ThreadRow
}

func newThreadDAO(s *Store) *threadDAO {
	return &threadDAO{s: s, rows: make(map[threadKey][]store.ThreadRow)}
}

func (d *threadDAO) InsertSome(_ context.Context, user string, hashes []int32, mid store.MessageID, tid store.ThreadID, subjectHash *int32) error {
	if err := d.s.checkConnected(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, h := range hashes {
		row := store.ThreadRow{Hash: h, MessageID: mid, ThreadID: tid}
		if subjectHash != nil {
			v := *subjectHash
			row.SubjectHash = &v
		}
		k := threadKey{user: user, hash: h}
		rows := slices.DeleteFunc(d.rows[k], func(r store.ThreadRow) bool { return r.MessageID == mid })
		d.rows[k] = append(rows, row)
	}
	return nil
}

func (d *threadDAO) SelectSome(_ context.Context, user string, hashes []int32) ([]store.ThreadRow, error) {
	if err := d.s.checkConnected(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []store.ThreadRow
	for _, h := range hashes {
		out = append(out, d.rows[threadKey{user: user, hash: h}]...)
	}
	return out, nil
}

func (d *threadDAO) DeleteSome(_ context.Context, user string, hashes []int32, mid store.MessageID) error {
	if err := d.s.checkConnected(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, h := range hashes {
		k := threadKey{user: user, hash: h}
		rows := slices.DeleteFunc(d.rows[k], func(r store.ThreadRow) bool { return r.MessageID == mid })
		if len(rows) == 0 {
			delete(d.rows, k)
		} else {
			d.rows[k] = rows
		}
	}
	return nil
}

type threadLookupDAO struct {
	s       *Store
	mu      sync.RWMutex
	entries map[store.ThreadID]map[store.MessageID]store.ThreadLookupEntry
}

func newThreadLookupDAO(s *Store) *threadLookupDAO {
	return &threadLookupDAO{s: s, entries: make(map[store.ThreadID]map[store.MessageID]store.ThreadLookupEntry)}
}

func (d *threadLookupDAO) Insert(_ context.Context, e store.ThreadLookupEntry) error {
	if err := d.s.checkConnected(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	members, ok := d.entries[e.ThreadID]
	if !ok {
		members = make(map[store.MessageID]store.ThreadLookupEntry)
		d.entries[e.ThreadID] = members
	}
	members[e.MessageID] = e.Clone()
	return nil
}

func (d *threadLookupDAO) SelectOne(_ context.Context, tid store.ThreadID, mid store.MessageID) (store.ThreadLookupEntry, error) {
	if err := d.s.checkConnected(); err != nil {
		return store.ThreadLookupEntry{}, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[tid][mid]
	if !ok {
		return store.ThreadLookupEntry{}, store.ErrNotFound
	}
	return e.Clone(), nil
}

func (d *threadLookupDAO) SelectAll(_ context.Context, tid store.ThreadID) ([]store.MessageID, error) {
	if err := d.s.checkConnected(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]store.MessageID, 0, len(d.entries[tid]))
	for mid := range d.entries[tid] {
		out = append(out, mid)
	}
	slices.Sort(out)
	return out, nil
}

func (d *threadLookupDAO) DeleteOne(_ context.Context, tid store.ThreadID, mid store.MessageID) error {
	if err := d.s.checkConnected(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if members, ok := d.entries[tid]; ok {
		delete(members, mid)
		if len(members) == 0 {
			delete(d.entries, tid)
		}
	}
	return nil
}
