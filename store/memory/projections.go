package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/rbaliyan/mailstore/store"
)

type counterMapper struct {
	s      *Store
	mu     sync.Mutex
	values map[store.MailboxID]store.MailboxCounters
}

func newCounterMapper(s *Store) *counterMapper {
	return &counterMapper{s: s, values: make(map[store.MailboxID]store.MailboxCounters)}
}

func (m *counterMapper) Get(_ context.Context, id store.MailboxID) (store.MailboxCounters, error) {
	if err := m.s.checkConnected(); err != nil {
		return store.MailboxCounters{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.values[id]
	c.MailboxID = id
	return c, nil
}

func (m *counterMapper) Increment(_ context.Context, id store.MailboxID, count, unseen int64) error {
	if err := m.s.checkConnected(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.values[id]
	c.Count += count
	c.Unseen += unseen
	m.values[id] = c
	return nil
}

func (m *counterMapper) Delete(_ context.Context, id store.MailboxID) error {
	if err := m.s.checkConnected(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, id)
	return nil
}

type applicableFlagMapper struct {
	s        *Store
	mu       sync.Mutex
	keywords map[store.MailboxID][]string
}

func newApplicableFlagMapper(s *Store) *applicableFlagMapper {
	return &applicableFlagMapper{s: s, keywords: make(map[store.MailboxID][]string)}
}

// Get returns the system flags plus every keyword used in the mailbox.
func (m *applicableFlagMapper) Get(_ context.Context, id store.MailboxID) (store.Flags, error) {
	if err := m.s.checkConnected(); err != nil {
		return store.Flags{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f := store.NewFlags(m.keywords[id]...)
	f.System = store.FlagAnswered | store.FlagDeleted | store.FlagDraft | store.FlagFlagged | store.FlagSeen
	return f, nil
}

func (m *applicableFlagMapper) Add(_ context.Context, id store.MailboxID, keywords []string) error {
	if err := m.s.checkConnected(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.keywords[id]
	for _, kw := range keywords {
		if !slices.Contains(cur, kw) {
			cur = append(cur, kw)
		}
	}
	m.keywords[id] = cur
	return nil
}

func (m *applicableFlagMapper) Delete(_ context.Context, id store.MailboxID) error {
	if err := m.s.checkConnected(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keywords, id)
	return nil
}

// uidSetMapper backs the first-unseen, deleted-marker and recent sets.
type uidSetMapper struct {
	s    *Store
	mu   sync.Mutex
	sets map[store.MailboxID]map[store.UID]struct{}
}

func newUIDSetMapper(s *Store) *uidSetMapper {
	return &uidSetMapper{s: s, sets: make(map[store.MailboxID]map[store.UID]struct{})}
}

func (m *uidSetMapper) Add(_ context.Context, id store.MailboxID, uid store.UID) error {
	if err := m.s.checkConnected(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[id]
	if !ok {
		set = make(map[store.UID]struct{})
		m.sets[id] = set
	}
	set[uid] = struct{}{}
	return nil
}

func (m *uidSetMapper) Remove(_ context.Context, id store.MailboxID, uid store.UID) error {
	if err := m.s.checkConnected(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.sets[id]; ok {
		delete(set, uid)
		if len(set) == 0 {
			delete(m.sets, id)
		}
	}
	return nil
}

func (m *uidSetMapper) List(_ context.Context, id store.MailboxID) ([]store.UID, error) {
	if err := m.s.checkConnected(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.UID, 0, len(m.sets[id]))
	for uid := range m.sets[id] {
		out = append(out, uid)
	}
	slices.Sort(out)
	return out, nil
}

func (m *uidSetMapper) First(ctx context.Context, id store.MailboxID) (store.UID, error) {
	uids, err := m.List(ctx, id)
	if err != nil {
		return 0, err
	}
	if len(uids) == 0 {
		return 0, store.ErrNotFound
	}
	return uids[0], nil
}

func (m *uidSetMapper) RemoveAll(_ context.Context, id store.MailboxID) error {
	if err := m.s.checkConnected(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sets, id)
	return nil
}
