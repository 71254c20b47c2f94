package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/rbaliyan/mailstore/store"
)

type mailboxMapper struct {
	s      *Store
	mu     sync.RWMutex
	byID   map[store.MailboxID]*store.Mailbox
	byPath map[store.MailboxPath]store.MailboxID
}

func newMailboxMapper(s *Store) *mailboxMapper {
	return &mailboxMapper{
		s:      s,
		byID:   make(map[store.MailboxID]*store.Mailbox),
		byPath: make(map[store.MailboxPath]store.MailboxID),
	}
}

func (m *mailboxMapper) Create(_ context.Context, path store.MailboxPath, uv store.UidValidity) (*store.Mailbox, error) {
	if err := m.s.checkConnected(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byPath[path]; ok {
		return nil, store.ErrMailboxExists
	}
	mb := &store.Mailbox{ID: store.NewMailboxID(), Path: path, UidValidity: uv}
	m.byID[mb.ID] = mb
	m.byPath[path] = mb.ID
	return mb.Clone(), nil
}

func (m *mailboxMapper) Rename(_ context.Context, id store.MailboxID, to store.MailboxPath) (*store.Mailbox, error) {
	if err := m.s.checkConnected(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	mb, ok := m.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if _, taken := m.byPath[to]; taken {
		return nil, store.ErrMailboxExists
	}
	delete(m.byPath, mb.Path)
	mb.Path = to
	m.byPath[to] = id
	return mb.Clone(), nil
}

func (m *mailboxMapper) Delete(_ context.Context, id store.MailboxID) error {
	if err := m.s.checkConnected(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if mb, ok := m.byID[id]; ok {
		delete(m.byPath, mb.Path)
		delete(m.byID, id)
	}
	return nil
}

func (m *mailboxMapper) FindByPath(_ context.Context, path store.MailboxPath) (*store.Mailbox, error) {
	if err := m.s.checkConnected(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byPath[path]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m.byID[id].Clone(), nil
}

func (m *mailboxMapper) FindByID(_ context.Context, id store.MailboxID) (*store.Mailbox, error) {
	if err := m.s.checkConnected(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	mb, ok := m.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return mb.Clone(), nil
}

func (m *mailboxMapper) Find(_ context.Context, q store.MailboxQuery) ([]*store.Mailbox, error) {
	if err := m.s.checkConnected(); err != nil {
		return nil, err
	}
	return m.collect(q.Matches), nil
}

func (m *mailboxMapper) HasChildren(_ context.Context, path store.MailboxPath, delim rune) (bool, error) {
	if err := m.s.checkConnected(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for p := range m.byPath {
		if p.IsDescendantOf(path, delim) {
			return true, nil
		}
	}
	return false, nil
}

func (m *mailboxMapper) List(_ context.Context) ([]*store.Mailbox, error) {
	if err := m.s.checkConnected(); err != nil {
		return nil, err
	}
	return m.collect(func(store.MailboxPath) bool { return true }), nil
}

func (m *mailboxMapper) collect(keep func(store.MailboxPath) bool) []*store.Mailbox {
	m.mu.RLock()
	out := make([]*store.Mailbox, 0)
	for _, mb := range m.byID {
		if keep(mb.Path) {
			out = append(out, mb.Clone())
		}
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b *store.Mailbox) int { return a.Path.Compare(b.Path) })
	return out
}
