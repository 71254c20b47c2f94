package memory

import (
	"context"
	"sync"

	"github.com/rbaliyan/mailstore/acl"
	"github.com/rbaliyan/mailstore/store"
)

type aclMapper struct {
	s    *Store
	mu   sync.Mutex
	acls map[store.MailboxID]acl.ACL
}

func newACLMapper(s *Store) *aclMapper {
	return &aclMapper{s: s, acls: make(map[store.MailboxID]acl.ACL)}
}

func (m *aclMapper) Get(_ context.Context, id store.MailboxID) (acl.ACL, error) {
	if err := m.s.checkConnected(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acls[id].Clone(), nil
}

func (m *aclMapper) Set(_ context.Context, id store.MailboxID, a acl.ACL) (acl.Diff, error) {
	if err := m.s.checkConnected(); err != nil {
		return acl.Diff{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replace(id, a.Clone()), nil
}

func (m *aclMapper) Update(_ context.Context, id store.MailboxID, cmd acl.Command) (acl.Diff, error) {
	if err := m.s.checkConnected(); err != nil {
		return acl.Diff{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replace(id, m.acls[id].Apply(cmd)), nil
}

// replace must be called with m.mu held.
func (m *aclMapper) replace(id store.MailboxID, next acl.ACL) acl.Diff {
	prev := m.acls[id]
	if next.IsEmpty() {
		delete(m.acls, id)
	} else {
		m.acls[id] = next
	}
	return acl.ComputeDiff(prev.Clone(), next.Clone())
}

func (m *aclMapper) Delete(_ context.Context, id store.MailboxID) error {
	if err := m.s.checkConnected(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.acls, id)
	return nil
}

type userRightsMapper struct {
	s     *Store
	mu    sync.RWMutex
	index map[acl.EntryKey]map[store.MailboxID]acl.Rights
}

func newUserRightsMapper(s *Store) *userRightsMapper {
	return &userRightsMapper{s: s, index: make(map[acl.EntryKey]map[store.MailboxID]acl.Rights)}
}

func (m *userRightsMapper) Apply(_ context.Context, id store.MailboxID, diff acl.Diff) error {
	if err := m.s.checkConnected(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range diff.Changes() {
		if c.Key.Negative {
			continue
		}
		switch c.Type {
		case acl.ChangeRemoved:
			if byMailbox, ok := m.index[c.Key]; ok {
				delete(byMailbox, id)
				if len(byMailbox) == 0 {
					delete(m.index, c.Key)
				}
			}
		default:
			byMailbox, ok := m.index[c.Key]
			if !ok {
				byMailbox = make(map[store.MailboxID]acl.Rights)
				m.index[c.Key] = byMailbox
			}
			byMailbox[id] = c.New
		}
	}
	return nil
}

func (m *userRightsMapper) List(_ context.Context, key acl.EntryKey) (map[store.MailboxID]acl.Rights, error) {
	if err := m.s.checkConnected(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[store.MailboxID]acl.Rights, len(m.index[key]))
	for id, r := range m.index[key] {
		out[id] = r
	}
	return out, nil
}
