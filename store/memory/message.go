package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/rbaliyan/mailstore/store"
)

type mailboxMessages struct {
	lastUID    store.UID
	lastModSeq store.ModSeq
	rows       map[store.UID]store.MessageMetadata
}

// messageMapper keeps both directions of the association index: rows by
// mailbox and the set of mailbox rows per MessageID.
type messageMapper struct {
	s         *Store
	mu        sync.RWMutex
	mailboxes map[store.MailboxID]*mailboxMessages
	byMessage map[store.MessageID]map[store.ComposedMessageID]struct{}
}

func newMessageMapper(s *Store) *messageMapper {
	return &messageMapper{
		s:         s,
		mailboxes: make(map[store.MailboxID]*mailboxMessages),
		byMessage: make(map[store.MessageID]map[store.ComposedMessageID]struct{}),
	}
}

// mailbox must be called with m.mu held for writing.
func (m *messageMapper) mailbox(id store.MailboxID) *mailboxMessages {
	mm, ok := m.mailboxes[id]
	if !ok {
		mm = &mailboxMessages{rows: make(map[store.UID]store.MessageMetadata)}
		m.mailboxes[id] = mm
	}
	return mm
}

func (m *messageMapper) NextUID(_ context.Context, id store.MailboxID) (store.UID, error) {
	if err := m.s.checkConnected(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	mm := m.mailbox(id)
	mm.lastUID++
	return mm.lastUID, nil
}

func (m *messageMapper) LastUID(_ context.Context, id store.MailboxID) (store.UID, error) {
	if err := m.s.checkConnected(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mm, ok := m.mailboxes[id]; ok {
		return mm.lastUID, nil
	}
	return 0, nil
}

func (m *messageMapper) NextModSeq(_ context.Context, id store.MailboxID) (store.ModSeq, error) {
	if err := m.s.checkConnected(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	mm := m.mailbox(id)
	mm.lastModSeq++
	return mm.lastModSeq, nil
}

func (m *messageMapper) HighestModSeq(_ context.Context, id store.MailboxID) (store.ModSeq, error) {
	if err := m.s.checkConnected(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mm, ok := m.mailboxes[id]; ok {
		return mm.lastModSeq, nil
	}
	return 0, nil
}

func (m *messageMapper) Add(_ context.Context, row store.MessageMetadata) error {
	if err := m.s.checkConnected(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	mm := m.mailbox(row.MailboxID)
	if _, ok := mm.rows[row.UID]; ok {
		return store.ErrDuplicateEntry
	}
	mm.rows[row.UID] = row.Clone()
	refs, ok := m.byMessage[row.MessageID]
	if !ok {
		refs = make(map[store.ComposedMessageID]struct{})
		m.byMessage[row.MessageID] = refs
	}
	refs[row.ComposedID()] = struct{}{}
	return nil
}

func (m *messageMapper) UpdateFlags(_ context.Context, row store.MessageMetadata) error {
	if err := m.s.checkConnected(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	mm, ok := m.mailboxes[row.MailboxID]
	if !ok {
		return store.ErrNotFound
	}
	cur, ok := mm.rows[row.UID]
	if !ok {
		return store.ErrNotFound
	}
	cur.Flags = row.Flags.Clone()
	cur.ModSeq = row.ModSeq
	mm.rows[row.UID] = cur
	return nil
}

func (m *messageMapper) List(_ context.Context, id store.MailboxID, r store.UIDRange) ([]store.MessageMetadata, error) {
	if err := m.s.checkConnected(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	mm, ok := m.mailboxes[id]
	if !ok {
		return nil, nil
	}
	var out []store.MessageMetadata
	for uid, row := range mm.rows {
		if r.Contains(uid) {
			out = append(out, row.Clone())
		}
	}
	slices.SortFunc(out, func(a, b store.MessageMetadata) int { return cmp.Compare(a.UID, b.UID) })
	return out, nil
}

// FindByMessageID ignores c: every write is immediately visible.
func (m *messageMapper) FindByMessageID(_ context.Context, mid store.MessageID, _ store.Consistency) ([]store.MessageMetadata, error) {
	if err := m.s.checkConnected(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []store.MessageMetadata
	for id := range m.byMessage[mid] {
		if mm, ok := m.mailboxes[id.MailboxID]; ok {
			if row, ok := mm.rows[id.UID]; ok {
				out = append(out, row.Clone())
			}
		}
	}
	return out, nil
}

func (m *messageMapper) Delete(_ context.Context, id store.ComposedMessageID) error {
	if err := m.s.checkConnected(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if mm, ok := m.mailboxes[id.MailboxID]; ok {
		delete(mm.rows, id.UID)
	}
	if refs, ok := m.byMessage[id.MessageID]; ok {
		delete(refs, id)
		if len(refs) == 0 {
			delete(m.byMessage, id.MessageID)
		}
	}
	return nil
}
