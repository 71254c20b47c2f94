package memory

import (
	"context"
	"sync"

	"github.com/rbaliyan/mailstore/store"
)

type contentMapper struct {
	s    *Store
	rows sync.Map // map[store.MessageID]store.MessageContent
}

func newContentMapper(s *Store) *contentMapper { return &contentMapper{s: s} }

func (m *contentMapper) Save(_ context.Context, c store.MessageContent) error {
	if err := m.s.checkConnected(); err != nil {
		return err
	}
	if c.MessageID == "" {
		return store.ErrInvalidID
	}
	m.rows.Store(c.MessageID, c.Clone())
	return nil
}

func (m *contentMapper) Get(_ context.Context, id store.MessageID) (store.MessageContent, error) {
	if err := m.s.checkConnected(); err != nil {
		return store.MessageContent{}, err
	}
	v, ok := m.rows.Load(id)
	if !ok {
		return store.MessageContent{}, store.ErrNotFound
	}
	return v.(store.MessageContent).Clone(), nil
}

func (m *contentMapper) Delete(_ context.Context, id store.MessageID) error {
	if err := m.s.checkConnected(); err != nil {
		return err
	}
	m.rows.Delete(id)
	return nil
}

type attachmentMapper struct {
	s    *Store
	rows sync.Map // map[store.AttachmentID]store.Attachment
}

func newAttachmentMapper(s *Store) *attachmentMapper { return &attachmentMapper{s: s} }

func (m *attachmentMapper) Save(_ context.Context, a store.Attachment) error {
	if err := m.s.checkConnected(); err != nil {
		return err
	}
	if a.ID == "" {
		return store.ErrInvalidID
	}
	m.rows.Store(a.ID, a)
	return nil
}

func (m *attachmentMapper) Get(_ context.Context, id store.AttachmentID) (store.Attachment, error) {
	if err := m.s.checkConnected(); err != nil {
		return store.Attachment{}, err
	}
	v, ok := m.rows.Load(id)
	if !ok {
		return store.Attachment{}, store.ErrNotFound
	}
	return v.(store.Attachment), nil
}

func (m *attachmentMapper) Delete(_ context.Context, id store.AttachmentID) error {
	if err := m.s.checkConnected(); err != nil {
		return err
	}
	m.rows.Delete(id)
	return nil
}
