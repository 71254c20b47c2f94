package memory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/rbaliyan/mailstore/store"
)

type annotationMapper struct {
	s      *Store
	mu     sync.RWMutex
	values map[store.MailboxID]map[string]string
}

func newAnnotationMapper(s *Store) *annotationMapper {
	return &annotationMapper{s: s, values: make(map[store.MailboxID]map[string]string)}
}

func (m *annotationMapper) GetAll(_ context.Context, id store.MailboxID) ([]store.Annotation, error) {
	if err := m.s.checkConnected(); err != nil {
		return nil, err
	}
	return m.collect(id, func(string) bool { return true }), nil
}

func (m *annotationMapper) GetByKeys(_ context.Context, id store.MailboxID, keys []string, depth store.AnnotationDepth) ([]store.Annotation, error) {
	if err := m.s.checkConnected(); err != nil {
		return nil, err
	}
	return m.collect(id, func(key string) bool {
		return slices.ContainsFunc(keys, func(req string) bool {
			return store.AnnotationKeyMatches(key, req, depth)
		})
	}), nil
}

func (m *annotationMapper) collect(id store.MailboxID, keep func(string) bool) []store.Annotation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []store.Annotation
	for k, v := range m.values[id] {
		if keep(k) {
			out = append(out, store.Annotation{Key: k, Value: v})
		}
	}
	slices.SortFunc(out, func(a, b store.Annotation) int { return strings.Compare(a.Key, b.Key) })
	return out
}

func (m *annotationMapper) InsertOrUpdate(_ context.Context, id store.MailboxID, a store.Annotation) error {
	if err := m.s.checkConnected(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	vals, ok := m.values[id]
	if !ok {
		vals = make(map[string]string)
		m.values[id] = vals
	}
	vals[a.Key] = a.Value
	return nil
}

func (m *annotationMapper) Delete(_ context.Context, id store.MailboxID, key string) error {
	if err := m.s.checkConnected(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values[id], key)
	return nil
}

func (m *annotationMapper) Exists(_ context.Context, id store.MailboxID, key string) (bool, error) {
	if err := m.s.checkConnected(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.values[id][key]
	return ok, nil
}

func (m *annotationMapper) Count(_ context.Context, id store.MailboxID) (int, error) {
	if err := m.s.checkConnected(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values[id]), nil
}

func (m *annotationMapper) DeleteAll(_ context.Context, id store.MailboxID) error {
	if err := m.s.checkConnected(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, id)
	return nil
}
