package memory

import (
	"context"
	"slices"
	"sync"
)

type subscriptionMapper struct {
	s     *Store
	mu    sync.Mutex
	names map[string][]string
}

func newSubscriptionMapper(s *Store) *subscriptionMapper {
	return &subscriptionMapper{s: s, names: make(map[string][]string)}
}

func (m *subscriptionMapper) Save(_ context.Context, user, name string) error {
	if err := m.s.checkConnected(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.names[user], name) {
		m.names[user] = append(m.names[user], name)
	}
	return nil
}

func (m *subscriptionMapper) Delete(_ context.Context, user, name string) error {
	if err := m.s.checkConnected(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names[user] = slices.DeleteFunc(m.names[user], func(n string) bool { return n == name })
	if len(m.names[user]) == 0 {
		delete(m.names, user)
	}
	return nil
}

func (m *subscriptionMapper) List(_ context.Context, user string) ([]string, error) {
	if err := m.s.checkConnected(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Clone(m.names[user])
	slices.Sort(out)
	return out, nil
}
