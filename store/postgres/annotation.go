package postgres

import (
	"context"
	"fmt"

	"github.com/rbaliyan/mailstore/store"
)

type subscriptionMapper struct {
	s *Store
}

func (m *subscriptionMapper) Save(ctx context.Context, user, name string) error {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s (user_name, name) VALUES ($1, $2) ON CONFLICT DO NOTHING`, m.s.t.subscriptions)
	if _, err := m.s.db.ExecContext(ctx, query, user, name); err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	return nil
}

func (m *subscriptionMapper) Delete(ctx context.Context, user, name string) error {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE user_name = $1 AND name = $2`, m.s.t.subscriptions)
	if _, err := m.s.db.ExecContext(ctx, query, user, name); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

func (m *subscriptionMapper) List(ctx context.Context, user string) ([]string, error) {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT name FROM %s WHERE user_name = $1 ORDER BY name COLLATE "C"`, m.s.t.subscriptions)
	var names []string
	if err := m.s.db.SelectContext(ctx, &names, query, user); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return names, nil
}

type annotationMapper struct {
	s *Store
}

func (m *annotationMapper) GetAll(ctx context.Context, id store.MailboxID) ([]store.Annotation, error) {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT key, value FROM %s WHERE mailbox_id = $1 ORDER BY key COLLATE "C"`, m.s.t.annotations)
	var out []store.Annotation
	if err := m.s.db.SelectContext(ctx, &out, query, id); err != nil {
		return nil, fmt.Errorf("get annotations: %w", err)
	}
	return out, nil
}

// GetByKeys filters the annotations of the mailbox in memory. A mailbox
// holds at most a handful of them.
func (m *annotationMapper) GetByKeys(ctx context.Context, id store.MailboxID, keys []string, depth store.AnnotationDepth) ([]store.Annotation, error) {
	all, err := m.GetAll(ctx, id)
	if err != nil {
		return nil, err
	}
	var out []store.Annotation
	for _, a := range all {
		for _, k := range keys {
			if store.AnnotationKeyMatches(a.Key, k, depth) {
				out = append(out, a)
				break
			}
		}
	}
	return out, nil
}

func (m *annotationMapper) InsertOrUpdate(ctx context.Context, id store.MailboxID, a store.Annotation) error {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (mailbox_id, key, value) VALUES ($1, $2, $3)
		ON CONFLICT (mailbox_id, key) DO UPDATE SET value = EXCLUDED.value
	`, m.s.t.annotations)
	if _, err := m.s.db.ExecContext(ctx, query, id, a.Key, a.Value); err != nil {
		return fmt.Errorf("write annotation: %w", err)
	}
	return nil
}

func (m *annotationMapper) Delete(ctx context.Context, id store.MailboxID, key string) error {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE mailbox_id = $1 AND key = $2`, m.s.t.annotations)
	if _, err := m.s.db.ExecContext(ctx, query, id, key); err != nil {
		return fmt.Errorf("delete annotation: %w", err)
	}
	return nil
}

func (m *annotationMapper) Exists(ctx context.Context, id store.MailboxID, key string) (bool, error) {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE mailbox_id = $1 AND key = $2)`, m.s.t.annotations)
	var exists bool
	if err := m.s.db.GetContext(ctx, &exists, query, id, key); err != nil {
		return false, fmt.Errorf("check annotation: %w", err)
	}
	return exists, nil
}

func (m *annotationMapper) Count(ctx context.Context, id store.MailboxID) (int, error) {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE mailbox_id = $1`, m.s.t.annotations)
	var n int
	if err := m.s.db.GetContext(ctx, &n, query, id); err != nil {
		return 0, fmt.Errorf("count annotations: %w", err)
	}
	return n, nil
}

func (m *annotationMapper) DeleteAll(ctx context.Context, id store.MailboxID) error {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE mailbox_id = $1`, m.s.t.annotations)
	if _, err := m.s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete annotations: %w", err)
	}
	return nil
}
