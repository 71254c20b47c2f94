package postgres

import (
	"context"
	"fmt"

	"github.com/lib/pq"
	"github.com/rbaliyan/mailstore/store"
)

type counterMapper struct {
	s *Store
}

func (m *counterMapper) Get(ctx context.Context, id store.MailboxID) (store.MailboxCounters, error) {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return store.MailboxCounters{}, err
	}

	query := fmt.Sprintf(`
		SELECT COALESCE(SUM(count), 0)::BIGINT, COALESCE(SUM(unseen), 0)::BIGINT
		FROM %s WHERE mailbox_id = $1
	`, m.s.t.counters)
	c := store.MailboxCounters{MailboxID: id}
	if err := m.s.db.QueryRowxContext(ctx, query, id).Scan(&c.Count, &c.Unseen); err != nil {
		return store.MailboxCounters{}, fmt.Errorf("get counters: %w", err)
	}
	return c, nil
}

func (m *counterMapper) Increment(ctx context.Context, id store.MailboxID, count, unseen int64) error {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %[1]s (mailbox_id, count, unseen) VALUES ($1, $2, $3)
		ON CONFLICT (mailbox_id) DO UPDATE SET
			count = %[1]s.count + EXCLUDED.count,
			unseen = %[1]s.unseen + EXCLUDED.unseen
	`, m.s.t.counters)
	if _, err := m.s.db.ExecContext(ctx, query, id, count, unseen); err != nil {
		return fmt.Errorf("increment counters: %w", err)
	}
	return nil
}

func (m *counterMapper) Delete(ctx context.Context, id store.MailboxID) error {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE mailbox_id = $1`, m.s.t.counters)
	if _, err := m.s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete counters: %w", err)
	}
	return nil
}

type applicableFlagMapper struct {
	s *Store
}

// Get returns the system flags plus every keyword used in the mailbox.
func (m *applicableFlagMapper) Get(ctx context.Context, id store.MailboxID) (store.Flags, error) {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return store.Flags{}, err
	}

	query := fmt.Sprintf(`SELECT keyword FROM %s WHERE mailbox_id = $1`, m.s.t.applicableFlags)
	var keywords []string
	if err := m.s.db.SelectContext(ctx, &keywords, query, id); err != nil {
		return store.Flags{}, fmt.Errorf("get applicable flags: %w", err)
	}
	f := store.NewFlags(keywords...)
	f.System = store.FlagAnswered | store.FlagDeleted | store.FlagDraft | store.FlagFlagged | store.FlagSeen
	return f, nil
}

func (m *applicableFlagMapper) Add(ctx context.Context, id store.MailboxID, keywords []string) error {
	if len(keywords) == 0 {
		return nil
	}
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (mailbox_id, keyword)
		SELECT $1, kw FROM unnest($2::text[]) AS kw
		ON CONFLICT DO NOTHING
	`, m.s.t.applicableFlags)
	if _, err := m.s.db.ExecContext(ctx, query, id, pq.Array(keywords)); err != nil {
		return fmt.Errorf("add applicable flags: %w", err)
	}
	return nil
}

func (m *applicableFlagMapper) Delete(ctx context.Context, id store.MailboxID) error {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE mailbox_id = $1`, m.s.t.applicableFlags)
	if _, err := m.s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete applicable flags: %w", err)
	}
	return nil
}

// uidSetMapper backs the first-unseen, deleted-marker and recent sets. The
// three share one table, partitioned by kind.
type uidSetMapper struct {
	s    *Store
	kind string
}

func (m *uidSetMapper) Add(ctx context.Context, id store.MailboxID, uid store.UID) error {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (kind, mailbox_id, uid) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, m.s.t.uidSets)
	if _, err := m.s.db.ExecContext(ctx, query, m.kind, id, int64(uid)); err != nil {
		return fmt.Errorf("add %s uid: %w", m.kind, err)
	}
	return nil
}

func (m *uidSetMapper) Remove(ctx context.Context, id store.MailboxID, uid store.UID) error {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE kind = $1 AND mailbox_id = $2 AND uid = $3`, m.s.t.uidSets)
	if _, err := m.s.db.ExecContext(ctx, query, m.kind, id, int64(uid)); err != nil {
		return fmt.Errorf("remove %s uid: %w", m.kind, err)
	}
	return nil
}

func (m *uidSetMapper) List(ctx context.Context, id store.MailboxID) ([]store.UID, error) {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT uid FROM %s WHERE kind = $1 AND mailbox_id = $2 ORDER BY uid`, m.s.t.uidSets)
	var raw []int64
	if err := m.s.db.SelectContext(ctx, &raw, query, m.kind, id); err != nil {
		return nil, fmt.Errorf("list %s uids: %w", m.kind, err)
	}
	out := make([]store.UID, 0, len(raw))
	for _, uid := range raw {
		out = append(out, store.UID(uid))
	}
	return out, nil
}

func (m *uidSetMapper) First(ctx context.Context, id store.MailboxID) (store.UID, error) {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`SELECT MIN(uid) FROM %s WHERE kind = $1 AND mailbox_id = $2`, m.s.t.uidSets)
	var uid *int64
	if err := m.s.db.GetContext(ctx, &uid, query, m.kind, id); err != nil {
		return 0, fmt.Errorf("first %s uid: %w", m.kind, err)
	}
	if uid == nil {
		return 0, store.ErrNotFound
	}
	return store.UID(*uid), nil
}

func (m *uidSetMapper) RemoveAll(ctx context.Context, id store.MailboxID) error {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE kind = $1 AND mailbox_id = $2`, m.s.t.uidSets)
	if _, err := m.s.db.ExecContext(ctx, query, m.kind, id); err != nil {
		return fmt.Errorf("clear %s uids: %w", m.kind, err)
	}
	return nil
}
