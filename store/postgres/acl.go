package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rbaliyan/mailstore/acl"
	"github.com/rbaliyan/mailstore/store"
)

type aclMapper struct {
	s *Store
}

func (m *aclMapper) Get(ctx context.Context, id store.MailboxID) (acl.ACL, error) {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}
	return m.load(ctx, m.s.db, id, false)
}

// load reads the ACL of a mailbox. forUpdate locks the row inside tx.
func (m *aclMapper) load(ctx context.Context, q sqlx.QueryerContext, id store.MailboxID, forUpdate bool) (acl.ACL, error) {
	query := fmt.Sprintf(`SELECT entries FROM %s WHERE mailbox_id = $1`, m.s.t.acls)
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var raw []byte
	if err := sqlx.GetContext(ctx, q, &raw, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return acl.ACL{}, nil
		}
		return nil, fmt.Errorf("load acl: %w", err)
	}
	a := acl.ACL{}
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("unmarshal acl: %w", err)
	}
	return a, nil
}

func (m *aclMapper) Set(ctx context.Context, id store.MailboxID, a acl.ACL) (acl.Diff, error) {
	return m.modify(ctx, id, func(acl.ACL) acl.ACL { return a.Clone() })
}

func (m *aclMapper) Update(ctx context.Context, id store.MailboxID, cmd acl.Command) (acl.Diff, error) {
	return m.modify(ctx, id, func(cur acl.ACL) acl.ACL { return cur.Apply(cmd) })
}

// modify reads, changes and writes the ACL row in one transaction so
// concurrent commands on the same mailbox do not lose updates.
func (m *aclMapper) modify(ctx context.Context, id store.MailboxID, change func(acl.ACL) acl.ACL) (diff acl.Diff, err error) {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return acl.Diff{}, err
	}

	tx, err := m.s.db.BeginTxx(ctx, nil)
	if err != nil {
		return acl.Diff{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	prev, err := m.load(ctx, tx, id, true)
	if err != nil {
		return acl.Diff{}, err
	}
	next := change(prev.Clone())

	if next.IsEmpty() {
		query := fmt.Sprintf(`DELETE FROM %s WHERE mailbox_id = $1`, m.s.t.acls)
		if _, err = tx.ExecContext(ctx, query, id); err != nil {
			return acl.Diff{}, fmt.Errorf("delete acl: %w", err)
		}
	} else {
		raw, mErr := json.Marshal(next)
		if mErr != nil {
			err = fmt.Errorf("marshal acl: %w", mErr)
			return acl.Diff{}, err
		}
		query := fmt.Sprintf(`
			INSERT INTO %s (mailbox_id, entries) VALUES ($1, $2)
			ON CONFLICT (mailbox_id) DO UPDATE SET entries = EXCLUDED.entries
		`, m.s.t.acls)
		if _, err = tx.ExecContext(ctx, query, id, raw); err != nil {
			return acl.Diff{}, fmt.Errorf("write acl: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return acl.Diff{}, fmt.Errorf("commit transaction: %w", err)
	}
	return acl.ComputeDiff(prev, next), nil
}

func (m *aclMapper) Delete(ctx context.Context, id store.MailboxID) error {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE mailbox_id = $1`, m.s.t.acls)
	if _, err := m.s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete acl: %w", err)
	}
	return nil
}

type userRightsMapper struct {
	s *Store
}

// Apply reflects the positive entries of diff. Negative entries never grant
// visibility and are not indexed.
func (m *userRightsMapper) Apply(ctx context.Context, id store.MailboxID, diff acl.Diff) error {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	upsert := fmt.Sprintf(`
		INSERT INTO %s (entry_key, mailbox_id, rights) VALUES ($1, $2, $3)
		ON CONFLICT (entry_key, mailbox_id) DO UPDATE SET rights = EXCLUDED.rights
	`, m.s.t.userRights)
	remove := fmt.Sprintf(`DELETE FROM %s WHERE entry_key = $1 AND mailbox_id = $2`, m.s.t.userRights)

	for _, c := range diff.Changes() {
		if c.Key.Negative {
			continue
		}
		if c.Type == acl.ChangeRemoved {
			_, err = m.s.db.ExecContext(ctx, remove, c.Key.String(), id)
		} else {
			_, err = m.s.db.ExecContext(ctx, upsert, c.Key.String(), id, c.New.String())
		}
		if err != nil {
			return fmt.Errorf("index rights of %s: %w", c.Key, err)
		}
	}
	return nil
}

func (m *userRightsMapper) List(ctx context.Context, key acl.EntryKey) (map[store.MailboxID]acl.Rights, error) {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT mailbox_id, rights FROM %s WHERE entry_key = $1`, m.s.t.userRights)
	var rows []struct {
		MailboxID string `db:"mailbox_id"`
		Rights    string `db:"rights"`
	}
	if err := m.s.db.SelectContext(ctx, &rows, query, key.String()); err != nil {
		return nil, fmt.Errorf("list rights: %w", err)
	}

	out := make(map[store.MailboxID]acl.Rights, len(rows))
	for _, r := range rows {
		rights, err := acl.ParseRights(r.Rights)
		if err != nil {
			m.s.logger.Warn("skipping unparsable rights", "mailbox_id", r.MailboxID, "rights", r.Rights, "error", err)
			continue
		}
		out[store.MailboxID(r.MailboxID)] = rights
	}
	return out, nil
}
