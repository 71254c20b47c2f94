package postgres

import (
	"context"
	"fmt"
	"slices"

	"github.com/rbaliyan/mailstore/store"
)

// mailboxRow is the scanned form of a mailbox row.
type mailboxRow struct {
	ID          string `db:"id"`
	Namespace   string `db:"namespace"`
	User        string `db:"user_name"`
	Name        string `db:"name"`
	UidValidity int64  `db:"uid_validity"`
}

func (r mailboxRow) mailbox() *store.Mailbox {
	return &store.Mailbox{
		ID:          store.MailboxID(r.ID),
		Path:        store.MailboxPath{Namespace: r.Namespace, User: r.User, Name: r.Name},
		UidValidity: store.UidValidity(r.UidValidity),
	}
}

const mailboxColumns = `id, namespace, user_name, name, uid_validity`

type mailboxMapper struct {
	s *Store
}

func (m *mailboxMapper) Create(ctx context.Context, path store.MailboxPath, uv store.UidValidity) (*store.Mailbox, error) {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}

	mb := &store.Mailbox{ID: store.NewMailboxID(), Path: path, UidValidity: uv}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, namespace, user_name, name, uid_validity)
		VALUES ($1, $2, $3, $4, $5)
	`, m.s.t.mailboxes)
	if _, err := m.s.db.ExecContext(ctx, query, mb.ID, path.Namespace, path.User, path.Name, int64(uv)); err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrMailboxExists
		}
		return nil, fmt.Errorf("insert mailbox: %w", err)
	}
	return mb, nil
}

func (m *mailboxMapper) Rename(ctx context.Context, id store.MailboxID, to store.MailboxPath) (*store.Mailbox, error) {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		UPDATE %s SET namespace = $1, user_name = $2, name = $3
		WHERE id = $4
		RETURNING %s
	`, m.s.t.mailboxes, mailboxColumns)
	var row mailboxRow
	if err := m.s.db.GetContext(ctx, &row, query, to.Namespace, to.User, to.Name, id); err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrMailboxExists
		}
		if err = notFound(err); store.IsNotFound(err) {
			return nil, err
		}
		return nil, fmt.Errorf("rename mailbox: %w", err)
	}
	return row.mailbox(), nil
}

func (m *mailboxMapper) Delete(ctx context.Context, id store.MailboxID) error {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, m.s.t.mailboxes)
	if _, err := m.s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete mailbox: %w", err)
	}
	return nil
}

func (m *mailboxMapper) FindByPath(ctx context.Context, path store.MailboxPath) (*store.Mailbox, error) {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE namespace = $1 AND user_name = $2 AND name = $3
	`, mailboxColumns, m.s.t.mailboxes)
	var row mailboxRow
	if err := m.s.db.GetContext(ctx, &row, query, path.Namespace, path.User, path.Name); err != nil {
		return nil, notFound(err)
	}
	return row.mailbox(), nil
}

func (m *mailboxMapper) FindByID(ctx context.Context, id store.MailboxID) (*store.Mailbox, error) {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, mailboxColumns, m.s.t.mailboxes)
	var row mailboxRow
	if err := m.s.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, notFound(err)
	}
	return row.mailbox(), nil
}

// Find narrows the scan by the literal prefix of the expression and applies
// the full expression in memory.
func (m *mailboxMapper) Find(ctx context.Context, q store.MailboxQuery) ([]*store.Mailbox, error) {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}

	prefix := ""
	if q.Expression != nil {
		prefix = q.Expression.Prefix()
	}
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE namespace = $1 AND user_name = $2 AND name LIKE $3
	`, mailboxColumns, m.s.t.mailboxes)
	var rows []mailboxRow
	if err := m.s.db.SelectContext(ctx, &rows, query, q.Namespace, q.User, likePrefix(prefix)); err != nil {
		return nil, fmt.Errorf("find mailboxes: %w", err)
	}

	out := make([]*store.Mailbox, 0, len(rows))
	for _, r := range rows {
		mb := r.mailbox()
		if q.Matches(mb.Path) {
			out = append(out, mb)
		}
	}
	sortMailboxes(out)
	return out, nil
}

func (m *mailboxMapper) HasChildren(ctx context.Context, path store.MailboxPath, delim rune) (bool, error) {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf(`
		SELECT EXISTS (
			SELECT 1 FROM %s
			WHERE namespace = $1 AND user_name = $2 AND name LIKE $3
		)
	`, m.s.t.mailboxes)
	var exists bool
	if err := m.s.db.GetContext(ctx, &exists, query, path.Namespace, path.User, likePrefix(path.ChildPrefix(delim))); err != nil {
		return false, fmt.Errorf("has children: %w", err)
	}
	return exists, nil
}

func (m *mailboxMapper) List(ctx context.Context) ([]*store.Mailbox, error) {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s`, mailboxColumns, m.s.t.mailboxes)
	var rows []mailboxRow
	if err := m.s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}
	out := make([]*store.Mailbox, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.mailbox())
	}
	sortMailboxes(out)
	return out, nil
}

// sortMailboxes orders by path in byte order. ORDER BY would follow the
// database collation.
func sortMailboxes(mbs []*store.Mailbox) {
	slices.SortFunc(mbs, func(a, b *store.Mailbox) int { return a.Path.Compare(b.Path) })
}
