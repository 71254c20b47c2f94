package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rbaliyan/mailstore/store"
)

// messageRow is the scanned form of an association row.
type messageRow struct {
	MailboxID    string         `db:"mailbox_id"`
	UID          int64          `db:"uid"`
	MessageID    string         `db:"message_id"`
	ThreadID     string         `db:"thread_id"`
	SystemFlags  int16          `db:"system_flags"`
	UserFlags    pq.StringArray `db:"user_flags"`
	ModSeq       int64          `db:"modseq"`
	InternalDate time.Time      `db:"internal_date"`
	SaveDate     time.Time      `db:"save_date"`
	Size         int64          `db:"size"`
}

func (r messageRow) metadata() store.MessageMetadata {
	m := store.MessageMetadata{
		MailboxID:    store.MailboxID(r.MailboxID),
		UID:          store.UID(r.UID),
		MessageID:    store.MessageID(r.MessageID),
		ThreadID:     store.ThreadID(r.ThreadID),
		Flags:        store.Flags{System: store.SystemFlag(r.SystemFlags)},
		ModSeq:       store.ModSeq(r.ModSeq),
		InternalDate: r.InternalDate.UTC(),
		SaveDate:     r.SaveDate.UTC(),
		Size:         r.Size,
	}
	if len(r.UserFlags) > 0 {
		m.Flags.User = []string(r.UserFlags)
	}
	return m
}

const messageColumns = `mailbox_id, uid, message_id, thread_id, system_flags, user_flags,
	modseq, internal_date, save_date, size`

type messageMapper struct {
	s *Store
}

// bump increments one sequence column of a mailbox and returns the new value.
func (m *messageMapper) bump(ctx context.Context, id store.MailboxID, column string) (int64, error) {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`
		INSERT INTO %[1]s (mailbox_id, %[2]s) VALUES ($1, 1)
		ON CONFLICT (mailbox_id) DO UPDATE SET %[2]s = %[1]s.%[2]s + 1
		RETURNING %[2]s
	`, m.s.t.sequences, column)
	var v int64
	if err := m.s.db.GetContext(ctx, &v, query, id); err != nil {
		return 0, fmt.Errorf("allocate %s: %w", column, err)
	}
	return v, nil
}

// current returns one sequence column of a mailbox, 0 if unset.
func (m *messageMapper) current(ctx context.Context, id store.MailboxID, column string) (int64, error) {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`SELECT COALESCE(MAX(%s), 0) FROM %s WHERE mailbox_id = $1`, column, m.s.t.sequences)
	var v int64
	if err := m.s.db.GetContext(ctx, &v, query, id); err != nil {
		return 0, fmt.Errorf("read %s: %w", column, err)
	}
	return v, nil
}

func (m *messageMapper) NextUID(ctx context.Context, id store.MailboxID) (store.UID, error) {
	v, err := m.bump(ctx, id, "last_uid")
	return store.UID(v), err
}

func (m *messageMapper) LastUID(ctx context.Context, id store.MailboxID) (store.UID, error) {
	v, err := m.current(ctx, id, "last_uid")
	return store.UID(v), err
}

func (m *messageMapper) NextModSeq(ctx context.Context, id store.MailboxID) (store.ModSeq, error) {
	v, err := m.bump(ctx, id, "highest_modseq")
	return store.ModSeq(v), err
}

func (m *messageMapper) HighestModSeq(ctx context.Context, id store.MailboxID) (store.ModSeq, error) {
	v, err := m.current(ctx, id, "highest_modseq")
	return store.ModSeq(v), err
}

func (m *messageMapper) Add(ctx context.Context, row store.MessageMetadata) error {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, m.s.t.messages, messageColumns)
	_, err = m.s.db.ExecContext(ctx, query,
		row.MailboxID, int64(row.UID), row.MessageID, row.ThreadID,
		int16(row.Flags.System), userFlags(row.Flags), int64(row.ModSeq),
		row.InternalDate.UTC(), row.SaveDate.UTC(), row.Size,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateEntry
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (m *messageMapper) UpdateFlags(ctx context.Context, row store.MessageMetadata) error {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE %s SET system_flags = $1, user_flags = $2, modseq = $3
		WHERE mailbox_id = $4 AND uid = $5
	`, m.s.t.messages)
	result, err := m.s.db.ExecContext(ctx, query,
		int16(row.Flags.System), userFlags(row.Flags), int64(row.ModSeq),
		row.MailboxID, int64(row.UID),
	)
	if err != nil {
		return fmt.Errorf("update flags: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (m *messageMapper) List(ctx context.Context, id store.MailboxID, r store.UIDRange) ([]store.MessageMetadata, error) {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE mailbox_id = $1 AND uid BETWEEN $2 AND $3
		ORDER BY uid
	`, messageColumns, m.s.t.messages)
	var rows []messageRow
	if err := m.s.db.SelectContext(ctx, &rows, query, id, int64(r.From), int64(r.To)); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return toMetadata(rows), nil
}

// FindByMessageID ignores c: a primary read observes every committed write.
func (m *messageMapper) FindByMessageID(ctx context.Context, mid store.MessageID, _ store.Consistency) ([]store.MessageMetadata, error) {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE message_id = $1`, messageColumns, m.s.t.messages)
	var rows []messageRow
	if err := m.s.db.SelectContext(ctx, &rows, query, mid); err != nil {
		return nil, fmt.Errorf("find by message id: %w", err)
	}
	return toMetadata(rows), nil
}

func (m *messageMapper) Delete(ctx context.Context, id store.ComposedMessageID) error {
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE mailbox_id = $1 AND uid = $2`, m.s.t.messages)
	if _, err := m.s.db.ExecContext(ctx, query, id.MailboxID, int64(id.UID)); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// userFlags returns the keywords for a NOT NULL array column. A nil
// pq.StringArray is written as NULL.
func userFlags(f store.Flags) pq.StringArray {
	if f.User == nil {
		return pq.StringArray{}
	}
	return pq.StringArray(f.User)
}

func toMetadata(rows []messageRow) []store.MessageMetadata {
	if len(rows) == 0 {
		return nil
	}
	out := make([]store.MessageMetadata, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.metadata())
	}
	return out
}
